package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// TCPProber measures relay reachability as TCP connect time. TURN servers
// answer on their listening port even without an allocation, which makes the
// handshake a cheap latency estimate.
type TCPProber struct {
	logger *zap.SugaredLogger
}

func NewTCPProber(logger *zap.SugaredLogger) *TCPProber {
	return &TCPProber{logger: logger}
}

// Probe dials host (host:port) and returns the elapsed connect time.
func (p *TCPProber) Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	dialer := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", host, err)
	}
	elapsed := time.Since(start)
	conn.Close()

	p.logger.Debugw("relay probed", "host", host, "latency", elapsed)
	return elapsed, nil
}
