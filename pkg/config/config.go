package config

import (
	"fmt"
	"os"
	"time"

	"callmesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

// RelayServerConfig describes one TURN-equivalent relay entry.
type RelayServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
	Region     string   `yaml:"region"`
	Priority   int      `yaml:"priority"`
}

type Config struct {
	Room struct {
		ID       string `yaml:"id"`
		UserID   string `yaml:"user_id"`
		MaxPeers int    `yaml:"max_peers"`
	} `yaml:"room"`

	Relay struct {
		Servers           []RelayServerConfig `yaml:"servers"`
		ProbeTTL          time.Duration       `yaml:"probe_ttl"`
		ProbeTimeout      time.Duration       `yaml:"probe_timeout"`
		ProbeBatchSize    int                 `yaml:"probe_batch_size"`
		GoodEnoughLatency time.Duration       `yaml:"good_enough_latency"`
	} `yaml:"relay"`

	Signal struct {
		Transport         string        `yaml:"transport"` // websocket | redis
		URL               string        `yaml:"url"`
		Secret            string        `yaml:"secret"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ConnectAttempts   int           `yaml:"connect_attempts"`
		ConnectDelay      time.Duration `yaml:"connect_delay"`
		MessagesPerMinute int           `yaml:"messages_per_minute"`
		RetryQueueSize    int           `yaml:"retry_queue_size"`
	} `yaml:"signal"`

	Telemetry struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"telemetry"`

	Reconnect struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		BaseDelay         time.Duration `yaml:"base_delay"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		DisconnectedGrace time.Duration `yaml:"disconnected_grace"`
	} `yaml:"reconnect"`

	Bitrate struct {
		Cadence       time.Duration `yaml:"cadence"`
		LossThreshold float64       `yaml:"loss_threshold"`
		RTTThreshold  time.Duration `yaml:"rtt_threshold"`
		Hysteresis    float64       `yaml:"hysteresis"`
	} `yaml:"bitrate"`

	Media struct {
		QualityPreset  string  `yaml:"quality_preset"`
		MaxBandwidth   int     `yaml:"max_bandwidth"` // kbps
		ScalableCoding bool    `yaml:"scalable_coding"`
		Simulcast      bool    `yaml:"simulcast"`
		DTX            bool    `yaml:"dtx"`
		AudioDuckLevel float64 `yaml:"audio_duck_level"`
	} `yaml:"media"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"http"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
// Violations are configuration errors: fail fast, never retried.
func (c *Config) Validate() error {
	if err := validation.ValidateRoomID(c.Room.ID); err != nil {
		return fmt.Errorf("room.id: %w", err)
	}
	if err := validation.ValidateUserID(c.Room.UserID); err != nil {
		return fmt.Errorf("room.user_id: %w", err)
	}
	if c.Room.MaxPeers <= 0 {
		return fmt.Errorf("room.max_peers must be > 0")
	}

	if len(c.Relay.Servers) == 0 {
		return fmt.Errorf("relay.servers must not be empty")
	}
	for i, srv := range c.Relay.Servers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("relay.servers[%d].urls must not be empty", i)
		}
		for _, u := range srv.URLs {
			if err := validation.ValidateRelayURL(u); err != nil {
				return fmt.Errorf("relay.servers[%d]: %w", i, err)
			}
		}
	}
	if c.Relay.ProbeTTL <= 0 {
		return fmt.Errorf("relay.probe_ttl must be > 0")
	}
	if c.Relay.ProbeTimeout <= 0 {
		return fmt.Errorf("relay.probe_timeout must be > 0")
	}
	if c.Relay.ProbeBatchSize <= 0 {
		return fmt.Errorf("relay.probe_batch_size must be > 0")
	}

	switch c.Signal.Transport {
	case "websocket", "redis":
	default:
		return fmt.Errorf("signal.transport must be websocket or redis")
	}
	if c.Signal.Transport == "websocket" && c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty for websocket transport")
	}
	if c.Signal.Transport == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty for redis transport")
	}
	if c.Signal.HeartbeatInterval <= 0 {
		return fmt.Errorf("signal.heartbeat_interval must be > 0")
	}
	if c.Signal.ConnectAttempts <= 0 {
		return fmt.Errorf("signal.connect_attempts must be > 0")
	}
	if c.Signal.MessagesPerMinute <= 0 {
		return fmt.Errorf("signal.messages_per_minute must be > 0")
	}
	if c.Signal.RetryQueueSize <= 0 {
		return fmt.Errorf("signal.retry_queue_size must be > 0")
	}

	if c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be > 0")
	}

	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be >= base_delay")
	}

	if c.Bitrate.Cadence <= 0 {
		return fmt.Errorf("bitrate.cadence must be > 0")
	}
	if c.Bitrate.LossThreshold <= 0 || c.Bitrate.LossThreshold >= 1 {
		return fmt.Errorf("bitrate.loss_threshold must be in (0, 1)")
	}
	if c.Bitrate.Hysteresis < 0 || c.Bitrate.Hysteresis >= 1 {
		return fmt.Errorf("bitrate.hysteresis must be in [0, 1)")
	}

	if err := validation.ValidateQualityPresetName(c.Media.QualityPreset); err != nil {
		return fmt.Errorf("media.quality_preset: %w", err)
	}
	if err := validation.ValidateBitrate(c.Media.MaxBandwidth); err != nil {
		return fmt.Errorf("media.max_bandwidth: %w", err)
	}
	if c.Media.AudioDuckLevel < 0 || c.Media.AudioDuckLevel > 1 {
		return fmt.Errorf("media.audio_duck_level must be in [0, 1]")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. Room id, user id and
// relay servers have no defaults and must be supplied.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Room.MaxPeers = 16

	cfg.Relay.ProbeTTL = 5 * time.Minute
	cfg.Relay.ProbeTimeout = 2 * time.Second
	cfg.Relay.ProbeBatchSize = 5
	cfg.Relay.GoodEnoughLatency = 100 * time.Millisecond

	cfg.Signal.Transport = "websocket"
	cfg.Signal.HeartbeatInterval = 30 * time.Second
	cfg.Signal.ConnectAttempts = 5
	cfg.Signal.ConnectDelay = time.Second
	cfg.Signal.MessagesPerMinute = 600
	cfg.Signal.RetryQueueSize = 64

	cfg.Telemetry.Interval = time.Second

	cfg.Reconnect.MaxAttempts = 5
	cfg.Reconnect.BaseDelay = time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second
	cfg.Reconnect.DisconnectedGrace = 3 * time.Second

	cfg.Bitrate.Cadence = 2 * time.Second
	cfg.Bitrate.LossThreshold = 0.05
	cfg.Bitrate.RTTThreshold = 300 * time.Millisecond
	cfg.Bitrate.Hysteresis = 0.10

	cfg.Media.QualityPreset = "medium"
	cfg.Media.MaxBandwidth = 2500
	cfg.Media.AudioDuckLevel = 0.3

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.HTTP.Enabled = true
	cfg.HTTP.Address = ":8080"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if room := os.Getenv("CALLMESH_ROOM_ID"); room != "" {
		c.Room.ID = room
	}
	if user := os.Getenv("CALLMESH_USER_ID"); user != "" {
		c.Room.UserID = user
	}
	if url := os.Getenv("CALLMESH_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if secret := os.Getenv("CALLMESH_SIGNAL_SECRET"); secret != "" {
		c.Signal.Secret = secret
	}
	if level := os.Getenv("CALLMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
