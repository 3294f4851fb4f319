package http

import (
	"errors"
	"net/http"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineHandler exposes a read-only introspection API over the running
// engine: liveness, peer roster and aggregated telemetry.
type EngineHandler struct {
	engine *services.Orchestrator
}

func NewEngineHandler(engine *services.Orchestrator) *EngineHandler {
	return &EngineHandler{engine: engine}
}

func (h *EngineHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/peers/:id", h.GetPeer)
		api.GET("/stats", h.GetStats)
	}
}

func (h *EngineHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"peers":  h.engine.PeerCount(),
	})
}

func (h *EngineHandler) ListPeers(c *gin.Context) {
	peers := h.engine.Peers()

	out := make([]gin.H, 0, len(peers))
	for _, peerID := range peers {
		out = append(out, gin.H{
			"peer_id": peerID,
			"state":   h.engine.PeerState(peerID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (h *EngineHandler) GetPeer(c *gin.Context) {
	peerID := domain.PeerID(c.Param("id"))

	report, err := h.engine.PeerReport(peerID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer_id": peerID,
		"state":   h.engine.PeerState(peerID),
		"stats":   report,
	})
}

func (h *EngineHandler) GetStats(c *gin.Context) {
	stats := h.engine.AggregateStats()

	out := make(map[string]domain.StatsReport, len(stats))
	for peerID, report := range stats {
		out[string(peerID)] = report
	}
	c.JSON(http.StatusOK, gin.H{"stats": out})
}
