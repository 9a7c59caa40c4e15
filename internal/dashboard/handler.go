package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aliest/leadsync/internal/metrics"
	lsync "github.com/aliest/leadsync/internal/sync"
)

// Handler turns cycle outcomes into metrics and dashboard messages. Its
// OnCycle method is meant to be the scheduler's OnCycle hook.
type Handler struct {
	server  *Server
	metrics *metrics.Collector
	logger  *log.Logger
}

// NewHandler creates a handler. Either server or collector may be nil.
func NewHandler(server *Server, collector *metrics.Collector, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, metrics: collector, logger: logger}
}

// OnCycle records a finished cycle and broadcasts it with fresh stats.
func (h *Handler) OnCycle(out lsync.Outcome) {
	if h.metrics != nil {
		h.metrics.Observe(out)
	}
	if h.server == nil {
		return
	}

	dataJSON, err := json.Marshal(out.Summary())
	if err != nil {
		h.logger.Printf("Failed to marshal cycle summary: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeCycleComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStats()
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	dataJSON, err := json.Marshal(h.server.Snapshot(context.Background()))
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
