// Package dashboard provides the monitoring surface of the sync daemon.
//
// The server streams cycle outcomes and scheduler statistics to WebSocket
// clients and serves /health, /stats and /metrics for probes and scrapers.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aliest/leadsync/internal/daemon"
	"github.com/aliest/leadsync/internal/db"
	lsync "github.com/aliest/leadsync/internal/sync"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeCycleComplete carries the summary of a finished cycle
	MessageTypeCycleComplete MessageType = "cycle_complete"

	// MessageTypeStats carries scheduler and dataset statistics
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DatasetStats summarizes the store.
type DatasetStats struct {
	Leads        int            `json:"leads"`
	ByPartition  map[string]int `json:"by_partition,omitempty"`
	Propagation  map[string]int `json:"propagation,omitempty"`
	Runs         int            `json:"runs"`
	RunsByStatus map[string]int `json:"runs_by_status,omitempty"`
	SuccessRate  float64        `json:"success_rate"`
	LastSuccess  time.Time      `json:"last_success"`
}

// StatsData is the payload of stats messages and GET /stats.
type StatsData struct {
	Scheduler     *daemon.Stats `json:"scheduler,omitempty"`
	SuccessRate   float64       `json:"success_rate"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Dataset       *DatasetStats `json:"dataset,omitempty"`
	Clients       int           `json:"clients"`
}

// StatsProvider reports scheduler statistics.
type StatsProvider interface {
	Stats() daemon.Stats
}

// StoreReader reads the store summaries shown on the dashboard.
type StoreReader interface {
	CountLeadsContext(ctx context.Context) (int, error)
	CountByPartitionContext(ctx context.Context) (map[string]int, error)
	PropagationCountsContext(ctx context.Context) (map[string]int, error)
	RunSummaryContext(ctx context.Context) (db.RunSummary, error)
}

// Server serves the live feed and the read-only endpoints.
type Server struct {
	port     int
	listener net.Listener
	http     *http.Server
	feed     *feed

	scheduler StatsProvider
	store     StoreReader
	metrics   http.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Scheduler, Store and Metrics are optional data sources
	Scheduler StatsProvider
	Store     StoreReader
	Metrics   http.Handler

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		port:      config.Port,
		feed:      newFeed(logger),
		scheduler: config.Scheduler,
		store:     config.Store,
		metrics:   config.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// SetScheduler sets the scheduler stats source. Call before Start.
func (s *Server) SetScheduler(scheduler StatsProvider) {
	s.scheduler = scheduler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.feed.run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects feed clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()
	s.feed.closeAll()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every feed client. Messages are dropped with a
// warning when the queue is full.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	s.feed.publish(msg)
}

// handleWebSocket subscribes the client and greets it with current stats.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.feed.add(conn)

	hello := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if data, err := json.Marshal(s.Snapshot(r.Context())); err == nil {
		hello.Data = data
	}
	if err := s.feed.send(conn, hello); err != nil {
		s.feed.remove(conn)
		return
	}

	// Reading is needed to notice the client going away.
	go func() {
		defer s.feed.remove(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

// Snapshot collects the current statistics. Store errors are logged and
// leave Dataset empty.
func (s *Server) Snapshot(ctx context.Context) StatsData {
	data := StatsData{Clients: s.ClientCount()}

	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		data.Scheduler = &stats
		data.SuccessRate = stats.SuccessRate()
		data.UptimeSeconds = stats.Uptime().Seconds()
	}

	if s.store != nil {
		ds, err := s.datasetStats(ctx)
		if err != nil {
			s.logger.Printf("Warning: failed to read dataset stats: %v", err)
		} else {
			data.Dataset = ds
		}
	}
	return data
}

func (s *Server) datasetStats(ctx context.Context) (*DatasetStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	leads, err := s.store.CountLeadsContext(ctx)
	if err != nil {
		return nil, err
	}
	byPartition, err := s.store.CountByPartitionContext(ctx)
	if err != nil {
		return nil, err
	}
	propagation, err := s.store.PropagationCountsContext(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := s.store.RunSummaryContext(ctx)
	if err != nil {
		return nil, err
	}

	return &DatasetStats{
		Leads:        leads,
		ByPartition:  byPartition,
		Propagation:  propagation,
		Runs:         summary.Total,
		RunsByStatus: summary.ByStatus,
		SuccessRate:  summary.SuccessRate(),
		LastSuccess:  summary.LastSuccess,
	}, nil
}

// handleHealth reports 503 when a configured scheduler is not running.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	body := map[string]interface{}{
		"clients": s.ClientCount(),
	}

	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		body["scheduler_running"] = stats.Running
		if stats.LastOutcome != nil {
			body["last_status"] = stats.LastOutcome.Status
			body["last_cycle_at"] = stats.LastCycleAt
			if stats.LastOutcome.Status == lsync.StatusError {
				status = "degraded"
			}
		}
		if !stats.Running {
			status = "stopped"
			code = http.StatusServiceUnavailable
		}
	}
	body["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// handleStats returns the same payload as stats messages
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Snapshot(r.Context()))
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>leadsync</title>
</head>
<body>
    <h1>leadsync daemon</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Statistics: <a href="/stats">/stats</a></p>
    <p>Prometheus metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.port)
}

// ClientCount returns the number of feed clients.
func (s *Server) ClientCount() int {
	return s.feed.count()
}
