package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aliest/leadsync/internal/daemon"
	"github.com/aliest/leadsync/internal/db"
	"github.com/aliest/leadsync/internal/metrics"
	lsync "github.com/aliest/leadsync/internal/sync"
)

type fakeScheduler struct {
	stats daemon.Stats
}

func (f *fakeScheduler) Stats() daemon.Stats { return f.stats }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	config.Port = 0
	config.Logger = quietLogger()

	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

func TestServer_WelcomeAndBroadcast(t *testing.T) {
	server := startServer(t, &Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, conn)
	if welcome.Type != MessageTypeStats {
		t.Errorf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	if server.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", server.ClientCount())
	}

	server.Broadcast(Message{Type: MessageTypeCycleComplete, Data: json.RawMessage(`{"status":"SUCCESS"}`)})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeCycleComplete {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeCycleComplete)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast timestamp was not filled in")
	}
}

func TestHandler_OnCycle(t *testing.T) {
	collector := metrics.New()
	server := startServer(t, &Config{Metrics: collector.Handler()})
	handler := NewHandler(server, collector, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readMessage(t, conn)

	now := time.Now()
	handler.OnCycle(lsync.Outcome{
		RunID:      "run-1",
		Status:     lsync.StatusSuccess,
		Stage:      lsync.StageComplete,
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Processed:  3,
		Inserted:   3,
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeCycleComplete {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeCycleComplete)
	}
	var summary lsync.Summary
	if err := json.Unmarshal(msg.Data, &summary); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if summary.RunID != "run-1" || summary.Inserted != 3 {
		t.Errorf("summary = %+v, want run-1 with 3 inserted", summary)
	}

	if msg := readMessage(t, conn); msg.Type != MessageTypeStats {
		t.Errorf("second message type = %s, want %s", msg.Type, MessageTypeStats)
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `leadsync_cycles_total{status="SUCCESS"} 1`) {
		t.Errorf("metrics output missing cycle counter:\n%s", body)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		scheduler  StatsProvider
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no scheduler",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "running",
			scheduler:  &fakeScheduler{stats: daemon.Stats{Running: true}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "last cycle failed",
			scheduler: &fakeScheduler{stats: daemon.Stats{
				Running:     true,
				LastOutcome: &lsync.Summary{Status: lsync.StatusError},
			}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "stopped",
			scheduler:  &fakeScheduler{stats: daemon.Stats{}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startServer(t, &Config{Scheduler: tt.scheduler})

			resp, err := http.Get("http://" + server.GetAddr() + "/health")
			if err != nil {
				t.Fatalf("GET /health failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestHandleStats_Store(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "leads.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := store.StartRunContext(ctx, db.Run{RunID: "r1", SyncType: "reconcile", StartedAt: time.Now()}); err != nil {
		t.Fatalf("StartRunContext() failed: %v", err)
	}
	if err := store.FinishRunContext(ctx, db.Run{RunID: "r1", Status: db.RunSuccess, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("FinishRunContext() failed: %v", err)
	}

	scheduler := &fakeScheduler{stats: daemon.Stats{
		StartedAt:   time.Now().Add(-time.Minute),
		TotalCycles: 4,
		Successful:  3,
		Failed:      1,
		Running:     true,
	}}
	server := startServer(t, &Config{Scheduler: scheduler, Store: store})

	resp, err := http.Get("http://" + server.GetAddr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()

	var stats StatsData
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if stats.SuccessRate != 75 {
		t.Errorf("SuccessRate = %v, want 75", stats.SuccessRate)
	}
	if stats.UptimeSeconds <= 0 {
		t.Errorf("UptimeSeconds = %v, want > 0", stats.UptimeSeconds)
	}
	if stats.Dataset == nil {
		t.Fatal("Dataset is nil")
	}
	if stats.Dataset.Runs != 1 || stats.Dataset.RunsByStatus[db.RunSuccess] != 1 {
		t.Errorf("Dataset runs = %d %v, want 1 SUCCESS", stats.Dataset.Runs, stats.Dataset.RunsByStatus)
	}
	if stats.Dataset.Leads != 0 {
		t.Errorf("Dataset.Leads = %d, want 0", stats.Dataset.Leads)
	}
}

func TestHandleRoot_NotFound(t *testing.T) {
	server := startServer(t, &Config{})

	resp, err := http.Get("http://" + server.GetAddr() + "/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}
