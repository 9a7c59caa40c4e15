package source

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestSheets(t *testing.T, handler http.HandlerFunc) *SheetsReader {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	reader, err := NewSheetsReader(context.Background(), &SheetsConfig{
		BaseURL:    server.URL,
		APIKey:     "test-key",
		RateLimit:  1000,
		HTTPClient: server.Client(),
		Logger:     log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("NewSheetsReader() failed: %v", err)
	}
	return reader
}

func sheetsHandler(t *testing.T, listCalls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key on %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/spreadsheets/sheet-1":
			atomic.AddInt32(listCalls, 1)
			_, _ = w.Write([]byte(`{"sheets":[
				{"properties":{"sheetId":0,"title":"C6 - Capital"}},
				{"properties":{"sheetId":42,"title":"BS2"}}
			]}`))
		case strings.HasPrefix(r.URL.Path, "/spreadsheets/sheet-1/values/"):
			rng := strings.TrimPrefix(r.URL.Path, "/spreadsheets/sheet-1/values/")
			if rng != "'C6 - Capital'!A:Z" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Unable to parse range: ` + rng + `"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"range": rng,
				"values": [][]string{
					{"Data", "CNPJ", "TELEFONE", "EMPRESA"},
					{"05/01/2024", "111", "555", "Acme"},
					{"", "", "", ""},
					{"06/01/2024", "222"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
		}
	}
}

func TestSheetsReader_ListPartitions(t *testing.T) {
	var calls int32
	reader := newTestSheets(t, sheetsHandler(t, &calls))

	partitions, err := reader.ListPartitions(context.Background(), "sheet-1")
	if err != nil {
		t.Fatalf("ListPartitions() failed: %v", err)
	}

	want := []PartitionInfo{{ID: "0", Name: "C6 - Capital"}, {ID: "42", Name: "BS2"}}
	if len(partitions) != len(want) {
		t.Fatalf("ListPartitions() = %v, want %v", partitions, want)
	}
	for i := range want {
		if partitions[i] != want[i] {
			t.Errorf("partition %d = %+v, want %+v", i, partitions[i], want[i])
		}
	}
}

func TestSheetsReader_FetchPartition(t *testing.T) {
	var calls int32
	reader := newTestSheets(t, sheetsHandler(t, &calls))

	p, err := reader.FetchPartition(context.Background(), "sheet-1", "0")
	if err != nil {
		t.Fatalf("FetchPartition() failed: %v", err)
	}
	if p.Name != "C6 - Capital" {
		t.Errorf("Name = %q, want %q", p.Name, "C6 - Capital")
	}
	if len(p.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2 (blank row dropped)", len(p.Rows))
	}
	if p.Rows[0]["EMPRESA"] != "Acme" {
		t.Errorf("Rows[0][EMPRESA] = %q", p.Rows[0]["EMPRESA"])
	}
	if v, ok := p.Rows[1]["TELEFONE"]; !ok || v != "" {
		t.Errorf("short row not padded: %v", p.Rows[1])
	}

	// title lookup is cached after the first listing
	if _, err := reader.FetchPartition(context.Background(), "sheet-1", "0"); err != nil {
		t.Fatalf("second FetchPartition() failed: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("spreadsheet listed %d times, want 1", n)
	}
}

func TestSheetsReader_FetchErrors(t *testing.T) {
	var calls int32
	reader := newTestSheets(t, sheetsHandler(t, &calls))

	tests := []struct {
		name        string
		dataset     string
		partition   string
		wantStatus  int
		wantMessage string
	}{
		{"bad range", "sheet-1", "42", http.StatusBadRequest, "Unable to parse range"},
		{"unknown sheet", "sheet-1", "7", 0, "sheet not found"},
		{"unknown spreadsheet", "missing", "0", http.StatusNotFound, "Requested entity was not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reader.FetchPartition(context.Background(), tt.dataset, tt.partition)
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("FetchPartition() error = %v, want *FetchError", err)
			}
			if fe.PartitionID != tt.partition {
				t.Errorf("PartitionID = %q, want %q", fe.PartitionID, tt.partition)
			}
			if fe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(err.Error(), tt.wantMessage) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantMessage)
			}
		})
	}
}

func TestFetchError_Temporary(t *testing.T) {
	tests := []struct {
		name string
		err  *FetchError
		want bool
	}{
		{"throttled", &FetchError{StatusCode: 429, Err: errors.New("quota")}, true},
		{"server error", &FetchError{StatusCode: 503, Err: errors.New("unavailable")}, true},
		{"not found", &FetchError{StatusCode: 404, Err: errors.New("missing")}, false},
		{"deadline", &FetchError{Err: context.DeadlineExceeded}, true},
		{"parse", &FetchError{Err: errors.New("bad csv")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Temporary(); got != tt.want {
				t.Errorf("Temporary() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	available := []PartitionInfo{{ID: "0", Name: "C6"}, {ID: "1", Name: "BS2"}}

	all, err := Resolve(available, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("Resolve(nil) = %v, %v", all, err)
	}

	picked, err := Resolve(available, []string{"BS2", "0"})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if len(picked) != 2 || picked[0].ID != "1" || picked[1].ID != "0" {
		t.Errorf("Resolve() = %v", picked)
	}

	_, err = Resolve(available, []string{"SANTANDER"})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.PartitionID != "SANTANDER" {
		t.Errorf("Resolve() error = %v, want FetchError for SANTANDER", err)
	}
}
