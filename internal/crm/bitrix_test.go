package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aliest/leadsync/internal/schema"
)

// fakeBitrix serves canned webhook responses and records every call.
type fakeBitrix struct {
	mu       sync.Mutex
	calls    []string
	params   map[string][]map[string]any
	handlers map[string]func(params map[string]any) any
}

func newFakeBitrix() *fakeBitrix {
	return &fakeBitrix{
		params:   make(map[string][]map[string]any),
		handlers: make(map[string]func(map[string]any) any),
	}
}

func (f *fakeBitrix) on(method string, h func(params map[string]any) any) {
	f.handlers[method] = h
}

func (f *fakeBitrix) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *fakeBitrix) last(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.params[method]
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

func (f *fakeBitrix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/rest/1/token/")
	body, _ := io.ReadAll(r.Body)
	var params map[string]any
	_ = json.Unmarshal(body, &params)

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params[method] = append(f.params[method], params)
	h := f.handlers[method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if h == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
		return
	}
	resp := h(params)
	if env, ok := resp.(map[string]any); ok && env["error"] != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(env)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": resp})
}

func newTestClient(t *testing.T, fake *fakeBitrix) *Bitrix {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := NewBitrix(&Config{
		WebhookURL: server.URL + "/rest/1/token/",
		RateLimit:  1000,
		RateBurst:  100,
		HTTPClient: server.Client(),
		Logger:     log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewBitrix() failed: %v", err)
	}
	return client
}

func testLead() schema.Lead {
	return schema.Lead{
		TaxID:      "12345678000190",
		Phone:      "(11) 99999-0000",
		Company:    "Acme Ltda",
		Consultant: "João Silva",
		Channel:    "Indicação",
		Stage:      "contato novo",
		Partition:  "C6 - Planilha Geral",
	}
}

func TestNewBitrix_RequiresWebhook(t *testing.T) {
	if _, err := NewBitrix(&Config{}); err == nil {
		t.Error("NewBitrix() without webhook succeeded, want error")
	}
}

func TestUpsertDeal_Create(t *testing.T) {
	fake := newFakeBitrix()
	fake.on("user.get", func(p map[string]any) any {
		return []map[string]any{{"ID": "7", "ACTIVE": true}}
	})
	fake.on("crm.status.list", func(p map[string]any) any {
		return []map[string]any{
			{"STATUS_ID": "C4:NEW", "NAME": "Contato Novo"},
			{"STATUS_ID": "C4:WON", "NAME": "Ganho"},
		}
	})
	fake.on("crm.contact.add", func(p map[string]any) any { return 501 })
	fake.on("crm.deal.add", func(p map[string]any) any { return 9001 })

	client := newTestClient(t, fake)

	res, err := client.UpsertDeal(context.Background(), testLead())
	if err != nil {
		t.Fatalf("UpsertDeal() failed: %v", err)
	}
	if res.Action != ActionCreated || res.DealID != "9001" || res.ContactID != "501" {
		t.Errorf("UpsertDeal() = %+v", res)
	}

	fields, _ := fake.last("crm.deal.add")["fields"].(map[string]any)
	want := map[string]any{
		"TITLE":                "Acme Ltda",
		"CATEGORY_ID":          "4",
		"CONTACT_ID":           "501",
		"STAGE_ID":             "C4:NEW",
		"ASSIGNED_BY_ID":       "7",
		"UF_CRM_1741653424":    "12345678000190",
		"UF_CRM_1748264680989": "Indicação",
		"UF_CRM_1743684072273": "116",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("deal field %s = %v, want %v", k, fields[k], v)
		}
	}

	// two-word consultant names are looked up by first and last name once
	if n := fake.count("user.get"); n != 1 {
		t.Errorf("user.get called %d times, want 1", n)
	}

	// lookups are cached for the next lead
	if _, err := client.UpsertDeal(context.Background(), testLead()); err != nil {
		t.Fatalf("second UpsertDeal() failed: %v", err)
	}
	if n := fake.count("crm.status.list"); n != 1 {
		t.Errorf("crm.status.list called %d times, want 1", n)
	}
	if n := fake.count("user.get"); n != 1 {
		t.Errorf("user.get called %d times after cache, want 1", n)
	}
}

func TestUpsertDeal_UpdateExisting(t *testing.T) {
	fake := newFakeBitrix()
	fake.on("crm.contact.list", func(p map[string]any) any {
		filter, _ := p["filter"].(map[string]any)
		if filter["PHONE"] == nil {
			return []any{}
		}
		return []map[string]any{{
			"ID":    "33",
			"NAME":  "Acme",
			"PHONE": []map[string]any{{"ID": "1", "VALUE": "+55 11 98888-0000", "VALUE_TYPE": "WORK"}},
		}}
	})
	fake.on("crm.contact.update", func(p map[string]any) any { return true })
	fake.on("crm.deal.list", func(p map[string]any) any {
		return []map[string]any{{"ID": "77", "TITLE": "Acme (old)"}}
	})
	fake.on("crm.deal.update", func(p map[string]any) any { return true })

	client := newTestClient(t, fake)

	lead := testLead()
	lead.Consultant = ""
	lead.Stage = ""
	res, err := client.UpsertDeal(context.Background(), lead)
	if err != nil {
		t.Fatalf("UpsertDeal() failed: %v", err)
	}
	if res.Action != ActionUpdated || res.DealID != "77" || res.ContactID != "33" {
		t.Errorf("UpsertDeal() = %+v", res)
	}
	if !strings.Contains(res.Message, "Acme (old)") {
		t.Errorf("Message = %q", res.Message)
	}

	update := fake.last("crm.contact.update")
	fields, _ := update["fields"].(map[string]any)
	phones, _ := fields["PHONE"].([]any)
	if len(phones) != 2 {
		t.Errorf("merged phones = %v, want existing + new", phones)
	}
	if fake.count("crm.contact.add") != 0 || fake.count("crm.deal.add") != 0 {
		t.Error("existing entities should not be re-created")
	}
	if fake.count("user.get") != 0 || fake.count("crm.status.list") != 0 {
		t.Error("empty consultant and stage should not be looked up")
	}
}

func TestUpsertDeal_MissingTaxID(t *testing.T) {
	client := newTestClient(t, newFakeBitrix())

	lead := testLead()
	lead.TaxID = " "
	if _, err := client.UpsertDeal(context.Background(), lead); !errors.Is(err, ErrMissingTaxID) {
		t.Errorf("UpsertDeal() error = %v, want ErrMissingTaxID", err)
	}
}

func TestUpsertDeal_APIError(t *testing.T) {
	fake := newFakeBitrix()
	fake.on("crm.contact.add", func(p map[string]any) any {
		return map[string]any{"error": "ACCESS_DENIED", "error_description": "no crm scope"}
	})
	client := newTestClient(t, fake)

	lead := testLead()
	lead.Consultant = ""
	lead.Stage = ""
	_, err := client.UpsertDeal(context.Background(), lead)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("UpsertDeal() error = %v, want *APIError", err)
	}
	if apiErr.Method != "crm.contact.add" || apiErr.Code != "ACCESS_DENIED" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Error("ACCESS_DENIED should not be temporary")
	}
}

func TestFindConsultant_LookupFailureIsNotFatal(t *testing.T) {
	fake := newFakeBitrix()
	fake.on("user.get", func(p map[string]any) any {
		return map[string]any{"error": "QUERY_LIMIT_EXCEEDED", "error_description": "too many requests"}
	})
	fake.on("crm.contact.add", func(p map[string]any) any { return 1 })
	fake.on("crm.deal.add", func(p map[string]any) any { return 2 })
	client := newTestClient(t, fake)

	res, err := client.UpsertDeal(context.Background(), testLead())
	if err != nil {
		t.Fatalf("UpsertDeal() failed: %v", err)
	}
	if res.Action != ActionCreated {
		t.Errorf("Action = %q, want created", res.Action)
	}
	fields, _ := fake.last("crm.deal.add")["fields"].(map[string]any)
	if _, ok := fields["ASSIGNED_BY_ID"]; ok {
		t.Error("ASSIGNED_BY_ID set despite failed consultant lookup")
	}
}

func TestBankID(t *testing.T) {
	client := newTestClient(t, newFakeBitrix())

	tests := []struct {
		partition string
		want      string
		ok        bool
	}{
		{"C6 - Planilha Geral", "116", true},
		{"bs2", "118", true},
		{"Santander - Interior", "120", true},
		{"Itaú - SP", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.partition, func(t *testing.T) {
			got, ok := client.BankID(tt.partition)
			if got != tt.want || ok != tt.ok {
				t.Errorf("BankID(%q) = %q, %v, want %q, %v", tt.partition, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMergePhones(t *testing.T) {
	existing := []phoneValue{{ID: "1", Value: "+55 (11) 99999-0000", ValueType: "WORK"}}

	if got := mergePhones(existing, "5511999990000"); len(got) != 1 {
		t.Errorf("same digits should not be appended, got %v", got)
	}

	got := mergePhones(existing, "11 3333-4444")
	if len(got) != 2 || got[1].Value != "11 3333-4444" || got[0].ID != "1" {
		t.Errorf("mergePhones() = %v", got)
	}
	if len(existing) != 1 {
		t.Error("mergePhones() modified its input")
	}
}

func TestFlexID(t *testing.T) {
	var ids []flexID
	if err := json.Unmarshal([]byte(`["12", 34]`), &ids); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if ids[0] != "12" || ids[1] != "34" {
		t.Errorf("ids = %v", ids)
	}
}
