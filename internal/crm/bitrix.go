package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aliest/leadsync/internal/schema"
)

// Config configures the Bitrix24 webhook client.
type Config struct {
	// WebhookURL is the inbound webhook base, e.g.
	// https://example.bitrix24.com.br/rest/1/abc123
	WebhookURL string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 2, the Bitrix24 plan limit).
	RateLimit float64

	// RateBurst maximum burst size (default: 2).
	RateBurst int

	// CategoryID is the deal pipeline new deals are created in.
	CategoryID string

	// StageEntity is the crm.status entity holding the pipeline stages.
	StageEntity string

	// Custom field ids.
	ContactTaxIDField string
	DealTaxIDField    string
	DealChannelField  string
	DealBankField     string

	// Banks maps the partition prefix (text before " - ") to the bank
	// list item id of DealBankField.
	Banks map[string]string

	// LookupTTL is how long consultant and stage lookups are cached.
	LookupTTL time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Logger for client activity
	Logger *log.Logger
}

// DefaultConfig returns the field mapping of the sales pipeline.
func DefaultConfig() *Config {
	return &Config{
		Timeout:           30 * time.Second,
		RateLimit:         2,
		RateBurst:         2,
		CategoryID:        "4",
		StageEntity:       "DEAL_STAGE_4",
		ContactTaxIDField: "UF_CRM_1734528621",
		DealTaxIDField:    "UF_CRM_1741653424",
		DealChannelField:  "UF_CRM_1748264680989",
		DealBankField:     "UF_CRM_1743684072273",
		Banks: map[string]string{
			"C6":        "116",
			"BS2":       "118",
			"SANTANDER": "120",
		},
		LookupTTL: 15 * time.Minute,
		Logger:    log.New(os.Stderr, "[crm] ", log.LstdFlags),
	}
}

// Bitrix is a Client backed by a Bitrix24 webhook.
type Bitrix struct {
	config  *Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger

	cacheMu    sync.Mutex
	users      map[string]cachedLookup
	stages     []stage
	stagesAt   time.Time
	stagesDone bool
}

type cachedLookup struct {
	id    string
	found bool
	at    time.Time
}

// NewBitrix returns a client for the given webhook. Zero config fields take
// the DefaultConfig values.
func NewBitrix(config *Config) (*Bitrix, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if strings.TrimSpace(config.WebhookURL) == "" {
		return nil, fmt.Errorf("webhook url cannot be empty")
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaults.RateBurst
	}
	if config.CategoryID == "" {
		config.CategoryID = defaults.CategoryID
	}
	if config.StageEntity == "" {
		config.StageEntity = defaults.StageEntity
	}
	if config.ContactTaxIDField == "" {
		config.ContactTaxIDField = defaults.ContactTaxIDField
	}
	if config.DealTaxIDField == "" {
		config.DealTaxIDField = defaults.DealTaxIDField
	}
	if config.DealChannelField == "" {
		config.DealChannelField = defaults.DealChannelField
	}
	if config.DealBankField == "" {
		config.DealBankField = defaults.DealBankField
	}
	if config.Banks == nil {
		config.Banks = defaults.Banks
	}
	if config.LookupTTL == 0 {
		config.LookupTTL = defaults.LookupTTL
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Bitrix{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:  config.Logger,
		users:   make(map[string]cachedLookup),
	}, nil
}

// flexID decodes ids that Bitrix sends either as numbers or strings.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = flexID(n.String())
	return nil
}

type phoneValue struct {
	ID        string `json:"ID,omitempty"`
	Value     string `json:"VALUE"`
	ValueType string `json:"VALUE_TYPE,omitempty"`
}

type contact struct {
	ID    flexID       `json:"ID"`
	Name  string       `json:"NAME"`
	Phone []phoneValue `json:"PHONE"`
}

type deal struct {
	ID    flexID `json:"ID"`
	Title string `json:"TITLE"`
}

type user struct {
	ID     flexID `json:"ID"`
	Active any    `json:"ACTIVE"`
}

type stage struct {
	StatusID string `json:"STATUS_ID"`
	Name     string `json:"NAME"`
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// call POSTs params to {webhook}/{method} and decodes the result field.
func (b *Bitrix) call(ctx context.Context, method string, params any, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &APIError{Method: method, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return &APIError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
	}

	url := strings.TrimSuffix(b.config.WebhookURL, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &APIError{Method: method, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &APIError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if env.Error != "" {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Code: env.Error, Description: env.ErrorDescription}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(raw)))}
	}
	if decodeErr != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &APIError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	return nil
}

// UpsertDeal upserts the lead's contact and then its deal, matched by tax
// id. Consultant, stage and bank are attached when they can be resolved.
func (b *Bitrix) UpsertDeal(ctx context.Context, lead schema.Lead) (Result, error) {
	lead = lead.Normalized()
	if lead.TaxID == "" {
		return Result{}, ErrMissingTaxID
	}

	assignedBy, hasConsultant := b.FindConsultant(ctx, lead.Consultant)

	contactID, _, err := b.UpsertContact(ctx, lead, assignedBy)
	if err != nil {
		return Result{}, fmt.Errorf("failed to upsert contact: %w", err)
	}

	var existing []deal
	if err := b.call(ctx, "crm.deal.list", map[string]any{
		"filter": map[string]string{b.config.DealTaxIDField: lead.TaxID},
		"select": []string{"ID", "TITLE"},
	}, &existing); err != nil {
		return Result{}, fmt.Errorf("failed to find deals: %w", err)
	}

	fields := map[string]any{
		"CATEGORY_ID": b.config.CategoryID,
		"CONTACT_ID":  contactID,
	}
	fields[b.config.DealTaxIDField] = lead.TaxID
	title := lead.Company
	if title == "" {
		title = "Deal - CNPJ: " + lead.TaxID
	}
	fields["TITLE"] = title
	if lead.Channel != "" {
		fields[b.config.DealChannelField] = lead.Channel
	}
	if bankID, ok := b.BankID(lead.Partition); ok {
		fields[b.config.DealBankField] = bankID
	}
	if hasConsultant {
		fields["ASSIGNED_BY_ID"] = assignedBy
	}
	if stageID, ok := b.FindStage(ctx, lead.Stage); ok {
		fields["STAGE_ID"] = stageID
	}

	if len(existing) > 0 {
		dealID := string(existing[0].ID)
		if err := b.call(ctx, "crm.deal.update", map[string]any{"id": dealID, "fields": fields}, nil); err != nil {
			return Result{}, fmt.Errorf("failed to update deal %s: %w", dealID, err)
		}
		if existing[0].Title != "" {
			title = existing[0].Title
		}
		return Result{
			Action:    ActionUpdated,
			DealID:    dealID,
			ContactID: contactID,
			Message:   "deal updated: " + title,
		}, nil
	}

	var newID flexID
	if err := b.call(ctx, "crm.deal.add", map[string]any{"fields": fields}, &newID); err != nil {
		return Result{}, fmt.Errorf("failed to create deal: %w", err)
	}
	return Result{
		Action:    ActionCreated,
		DealID:    string(newID),
		ContactID: contactID,
		Message:   "deal created: " + title,
	}, nil
}

// UpsertContact finds a contact by phone, then by tax id, and updates it
// (merging the phone into its phone list) or creates a new one.
func (b *Bitrix) UpsertContact(ctx context.Context, lead schema.Lead, assignedBy string) (string, Action, error) {
	if lead.TaxID == "" && lead.Phone == "" {
		return "", "", fmt.Errorf("telefone or cnpj is required to upsert a contact")
	}

	found, err := b.findContacts(ctx, lead)
	if err != nil {
		return "", "", err
	}

	fields := map[string]any{}
	if lead.Company != "" {
		fields["NAME"] = lead.Company
	}
	if lead.TaxID != "" {
		fields[b.config.ContactTaxIDField] = lead.TaxID
	}
	if assignedBy != "" {
		fields["ASSIGNED_BY_ID"] = assignedBy
	}

	if len(found) > 0 {
		id := string(found[0].ID)
		if lead.Phone != "" {
			fields["PHONE"] = mergePhones(found[0].Phone, lead.Phone)
		}
		if err := b.call(ctx, "crm.contact.update", map[string]any{"id": id, "fields": fields}, nil); err != nil {
			return "", "", fmt.Errorf("failed to update contact %s: %w", id, err)
		}
		return id, ActionUpdated, nil
	}

	if lead.Phone != "" {
		fields["PHONE"] = []phoneValue{{Value: lead.Phone, ValueType: "WORK"}}
	}
	if _, ok := fields["NAME"]; !ok {
		if lead.TaxID != "" {
			fields["NAME"] = "Contato - CNPJ: " + lead.TaxID
		} else {
			fields["NAME"] = "Contato - Tel: " + lead.Phone
		}
	}

	var id flexID
	if err := b.call(ctx, "crm.contact.add", map[string]any{"fields": fields}, &id); err != nil {
		return "", "", fmt.Errorf("failed to create contact: %w", err)
	}
	return string(id), ActionCreated, nil
}

func (b *Bitrix) findContacts(ctx context.Context, lead schema.Lead) ([]contact, error) {
	sel := []string{"ID", "NAME", "PHONE", b.config.ContactTaxIDField}
	var contacts []contact
	seen := map[flexID]bool{}

	if lead.Phone != "" {
		var byPhone []contact
		if err := b.call(ctx, "crm.contact.list", map[string]any{
			"filter": map[string]string{"PHONE": lead.Phone},
			"select": sel,
		}, &byPhone); err != nil {
			return nil, fmt.Errorf("failed to find contacts by phone: %w", err)
		}
		for _, c := range byPhone {
			seen[c.ID] = true
			contacts = append(contacts, c)
		}
	}

	if lead.TaxID != "" {
		var byTaxID []contact
		if err := b.call(ctx, "crm.contact.list", map[string]any{
			"filter": map[string]string{b.config.ContactTaxIDField: lead.TaxID},
			"select": sel,
		}, &byTaxID); err != nil {
			return nil, fmt.Errorf("failed to find contacts by cnpj: %w", err)
		}
		for _, c := range byTaxID {
			if !seen[c.ID] {
				contacts = append(contacts, c)
			}
		}
	}

	return contacts, nil
}

// FindConsultant resolves a consultant name to a user id. Failures and
// misses are logged and reported as not found.
func (b *Bitrix) FindConsultant(ctx context.Context, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	key := strings.ToLower(name)

	b.cacheMu.Lock()
	if c, ok := b.users[key]; ok && time.Since(c.at) < b.config.LookupTTL {
		b.cacheMu.Unlock()
		return c.id, c.found
	}
	b.cacheMu.Unlock()

	id, found, err := b.lookupUser(ctx, name)
	if err != nil {
		b.logger.Printf("Warning: consultant lookup for %q failed: %v", name, err)
		return "", false
	}
	if !found {
		b.logger.Printf("Warning: consultant %q not found", name)
	}

	b.cacheMu.Lock()
	b.users[key] = cachedLookup{id: id, found: found, at: time.Now()}
	b.cacheMu.Unlock()

	return id, found
}

func (b *Bitrix) lookupUser(ctx context.Context, name string) (string, bool, error) {
	sel := []string{"ID", "NAME", "LAST_NAME", "ACTIVE"}

	filters := []map[string]string{}
	if parts := strings.Fields(name); len(parts) >= 2 {
		filters = append(filters, map[string]string{
			"NAME":      parts[0],
			"LAST_NAME": strings.Join(parts[1:], " "),
		})
	}
	filters = append(filters,
		map[string]string{"%NAME": name},
		map[string]string{"%LAST_NAME": name},
	)

	for _, filter := range filters {
		var users []user
		if err := b.call(ctx, "user.get", map[string]any{"filter": filter, "select": sel}, &users); err != nil {
			return "", false, err
		}
		if len(users) == 0 {
			continue
		}
		for _, u := range users {
			if isActive(u.Active) {
				return string(u.ID), true, nil
			}
		}
		return string(users[0].ID), true, nil
	}
	return "", false, nil
}

func isActive(v any) bool {
	switch a := v.(type) {
	case bool:
		return a
	case string:
		return a == "Y" || a == "true"
	}
	return false
}

// FindStage resolves a stage name in the configured pipeline: exact
// case-insensitive match first, then substring.
func (b *Bitrix) FindStage(ctx context.Context, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}

	stages, err := b.pipelineStages(ctx)
	if err != nil {
		b.logger.Printf("Warning: stage lookup for %q failed: %v", name, err)
		return "", false
	}

	lower := strings.ToLower(name)
	for _, s := range stages {
		if strings.ToLower(s.Name) == lower {
			return s.StatusID, true
		}
	}
	for _, s := range stages {
		if strings.Contains(strings.ToLower(s.Name), lower) {
			return s.StatusID, true
		}
	}

	b.logger.Printf("Warning: stage %q not found in %s", name, b.config.StageEntity)
	return "", false
}

func (b *Bitrix) pipelineStages(ctx context.Context) ([]stage, error) {
	b.cacheMu.Lock()
	if b.stagesDone && time.Since(b.stagesAt) < b.config.LookupTTL {
		stages := b.stages
		b.cacheMu.Unlock()
		return stages, nil
	}
	b.cacheMu.Unlock()

	var stages []stage
	if err := b.call(ctx, "crm.status.list", map[string]any{
		"filter": map[string]string{"ENTITY_ID": b.config.StageEntity},
	}, &stages); err != nil {
		return nil, err
	}

	b.cacheMu.Lock()
	b.stages = stages
	b.stagesAt = time.Now()
	b.stagesDone = true
	b.cacheMu.Unlock()

	return stages, nil
}

// BankID maps a partition name such as "C6 - Planilha Geral" to the bank
// list item id.
func (b *Bitrix) BankID(partition string) (string, bool) {
	if partition == "" {
		return "", false
	}
	prefix := strings.ToUpper(strings.TrimSpace(strings.SplitN(partition, " - ", 2)[0]))
	id, ok := b.config.Banks[prefix]
	if !ok {
		b.logger.Printf("Warning: bank %q has no mapping", prefix)
	}
	return id, ok
}

// mergePhones appends phone unless a number with the same digits exists.
func mergePhones(existing []phoneValue, phone string) []phoneValue {
	want := digits(phone)
	for _, p := range existing {
		if digits(p.Value) == want {
			return existing
		}
	}
	merged := make([]phoneValue, 0, len(existing)+1)
	merged = append(merged, existing...)
	return append(merged, phoneValue{Value: phone, ValueType: "WORK"})
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
