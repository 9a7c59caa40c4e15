package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

const sheetsScope = "https://www.googleapis.com/auth/spreadsheets.readonly"

// SheetsConfig configures the Google Sheets reader.
type SheetsConfig struct {
	// BaseURL of the Sheets v4 API (default: https://sheets.googleapis.com/v4).
	BaseURL string

	// CredentialsJSON is a service account key. Takes precedence over APIKey.
	CredentialsJSON []byte

	// APIKey authenticates public spreadsheets.
	APIKey string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 1).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Range read from each sheet (default: A:Z).
	Range string

	// HTTPClient overrides the client built from the credentials.
	HTTPClient *http.Client

	// Logger for reader activity
	Logger *log.Logger
}

// DefaultSheetsConfig returns sensible defaults.
func DefaultSheetsConfig() *SheetsConfig {
	return &SheetsConfig{
		BaseURL:   "https://sheets.googleapis.com/v4",
		Timeout:   30 * time.Second,
		RateLimit: 1,
		RateBurst: 5,
		Range:     "A:Z",
		Logger:    log.New(os.Stderr, "[sheets] ", log.LstdFlags),
	}
}

// SheetsReader reads spreadsheet tabs through the Sheets REST API.
type SheetsReader struct {
	config  *SheetsConfig
	client  *http.Client
	limiter *rate.Limiter

	// titles caches sheet id -> title per spreadsheet from the last listing.
	titles   map[string]map[string]string
	titlesMu sync.Mutex
}

// NewSheetsReader builds a reader. With service account credentials the
// HTTP client is an oauth2 client scoped to read-only spreadsheets.
func NewSheetsReader(ctx context.Context, config *SheetsConfig) (*SheetsReader, error) {
	defaults := DefaultSheetsConfig()
	if config == nil {
		config = defaults
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
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
	if config.Range == "" {
		config.Range = defaults.Range
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	client := config.HTTPClient
	if client == nil {
		if len(config.CredentialsJSON) > 0 {
			creds, err := google.CredentialsFromJSON(ctx, config.CredentialsJSON, sheetsScope)
			if err != nil {
				return nil, fmt.Errorf("failed to parse google credentials: %w", err)
			}
			client = oauth2.NewClient(ctx, creds.TokenSource)
			client.Timeout = config.Timeout
		} else {
			client = &http.Client{Timeout: config.Timeout}
		}
	}

	return &SheetsReader{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		titles:  make(map[string]map[string]string),
	}, nil
}

type spreadsheetResponse struct {
	Sheets []struct {
		Properties struct {
			SheetID int64  `json:"sheetId"`
			Title   string `json:"title"`
		} `json:"properties"`
	} `json:"sheets"`
}

type valuesResponse struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ListPartitions returns the spreadsheet's tabs.
func (r *SheetsReader) ListPartitions(ctx context.Context, datasetID string) ([]PartitionInfo, error) {
	var resp spreadsheetResponse
	query := url.Values{"fields": {"sheets.properties(sheetId,title)"}}
	if err := r.get(ctx, "/spreadsheets/"+url.PathEscape(datasetID), query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list sheets of %s: %w", datasetID, err)
	}

	partitions := make([]PartitionInfo, 0, len(resp.Sheets))
	titles := make(map[string]string, len(resp.Sheets))
	for _, s := range resp.Sheets {
		id := strconv.FormatInt(s.Properties.SheetID, 10)
		partitions = append(partitions, PartitionInfo{ID: id, Name: s.Properties.Title})
		titles[id] = s.Properties.Title
	}

	r.titlesMu.Lock()
	r.titles[datasetID] = titles
	r.titlesMu.Unlock()

	return partitions, nil
}

// FetchPartition reads one tab. The first row is the header row.
func (r *SheetsReader) FetchPartition(ctx context.Context, datasetID, partitionID string) (*Partition, error) {
	title, err := r.title(ctx, datasetID, partitionID)
	if err != nil {
		return nil, err
	}

	var resp valuesResponse
	rng := fmt.Sprintf("'%s'!%s", strings.ReplaceAll(title, "'", "''"), r.config.Range)
	path := "/spreadsheets/" + url.PathEscape(datasetID) + "/values/" + url.PathEscape(rng)
	query := url.Values{"valueRenderOption": {"FORMATTED_VALUE"}}
	if err := r.get(ctx, path, query, &resp); err != nil {
		return nil, withPartition(err, partitionID)
	}

	return &Partition{
		ID:   partitionID,
		Name: title,
		Rows: rowsFromValues(resp.Values),
	}, nil
}

func (r *SheetsReader) title(ctx context.Context, datasetID, partitionID string) (string, error) {
	r.titlesMu.Lock()
	title, ok := r.titles[datasetID][partitionID]
	r.titlesMu.Unlock()
	if ok {
		return title, nil
	}

	partitions, err := r.ListPartitions(ctx, datasetID)
	if err != nil {
		return "", withPartition(err, partitionID)
	}
	for _, p := range partitions {
		if p.ID == partitionID {
			return p.Name, nil
		}
	}
	return "", &FetchError{PartitionID: partitionID, Err: fmt.Errorf("sheet not found in %s", datasetID)}
}

// get performs a rate-limited GET and decodes a JSON body into out.
func (r *SheetsReader) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if r.config.APIKey != "" && len(r.config.CredentialsJSON) == 0 {
		query.Set("key", r.config.APIKey)
	}
	fullURL := strings.TrimSuffix(r.config.BaseURL, "/") + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &FetchError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// withPartition tags a FetchError (or any error) with the partition id.
func withPartition(err error, partitionID string) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		copied := *fe
		copied.PartitionID = partitionID
		return &copied
	}
	return &FetchError{PartitionID: partitionID, Err: err}
}

// rowsFromValues turns a header row plus data rows into header-keyed maps.
// Short rows are padded with empty strings and fully blank rows dropped.
func rowsFromValues(values [][]string) []map[string]string {
	if len(values) == 0 {
		return nil
	}

	headers := values[0]
	rows := make([]map[string]string, 0, len(values)-1)
	for _, raw := range values[1:] {
		row := make(map[string]string, len(headers))
		blank := true
		for i, header := range headers {
			header = strings.TrimSpace(header)
			if header == "" {
				continue
			}
			if _, dup := row[header]; dup {
				continue
			}
			value := ""
			if i < len(raw) {
				value = raw[i]
			}
			if strings.TrimSpace(value) != "" {
				blank = false
			}
			row[header] = value
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows
}
