// Package crm pushes leads into the downstream CRM.
//
// The Client interface is what the propagation pipeline depends on. Bitrix
// implements it against a Bitrix24 inbound webhook: every lead becomes a
// contact (matched by phone or tax id) plus a deal in the sales pipeline
// (matched by tax id).
package crm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aliest/leadsync/internal/schema"
)

// Action is what an upsert did to the business entity.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Result describes a successful upsert.
type Result struct {
	Action    Action `json:"action"`
	DealID    string `json:"deal_id"`
	ContactID string `json:"contact_id"`
	Message   string `json:"message"`
}

// Client creates or updates the CRM entity for a lead.
type Client interface {
	UpsertDeal(ctx context.Context, lead schema.Lead) (Result, error)
}

// APIError is a failed CRM call: a transport failure, an HTTP error status
// or an error envelope in a 200 response.
type APIError struct {
	Method      string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("crm %s: %s: %s", e.Method, e.Code, e.Description)
	case e.StatusCode != 0:
		return fmt.Sprintf("crm %s: status %d: %v", e.Method, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("crm %s: %v", e.Method, e.Err)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the call may succeed if repeated later.
func (e *APIError) Temporary() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 || e.Code == "QUERY_LIMIT_EXCEEDED" {
		return true
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// ErrMissingTaxID is returned for leads that cannot be matched to a deal.
var ErrMissingTaxID = errors.New("cnpj is required to upsert a deal")
