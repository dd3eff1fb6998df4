// Package orders holds the domain types shared by the extractor, the record store
// and the orchestrator.
package orders

import (
	"fmt"
	"strings"
)

// Status is the persisted processing state of a SourceRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a processing attempt.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// SourceRecord is an inbound email awaiting extraction.
type SourceRecord struct {
	ID        int64
	Sender    string
	Body      string
	Received  ReceivedDate
	Status    Status
	Attempts  int
	LastError string

	// ClaimToken identifies the run holding the record while it is in_progress.
	ClaimToken string
}

// ExtractedOrder is one candidate order parsed from an email body.
type ExtractedOrder struct {
	ProductName string   `json:"product_name"`
	Quantity    Quantity `json:"quantity"`
	Address     string   `json:"address"`
}

// OrderRecord is a persisted order derived from exactly one SourceRecord.
type OrderRecord struct {
	ID            string
	SourceID      int64
	CustomerEmail string
	ProductName   string
	Quantity      string
	Address       string
	DateOfOrder   string
}

// Enrich validates an extracted tuple and attaches the owning record's contact and
// normalized order date. Fields are whitespace-trimmed; product name is required.
func Enrich(id string, src SourceRecord, date string, in ExtractedOrder) (OrderRecord, error) {
	product := strings.TrimSpace(in.ProductName)
	if product == "" {
		return OrderRecord{}, fmt.Errorf("%w: empty product_name", ErrInvalidOrder)
	}
	return OrderRecord{
		ID:            id,
		SourceID:      src.ID,
		CustomerEmail: strings.TrimSpace(src.Sender),
		ProductName:   product,
		Quantity:      strings.TrimSpace(in.Quantity.String()),
		Address:       strings.TrimSpace(in.Address),
		DateOfOrder:   date,
	}, nil
}
