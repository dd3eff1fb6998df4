package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRecordNotFound is wrapped by PersistenceError when a status update matches no row.
	ErrRecordNotFound = errors.New("source record not found")

	// ErrInvalidOrder marks an extracted tuple that cannot become an OrderRecord.
	ErrInvalidOrder = errors.New("invalid extracted order")

	// ErrClaimLost is wrapped by PersistenceError when a claim-guarded write finds the
	// record no longer held under the caller's claim token.
	ErrClaimLost = errors.New("claim no longer held")
)

// MalformedOutputError reports model output that is not a JSON array of order objects.
// Raw holds the offending text for diagnosis.
type MalformedOutputError struct {
	Diagnostic string
	Raw        string
	Err        error
}

func (e *MalformedOutputError) Error() string {
	if e == nil {
		return "malformed extraction output"
	}
	return fmt.Sprintf("malformed extraction output: %s (response content: %q)", e.Diagnostic, e.Raw)
}

func (e *MalformedOutputError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DateFormatError reports a received date that matches no accepted form.
type DateFormatError struct {
	Value string
}

func (e *DateFormatError) Error() string {
	if e == nil {
		return "unrecognized date"
	}
	return fmt.Sprintf("unrecognized date %q: want \"Jan 2, 2006\" or a structured date", strings.TrimSpace(e.Value))
}

// PersistenceError wraps any record store read or write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil || e.Err == nil {
		return "persistence error"
	}
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExternalServiceError wraps a failed call to the extraction model
// (network, quota, authentication).
type ExternalServiceError struct {
	Provider string
	Err      error
}

func (e *ExternalServiceError) Error() string {
	if e == nil || e.Err == nil {
		return "extraction service error"
	}
	if e.Provider == "" {
		return "extraction service: " + e.Err.Error()
	}
	return e.Provider + ": " + e.Err.Error()
}

func (e *ExternalServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind names the error category for logs and metrics labels.
func Kind(err error) string {
	var (
		malformed *MalformedOutputError
		date      *DateFormatError
		persist   *PersistenceError
		external  *ExternalServiceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &malformed):
		return "malformed_output"
	case errors.As(err, &date):
		return "date_format"
	case errors.As(err, &persist):
		return "persistence"
	case errors.As(err, &external):
		return "external_service"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	}
	return "other"
}
