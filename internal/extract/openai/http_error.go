package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
)

// errorEnvelope is the error body shape used by OpenAI-compatible APIs.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// APIError is a sanitized summary of a non-2xx chat completions response.
//
// Important: do not include raw response bodies here (can echo prompts and keys).
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return "openai api error"
	}
	parts := []string{
		fmt.Sprintf("openai api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Type) != "" {
		parts = append(parts, "type="+strings.TrimSpace(e.Type))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	return strings.Join(parts, " ")
}

// newAPIError builds an APIError, marking rate limits and server errors transient.
func newAPIError(op string, resp *http.Response, body []byte) error {
	e := &APIError{Op: op}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.Status = resp.Status
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		e.Type = env.Error.Type
		e.Message = redact.Truncate(env.Error.Message, 256)
	} else {
		e.Message = redact.Truncate(string(body), 256)
	}

	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode/100 == 5 {
		return &core.TransientError{Err: e}
	}
	return e
}
