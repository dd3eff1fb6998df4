// Package extract turns free-form email text into candidate orders with a single
// call to a generative text model.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
)

// Generator is an opaque text-in/text-out model call.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider and model in logs and errors.
	Name() string
}

// Extractor asks a Generator for the orders in an email body with one fixed
// instruction and parses the reply. It does no semantic validation.
type Extractor struct {
	gen Generator
}

// New returns an Extractor backed by gen.
func New(gen Generator) *Extractor {
	return &Extractor{gen: gen}
}

// Extract returns the orders found in text, or an empty slice when the model
// returns nothing. Output that is not a JSON array of objects fails with
// *orders.MalformedOutputError; it is never repaired or re-requested.
func (e *Extractor) Extract(ctx context.Context, text string) ([]orders.ExtractedOrder, error) {
	if e == nil || e.gen == nil {
		return nil, errors.New("extract: generator is not configured")
	}
	raw, err := e.gen.Generate(ctx, BuildPrompt(text))
	if err != nil {
		return nil, &orders.ExternalServiceError{Provider: e.gen.Name(), Err: err}
	}
	return Parse(raw)
}

// Parse decodes a model response into orders.
func Parse(raw string) ([]orders.ExtractedOrder, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []orders.ExtractedOrder{}, nil
	}
	if trimmed[0] != '[' {
		return nil, &orders.MalformedOutputError{
			Diagnostic: "expected a JSON array",
			Raw:        raw,
		}
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, &orders.MalformedOutputError{Diagnostic: err.Error(), Raw: raw, Err: err}
	}

	out := make([]orders.ExtractedOrder, 0, len(items))
	for i, item := range items {
		item = json.RawMessage(strings.TrimSpace(string(item)))
		if len(item) == 0 || item[0] != '{' {
			return nil, &orders.MalformedOutputError{
				Diagnostic: fmt.Sprintf("element %d is not an object", i),
				Raw:        raw,
			}
		}
		var o orders.ExtractedOrder
		if err := json.Unmarshal(item, &o); err != nil {
			return nil, &orders.MalformedOutputError{
				Diagnostic: fmt.Sprintf("element %d: %v", i, err),
				Raw:        raw,
				Err:        err,
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// BuildPrompt embeds text in the fixed extraction instruction.
func BuildPrompt(text string) string {
	return strings.TrimSpace(`
Extract the product name, quantity and address of every order in the following text.

Text: "` + text + `"

Format the response as a JSON list of orders:
[
    {
        "product_name": "<product_name>",
        "quantity": "<quantity>",
        "address": "<address>"
    }
]
Use exactly these three keys for every order. If the text contains no orders, return [].
Do not include any extra text before or after the JSON output.
`)
}
