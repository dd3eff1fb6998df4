//go:build live_e2e

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/internal/app"
	"github.com/shpitdev/order-extraction-pipeline/internal/config"
	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
	"go.uber.org/zap/zaptest"
)

// Runs one synthetic email through a real provider. Select the provider with
// EXTRACT_PROVIDER and supply its key (GROQ_API_KEY or GEMINI_API_KEY).
func TestRunOnce_RealProvider_EndToEnd(t *testing.T) {
	provider := os.Getenv("EXTRACT_PROVIDER")
	if provider == "" {
		provider = config.ProviderOpenAI
	}
	extractCfg := config.ExtractConfig{
		Provider: provider,
		OpenAI: config.ProviderConfig{
			APIKey:  os.Getenv("GROQ_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			Model:   os.Getenv("OPENAI_MODEL"),
		},
		Gemini: config.ProviderConfig{
			APIKey:  os.Getenv("GEMINI_API_KEY"),
			BaseURL: os.Getenv("GEMINI_BASE_URL"),
			Model:   os.Getenv("GEMINI_MODEL"),
		},
	}
	switch provider {
	case config.ProviderOpenAI:
		if extractCfg.OpenAI.APIKey == "" {
			t.Fatalf("GROQ_API_KEY is required for live_e2e tests with the openai provider")
		}
	case config.ProviderGemini:
		if extractCfg.Gemini.APIKey == "" {
			t.Fatalf("GEMINI_API_KEY is required for live_e2e tests with the gemini provider")
		}
	}

	ctx := context.Background()
	cfg := config.Config{
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "live.db"),
			MaxAttempts: 1,
		},
		Extract: extractCfg,
		Pipeline: config.PipelineConfig{
			MaxRetries:     2,
			RequestTimeout: 60 * time.Second,
		},
	}

	a, err := app.New(ctx, cfg, zaptest.NewLogger(t), app.Options{Migrate: true})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer func() {
		_ = a.Close()
	}()

	// Synthetic content only (public repo).
	id, err := a.Store().AddEmail(ctx, "buyer@example.com",
		"Hello, please send 3 units of Widget-A to 12 Main St, Springfield. Thanks!",
		orders.DateFromText("Jan 5, 2024"))
	if err != nil {
		t.Fatalf("AddEmail: %v", err)
	}

	sum, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Processed != 1 {
		rec, _ := a.Store().Email(ctx, id)
		t.Fatalf("expected 1 processed record, got %+v (last_error=%q)", sum, rec.LastError)
	}

	got, err := a.Store().OrdersFor(ctx, id)
	if err != nil {
		t.Fatalf("OrdersFor: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("expected at least one order")
	}
	for i, o := range got {
		if o.CustomerEmail != "buyer@example.com" || o.DateOfOrder != "2024-01-05" {
			t.Fatalf("order[%d] lost source fields: %+v", i, o)
		}
		if o.ProductName == "" {
			t.Fatalf("order[%d] missing product: %+v", i, o)
		}
	}
}
