package extract

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
	"go.uber.org/zap"
)

// Observer receives the duration and outcome of every model call.
type Observer interface {
	ObserveExtraction(provider string, d time.Duration, err error)
}

type tracedGenerator struct {
	next     Generator
	logger   *zap.Logger
	observer Observer
	calls    atomic.Int64
}

// Traced wraps gen so each request and response is logged. observer may be nil.
func Traced(gen Generator, logger *zap.Logger, observer Observer) Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tracedGenerator{next: gen, logger: logger.Named("extract"), observer: observer}
}

func (t *tracedGenerator) Name() string { return t.next.Name() }

func (t *tracedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	call := t.calls.Add(1)
	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("extraction request",
		zap.String("provider", t.next.Name()),
		zap.Int64("call", call),
		zap.Int("prompt_bytes", len(prompt)),
		zap.String("deadline_in", deadlineIn),
	)

	start := time.Now()
	out, err := t.next.Generate(ctx, prompt)
	elapsed := time.Since(start)
	if t.observer != nil {
		t.observer.ObserveExtraction(t.next.Name(), elapsed, err)
	}

	if err != nil {
		t.logger.Warn("extraction response",
			zap.String("provider", t.next.Name()),
			zap.Int64("call", call),
			zap.Duration("duration", elapsed.Round(time.Millisecond)),
			zap.String("status", "error"),
			zap.Bool("retryable", core.IsTransient(err)),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return out, err
	}

	t.logger.Debug("extraction response",
		zap.String("provider", t.next.Name()),
		zap.Int64("call", call),
		zap.Duration("duration", elapsed.Round(time.Millisecond)),
		zap.String("status", "ok"),
		zap.Int("response_bytes", len(out)),
		zap.String("response", redact.Truncate(out, 512)),
	)
	return out, nil
}
