// Package pipeline drives one extraction pass over the pending emails.
//
// Records are processed strictly one at a time. Every error raised while handling a
// record is contained at the record boundary and turned into a failed status write;
// only a failure to fetch the batch is returned to the caller.
//
// All writes for a record are guarded by the claim taken in FetchPending. A record
// the run never got to before its context was canceled is released back to pending
// rather than failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/retry"
	"go.uber.org/zap"
)

// Store is the subset of the record store gateway the orchestrator needs. The
// claim-guarded writes fail with orders.ErrClaimLost once another run holds the record.
type Store interface {
	FetchPending(ctx context.Context) ([]orders.SourceRecord, error)
	RenewClaim(ctx context.Context, id int64, token string) error
	InsertClaimedOrders(ctx context.Context, id int64, token string, recs []orders.OrderRecord) error
	SetClaimedStatus(ctx context.Context, id int64, token string, status orders.Status, detail string) error
	ReleaseClaim(ctx context.Context, id int64, token string) error
}

// statusTimeout bounds status writes, which run detached from the caller's context.
const statusTimeout = 10 * time.Second

// Extractor turns an email body into candidate orders.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]orders.ExtractedOrder, error)
}

// Recorder receives per-record and per-run outcomes. Implementations must be cheap.
type Recorder interface {
	RecordOutcome(status orders.Status, kind string)
	RecordOrders(n int)
	RecordRun(s Summary, err error)
}

// Summary counts what one Run did.
type Summary struct {
	RunID     string
	Fetched   int
	Processed int
	Failed    int
	// Released records were handed back to pending because the run was canceled.
	Released int
	// Lost records were taken over by another run after their lease expired.
	Lost     int
	Orders   int
	Duration time.Duration
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeReleased
	outcomeLost
)

// Options configures an Orchestrator. Store and Extractor are required.
type Options struct {
	Store     Store
	Extractor Extractor
	Retry     *retry.Policy
	Logger    *zap.Logger
	Recorder  Recorder

	// NewID generates order and run identifiers.
	NewID func() string

	// MaxErrorDetail caps the persisted failure detail.
	MaxErrorDetail int
}

type Orchestrator struct {
	store     Store
	extractor Extractor
	retry     *retry.Policy
	logger    *zap.Logger
	recorder  Recorder
	newID     func() string
	maxDetail int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("pipeline: extractor is required")
	}
	if opts.NewID == nil {
		return nil, fmt.Errorf("pipeline: id generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Options{})
	}
	if opts.MaxErrorDetail <= 0 {
		opts.MaxErrorDetail = 1024
	}
	return &Orchestrator{
		store:     opts.Store,
		extractor: opts.Extractor,
		retry:     opts.Retry,
		logger:    opts.Logger.Named("pipeline"),
		recorder:  opts.Recorder,
		newID:     opts.NewID,
		maxDetail: opts.MaxErrorDetail,
	}, nil
}

// Run fetches the pending batch and processes each record to a terminal status.
// Every fetched record receives exactly one terminal status write attempt, except
// records released after cancellation and records whose claim was lost.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: "run-" + o.newID()}
	logger := o.logger.With(zap.String("run_id", sum.RunID))
	start := time.Now()

	recs, err := o.store.FetchPending(ctx)
	if err != nil {
		sum.Duration = time.Since(start)
		logger.Error("fetch pending failed", zap.String("error", redact.Secrets(err.Error())))
		o.recordRun(sum, err)
		return sum, err
	}
	sum.Fetched = len(recs)
	logger.Info("run start", zap.Int("fetched", len(recs)))

	for _, rec := range recs {
		out, n := o.processRecord(ctx, logger, rec)
		switch out {
		case outcomeProcessed:
			sum.Processed++
		case outcomeFailed:
			sum.Failed++
		case outcomeReleased:
			sum.Released++
		case outcomeLost:
			sum.Lost++
		}
		sum.Orders += n
	}

	sum.Duration = time.Since(start)
	logger.Info("run complete",
		zap.Int("fetched", sum.Fetched),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int("released", sum.Released),
		zap.Int("lost", sum.Lost),
		zap.Int("orders", sum.Orders),
		zap.Duration("duration", sum.Duration.Round(time.Millisecond)),
	)
	o.recordRun(sum, nil)
	return sum, nil
}

// processRecord runs one record to completion and writes its terminal status. It
// returns the outcome and the number of orders committed.
func (o *Orchestrator) processRecord(ctx context.Context, logger *zap.Logger, rec orders.SourceRecord) (outcome, int) {
	logger = logger.With(zap.Int64("record_id", rec.ID), zap.Int("attempt", rec.Attempts))

	if ctx.Err() != nil {
		return o.release(ctx, logger, rec), 0
	}
	if err := o.store.RenewClaim(ctx, rec.ID, rec.ClaimToken); err != nil {
		return o.settleError(ctx, logger, rec, fmt.Errorf("renew claim: %w", err)), 0
	}

	n, err := o.commitRecord(ctx, rec)
	if err != nil {
		return o.settleError(ctx, logger, rec, err), 0
	}

	// Orders are committed: the status write must not depend on the caller anymore.
	statusCtx, cancel := detached(ctx)
	defer cancel()
	if serr := o.store.SetClaimedStatus(statusCtx, rec.ID, rec.ClaimToken, orders.StatusProcessed, ""); serr != nil {
		o.recordOrders(n)
		if errors.Is(serr, orders.ErrClaimLost) {
			logger.Error("claim lost after orders committed", zap.Int("orders", n))
			return outcomeLost, n
		}
		// A failed status lets the next run retry, which may duplicate the orders.
		// Consumers dedupe on source_id.
		o.markFailed(ctx, logger, rec, fmt.Errorf("mark processed: %w", serr))
		return outcomeFailed, n
	}
	logger.Info("record processed", zap.Int("orders", n))
	o.recordOutcome(orders.StatusProcessed, "")
	o.recordOrders(n)
	return outcomeProcessed, n
}

// settleError decides what a record that failed before its orders committed becomes.
func (o *Orchestrator) settleError(ctx context.Context, logger *zap.Logger, rec orders.SourceRecord, err error) outcome {
	switch {
	case errors.Is(err, orders.ErrClaimLost):
		logger.Warn("claim lost, record left to its new owner")
		return outcomeLost
	case ctx.Err() != nil:
		return o.release(ctx, logger, rec)
	}
	o.markFailed(ctx, logger, rec, err)
	return outcomeFailed
}

func (o *Orchestrator) commitRecord(ctx context.Context, rec orders.SourceRecord) (int, error) {
	date, err := rec.Received.Normalize()
	if err != nil {
		return 0, err
	}

	extracted, err := retry.Do(ctx, o.retry, func(ctx context.Context) ([]orders.ExtractedOrder, error) {
		return o.extractor.Extract(ctx, rec.Body)
	})
	if err != nil {
		return 0, err
	}

	recs := make([]orders.OrderRecord, 0, len(extracted))
	for i, item := range extracted {
		r, err := orders.Enrich(o.newID(), rec, date, item)
		if err != nil {
			return 0, fmt.Errorf("order %d: %w", i, err)
		}
		recs = append(recs, r)
	}

	if len(recs) == 0 {
		return 0, nil
	}
	if err := o.store.InsertClaimedOrders(ctx, rec.ID, rec.ClaimToken, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (o *Orchestrator) markFailed(ctx context.Context, logger *zap.Logger, rec orders.SourceRecord, cause error) {
	kind := orders.Kind(cause)
	detail := redact.Truncate(cause.Error(), o.maxDetail)
	logger.Warn("record failed", zap.String("kind", kind), zap.String("error", detail))

	statusCtx, cancel := detached(ctx)
	defer cancel()
	if err := o.store.SetClaimedStatus(statusCtx, rec.ID, rec.ClaimToken, orders.StatusFailed, detail); err != nil {
		logger.Error("mark failed", zap.String("error", redact.Secrets(err.Error())))
	}
	o.recordOutcome(orders.StatusFailed, kind)
}

func (o *Orchestrator) release(ctx context.Context, logger *zap.Logger, rec orders.SourceRecord) outcome {
	statusCtx, cancel := detached(ctx)
	defer cancel()
	if err := o.store.ReleaseClaim(statusCtx, rec.ID, rec.ClaimToken); err != nil {
		if errors.Is(err, orders.ErrClaimLost) {
			return outcomeLost
		}
		// The lease expires and another run reclaims it.
		logger.Error("release claim", zap.String("error", redact.Secrets(err.Error())))
	} else {
		logger.Info("record released", zap.NamedError("cause", context.Cause(ctx)))
	}
	o.recordOutcome(orders.StatusPending, "released")
	return outcomeReleased
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
}

func (o *Orchestrator) recordOutcome(status orders.Status, kind string) {
	if o.recorder != nil {
		o.recorder.RecordOutcome(status, kind)
	}
}

func (o *Orchestrator) recordOrders(n int) {
	if o.recorder != nil && n > 0 {
		o.recorder.RecordOrders(n)
	}
}

func (o *Orchestrator) recordRun(s Summary, err error) {
	if o.recorder != nil {
		o.recorder.RecordRun(s, err)
	}
}
