package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type statusWrite struct {
	id     int64
	status orders.Status
	detail string
}

type fakeStore struct {
	pending  []orders.SourceRecord
	fetchErr error

	renewErr     func(id int64) error
	insertErr    func([]orders.OrderRecord) error
	afterInsert  func()
	setStatusErr func(id int64, status orders.Status) error

	inserted [][]orders.OrderRecord
	statuses []statusWrite
	released []int64
	tokens   []string
}

func (f *fakeStore) FetchPending(context.Context) ([]orders.SourceRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.pending, nil
}

func (f *fakeStore) RenewClaim(ctx context.Context, id int64, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.tokens = append(f.tokens, token)
	if f.renewErr != nil {
		return f.renewErr(id)
	}
	return nil
}

func (f *fakeStore) InsertClaimedOrders(ctx context.Context, _ int64, _ string, recs []orders.OrderRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.insertErr != nil {
		if err := f.insertErr(recs); err != nil {
			return err
		}
	}
	f.inserted = append(f.inserted, recs)
	if f.afterInsert != nil {
		f.afterInsert()
	}
	return nil
}

// SetClaimedStatus fails on a canceled context the way BeginTx does.
func (f *fakeStore) SetClaimedStatus(ctx context.Context, id int64, _ string, status orders.Status, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.setStatusErr != nil {
		if err := f.setStatusErr(id, status); err != nil {
			return err
		}
	}
	f.statuses = append(f.statuses, statusWrite{id: id, status: status, detail: detail})
	return nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, id int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeStore) finalStatus(id int64) orders.Status {
	var out orders.Status
	for _, w := range f.statuses {
		if w.id == id {
			out = w.status
		}
	}
	return out
}

type fnExtractor func(ctx context.Context, text string) ([]orders.ExtractedOrder, error)

func (f fnExtractor) Extract(ctx context.Context, text string) ([]orders.ExtractedOrder, error) {
	return f(ctx, text)
}

func byBody(m map[string][]orders.ExtractedOrder, errs map[string]error) fnExtractor {
	return func(_ context.Context, text string) ([]orders.ExtractedOrder, error) {
		if err, ok := errs[text]; ok {
			return nil, err
		}
		return m[text], nil
	}
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%03d", n.Add(1)) }
}

func fastRetry(maxRetries int) *retry.Policy {
	return retry.New(retry.Options{
		MaxRetries:     maxRetries,
		RequestTimeout: time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})
}

func newTestOrchestrator(t *testing.T, st Store, ex Extractor, rec Recorder) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Store:     st,
		Extractor: ex,
		Retry:     fastRetry(2),
		Logger:    zaptest.NewLogger(t),
		Recorder:  rec,
		NewID:     seqIDs(),
	})
	require.NoError(t, err)
	return o
}

func pending(id int64, sender, body string, received orders.ReceivedDate) orders.SourceRecord {
	return orders.SourceRecord{
		ID:         id,
		Sender:     sender,
		Body:       body,
		Received:   received,
		Status:     orders.StatusInProgress,
		Attempts:   1,
		ClaimToken: fmt.Sprintf("claim-%d", id),
	}
}

func TestRun_EndToEndSingleOrder(t *testing.T) {
	t.Parallel()

	body := "I need 3 units of Widget-A delivered to 12 Main St"
	st := &fakeStore{pending: []orders.SourceRecord{
		pending(1, "a@b.com", body, orders.DateFromText("Jan 5, 2024")),
	}}
	ex := byBody(map[string][]orders.ExtractedOrder{
		body: {{ProductName: "Widget-A", Quantity: "3", Address: "12 Main St"}},
	}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fetched)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Orders)

	require.Len(t, st.inserted, 1)
	require.Len(t, st.inserted[0], 1)
	got := st.inserted[0][0]
	assert.Equal(t, int64(1), got.SourceID)
	assert.Equal(t, "a@b.com", got.CustomerEmail)
	assert.Equal(t, "Widget-A", got.ProductName)
	assert.Equal(t, "3", got.Quantity)
	assert.Equal(t, "12 Main St", got.Address)
	assert.Equal(t, "2024-01-05", got.DateOfOrder)
	assert.NotEmpty(t, got.ID)

	assert.Equal(t, []statusWrite{{id: 1, status: orders.StatusProcessed}}, st.statuses)
	assert.Equal(t, []string{"claim-1"}, st.tokens)
}

func TestRun_NTuplesShareContactAndDate(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{
		pending(9, "buyer@shop.test", "multi", orders.DateFromTime(time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC))),
	}}
	ex := byBody(map[string][]orders.ExtractedOrder{
		"multi": {
			{ProductName: "A", Quantity: "1", Address: "x"},
			{ProductName: "B", Quantity: "2", Address: "y"},
			{ProductName: "C", Quantity: "3", Address: "z"},
		},
	}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Orders)

	require.Len(t, st.inserted, 1, "one insert call per record")
	ids := map[string]bool{}
	for _, r := range st.inserted[0] {
		assert.Equal(t, "buyer@shop.test", r.CustomerEmail)
		assert.Equal(t, "2024-01-05", r.DateOfOrder)
		assert.Equal(t, int64(9), r.SourceID)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3, "order ids are unique")
}

func TestRun_EmptyExtractionIsProcessed(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{
		pending(1, "a@b.com", "just saying hi", orders.DateFromText("Jan 5, 2024")),
	}}
	ex := byBody(map[string][]orders.ExtractedOrder{"just saying hi": {}}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Zero(t, sum.Orders)
	assert.Empty(t, st.inserted)
	assert.Equal(t, orders.StatusProcessed, st.finalStatus(1))
}

func TestRun_MalformedOutputIsolated(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{
		pending(1, "a@b.com", "bad", orders.DateFromText("Jan 5, 2024")),
		pending(2, "c@d.com", "good", orders.DateFromText("Jan 6, 2024")),
	}}
	var calls atomic.Int32
	ex := fnExtractor(func(_ context.Context, text string) ([]orders.ExtractedOrder, error) {
		calls.Add(1)
		if text == "bad" {
			return nil, &orders.MalformedOutputError{Diagnostic: "invalid character 'S'", Raw: "Sure!"}
		}
		return []orders.ExtractedOrder{{ProductName: "Widget", Quantity: "1", Address: "x"}}, nil
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, int32(2), calls.Load(), "malformed output is never retried")

	assert.Equal(t, orders.StatusFailed, st.finalStatus(1))
	assert.Equal(t, orders.StatusProcessed, st.finalStatus(2))
	require.Len(t, st.inserted, 1)
	assert.Equal(t, int64(2), st.inserted[0][0].SourceID)

	assert.Contains(t, st.statuses[0].detail, "malformed extraction output")
}

func TestRun_DateFormatErrorFailsRecord(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	st := &fakeStore{pending: []orders.SourceRecord{
		pending(1, "a@b.com", "body", orders.DateFromText("sometime last week")),
	}}
	ex := fnExtractor(func(context.Context, string) ([]orders.ExtractedOrder, error) {
		calls.Add(1)
		return nil, nil
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, calls.Load(), "extraction is skipped when the date is invalid")
	assert.Equal(t, orders.StatusFailed, st.finalStatus(1))
	assert.Contains(t, st.statuses[0].detail, "unrecognized date")
}

func TestRun_InsertFailureFailsRecord(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))},
		insertErr: func([]orders.OrderRecord) error {
			return &orders.PersistenceError{Op: "insert_orders", Err: errors.New("row 1: UNIQUE constraint failed")}
		},
	}
	ex := byBody(map[string][]orders.ExtractedOrder{"body": {
		{ProductName: "A", Quantity: "1", Address: "x"},
		{ProductName: "B", Quantity: "2", Address: "x"},
		{ProductName: "C", Quantity: "3", Address: "x"},
	}}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Orders)
	assert.Equal(t, orders.StatusFailed, st.finalStatus(1))
}

func TestRun_InvalidTupleFailsRecord(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))}}
	ex := byBody(map[string][]orders.ExtractedOrder{"body": {
		{ProductName: "A", Quantity: "1", Address: "x"},
		{ProductName: " ", Quantity: "2", Address: "x"},
	}}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, st.inserted, "no partial insert for a record with an invalid tuple")
}

func TestRun_RetriesTransientExtraction(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))}}
	var calls atomic.Int32
	ex := fnExtractor(func(context.Context, string) ([]orders.ExtractedOrder, error) {
		if calls.Add(1) == 1 {
			return nil, &orders.ExternalServiceError{Provider: "fake", Err: &core.TransientError{Err: errors.New("429")}}
		}
		return []orders.ExtractedOrder{{ProductName: "A", Quantity: "1", Address: "x"}}, nil
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_PermanentExternalErrorNotRetried(t *testing.T) {
	t.Parallel()

	st := &fakeStore{pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))}}
	var calls atomic.Int32
	ex := fnExtractor(func(context.Context, string) ([]orders.ExtractedOrder, error) {
		calls.Add(1)
		return nil, &orders.ExternalServiceError{Provider: "fake", Err: errors.New("401 invalid api_key=abc123")}
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, st.statuses[0].detail, "abc123", "persisted detail is redacted")
}

func TestRun_FetchFailurePropagates(t *testing.T) {
	t.Parallel()

	fetchErr := &orders.PersistenceError{Op: "fetch_pending", Err: errors.New("connection refused")}
	st := &fakeStore{fetchErr: fetchErr}
	rec := &countingRecorder{}

	_, err := newTestOrchestrator(t, st, byBody(nil, nil), rec).Run(context.Background())
	require.ErrorIs(t, err, fetchErr)
	assert.Empty(t, st.statuses)
	assert.Equal(t, 1, rec.runs)
	assert.Error(t, rec.lastRunErr)
}

func TestRun_StatusWritesEqualFetched(t *testing.T) {
	t.Parallel()

	var recs []orders.SourceRecord
	for i := int64(1); i <= 6; i++ {
		date := orders.DateFromText("Jan 5, 2024")
		if i == 3 {
			date = orders.DateFromText("??")
		}
		recs = append(recs, pending(i, "a@b.com", fmt.Sprintf("body-%d", i), date))
	}
	st := &fakeStore{pending: recs}
	ex := byBody(
		map[string][]orders.ExtractedOrder{
			"body-1": {{ProductName: "A", Quantity: "1", Address: "x"}},
			"body-2": {},
			"body-5": {{ProductName: "B", Quantity: "1", Address: "x"}, {ProductName: "C", Quantity: "2", Address: "y"}},
			"body-6": {{ProductName: "D", Quantity: "1", Address: "x"}},
		},
		map[string]error{
			"body-4": &orders.MalformedOutputError{Diagnostic: "eof", Raw: "["},
		},
	)
	rec := &countingRecorder{}

	sum, err := newTestOrchestrator(t, st, ex, rec).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.statuses, sum.Fetched)
	assert.Equal(t, 6, sum.Fetched)
	assert.Equal(t, 4, sum.Processed)
	assert.Equal(t, 2, sum.Failed)
	assert.Equal(t, 4, sum.Orders)
	for _, w := range st.statuses {
		assert.True(t, w.status.Terminal(), "record %d left %s", w.id, w.status)
	}

	assert.Equal(t, 4, rec.outcomes[orders.StatusProcessed])
	assert.Equal(t, 2, rec.outcomes[orders.StatusFailed])
	assert.Equal(t, 1, rec.kinds["date_format"])
	assert.Equal(t, 1, rec.kinds["malformed_output"])
	assert.Equal(t, 4, rec.orders)
}

func TestRun_ProcessedWriteFailureFallsBackToFailed(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))},
		setStatusErr: func(_ int64, status orders.Status) error {
			if status == orders.StatusProcessed {
				return &orders.PersistenceError{Op: "set_status", Err: errors.New("deadlock")}
			}
			return nil
		},
	}
	ex := byBody(map[string][]orders.ExtractedOrder{"body": {{ProductName: "A", Quantity: "1", Address: "x"}}}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, orders.StatusFailed, st.finalStatus(1))
}

func TestRun_CancelAfterCommitStillMarksProcessed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &fakeStore{
		pending: []orders.SourceRecord{pending(1, "a@b.com", "body", orders.DateFromText("Jan 5, 2024"))},
		afterInsert: func() {
			cancel()
		},
	}
	ex := byBody(map[string][]orders.ExtractedOrder{"body": {
		{ProductName: "A", Quantity: "1", Address: "x"},
		{ProductName: "B", Quantity: "2", Address: "x"},
	}}, nil)

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 2, sum.Orders)
	require.Len(t, st.inserted, 1)
	assert.Len(t, st.inserted[0], 2)
	assert.Equal(t, []statusWrite{{id: 1, status: orders.StatusProcessed}}, st.statuses)
	assert.Empty(t, st.released)
}

func TestRun_CancelReleasesUnfinishedRecords(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &fakeStore{pending: []orders.SourceRecord{
		pending(1, "a@b.com", "first", orders.DateFromText("Jan 5, 2024")),
		pending(2, "a@b.com", "second", orders.DateFromText("Jan 5, 2024")),
		pending(3, "a@b.com", "third", orders.DateFromText("Jan 5, 2024")),
	}}
	var calls atomic.Int32
	ex := fnExtractor(func(ctx context.Context, text string) ([]orders.ExtractedOrder, error) {
		calls.Add(1)
		if text == "second" {
			cancel()
			return nil, ctx.Err()
		}
		return []orders.ExtractedOrder{{ProductName: "A", Quantity: "1", Address: "x"}}, nil
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 2, sum.Released)
	assert.Zero(t, sum.Failed, "a canceled run must not fail records")
	assert.Equal(t, int32(2), calls.Load(), "records after the cancel are not extracted")

	assert.Equal(t, []statusWrite{{id: 1, status: orders.StatusProcessed}}, st.statuses)
	assert.Equal(t, []int64{2, 3}, st.released)
}

func TestRun_LostClaimIsLeftAlone(t *testing.T) {
	t.Parallel()

	lost := &orders.PersistenceError{Op: "renew_claim", Err: fmt.Errorf("id 1: %w", orders.ErrClaimLost)}
	st := &fakeStore{
		pending: []orders.SourceRecord{
			pending(1, "a@b.com", "first", orders.DateFromText("Jan 5, 2024")),
			pending(2, "c@d.com", "second", orders.DateFromText("Jan 5, 2024")),
		},
		renewErr: func(id int64) error {
			if id == 1 {
				return lost
			}
			return nil
		},
	}
	var calls atomic.Int32
	ex := fnExtractor(func(context.Context, string) ([]orders.ExtractedOrder, error) {
		calls.Add(1)
		return []orders.ExtractedOrder{{ProductName: "A", Quantity: "1", Address: "x"}}, nil
	})

	sum, err := newTestOrchestrator(t, st, ex, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Lost)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []statusWrite{{id: 2, status: orders.StatusProcessed}}, st.statuses)
	assert.Empty(t, st.released)
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Extractor: byBody(nil, nil), NewID: seqIDs()})
	assert.Error(t, err)
	_, err = New(Options{Store: &fakeStore{}, NewID: seqIDs()})
	assert.Error(t, err)
	_, err = New(Options{Store: &fakeStore{}, Extractor: byBody(nil, nil)})
	assert.Error(t, err)
}

type countingRecorder struct {
	outcomes   map[orders.Status]int
	kinds      map[string]int
	orders     int
	runs       int
	lastRunErr error
}

func (c *countingRecorder) RecordOutcome(status orders.Status, kind string) {
	if c.outcomes == nil {
		c.outcomes = map[orders.Status]int{}
		c.kinds = map[string]int{}
	}
	c.outcomes[status]++
	if kind != "" {
		c.kinds[kind]++
	}
}

func (c *countingRecorder) RecordOrders(n int) { c.orders += n }

func (c *countingRecorder) RecordRun(_ Summary, err error) {
	c.runs++
	c.lastRunErr = err
}
