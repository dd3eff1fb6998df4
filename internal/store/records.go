package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
)

var emailColumns = []string{
	"id",
	"sender",
	"body",
	"email_date",
	"status",
	"attempts",
	"COALESCE(last_error, '')",
}

// FetchPending claims and returns every record eligible for processing: pending
// records, failed records under the attempt limit, and in_progress records whose
// claim lease expired. Claimed rows move to in_progress with attempts incremented
// in the same statement, so concurrent runs never receive the same record.
// No order is defined.
func (s *Store) FetchPending(ctx context.Context) ([]orders.SourceRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	token := s.NewID()
	cutoff := now.Add(-s.cfg.ClaimLease).Unix()

	retryable := sq.And{sq.Eq{"status": string(orders.StatusFailed)}}
	stale := sq.And{sq.Eq{"status": string(orders.StatusInProgress)}, sq.Lt{"claimed_at": cutoff}}
	if s.cfg.MaxAttempts > 0 {
		retryable = append(retryable, sq.Lt{"attempts": s.cfg.MaxAttempts})
		stale = append(stale, sq.Lt{"attempts": s.cfg.MaxAttempts})
	}

	claimSQL, claimArgs, err := s.sb.Update(tableEmails).
		Set("status", string(orders.StatusInProgress)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("claim_token", token).
		Set("claimed_at", now.Unix()).
		Set("updated_at", now.Unix()).
		Where(sq.Or{
			sq.Eq{"status": string(orders.StatusPending)},
			retryable,
			stale,
		}).
		ToSql()
	if err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: err}
	}
	selectSQL, selectArgs, err := s.sb.Select(emailColumns...).
		From(tableEmails).
		Where(sq.Eq{"claim_token": token}).
		ToSql()
	if err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, claimSQL, claimArgs...); err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: fmt.Errorf("claim: %w", err)}
	}

	rows, err := tx.QueryContext(ctx, selectSQL, selectArgs...)
	if err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: err}
	}
	recs, err := scanEmails(rows)
	if err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &orders.PersistenceError{Op: "fetch_pending", Err: fmt.Errorf("commit: %w", err)}
	}
	for i := range recs {
		recs[i].ClaimToken = token
	}
	return recs, nil
}

// claimHeld matches a record that is still in_progress under token.
func claimHeld(id int64, token string) sq.And {
	return sq.And{
		sq.Eq{"id": id},
		sq.Eq{"claim_token": token},
		sq.Eq{"status": string(orders.StatusInProgress)},
	}
}

// SetStatus writes status and detail for exactly one record and releases its claim.
// A missing id fails with a PersistenceError wrapping orders.ErrRecordNotFound.
func (s *Store) SetStatus(ctx context.Context, id int64, status orders.Status, detail string) error {
	err := s.setStatus(ctx, "set_status", status, detail, sq.Eq{"id": id})
	if errors.Is(err, errNoRows) {
		return &orders.PersistenceError{Op: "set_status", Err: fmt.Errorf("id %d: %w", id, orders.ErrRecordNotFound)}
	}
	return err
}

// SetClaimedStatus is SetStatus guarded by the claim: the write only applies while
// the record is still in_progress under token. Otherwise it fails with a
// PersistenceError wrapping orders.ErrClaimLost and nothing changes.
func (s *Store) SetClaimedStatus(ctx context.Context, id int64, token string, status orders.Status, detail string) error {
	err := s.setStatus(ctx, "set_claimed_status", status, detail, claimHeld(id, token))
	if errors.Is(err, errNoRows) {
		return &orders.PersistenceError{Op: "set_claimed_status", Err: fmt.Errorf("id %d: %w", id, orders.ErrClaimLost)}
	}
	return err
}

var errNoRows = errors.New("no rows affected")

func (s *Store) setStatus(ctx context.Context, op string, status orders.Status, detail string, where sq.Sqlizer) error {
	if !status.Valid() {
		return &orders.PersistenceError{Op: op, Err: fmt.Errorf("invalid status %q", status)}
	}
	query, args, err := s.sb.Update(tableEmails).
		Set("status", string(status)).
		Set("last_error", detail).
		Set("claim_token", nil).
		Set("claimed_at", nil).
		Set("updated_at", s.now().Unix()).
		Where(where).
		ToSql()
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}
	return s.execOne(ctx, op, query, args)
}

// RenewClaim restarts the lease on a record held under token so a long batch does
// not lose its tail to another run. A claim that was already taken over fails with
// a PersistenceError wrapping orders.ErrClaimLost.
func (s *Store) RenewClaim(ctx context.Context, id int64, token string) error {
	query, args, err := s.renewQuery(id, token)
	if err != nil {
		return &orders.PersistenceError{Op: "renew_claim", Err: err}
	}
	err = s.execOne(ctx, "renew_claim", query, args)
	if errors.Is(err, errNoRows) {
		return &orders.PersistenceError{Op: "renew_claim", Err: fmt.Errorf("id %d: %w", id, orders.ErrClaimLost)}
	}
	return err
}

func (s *Store) renewQuery(id int64, token string) (string, []any, error) {
	now := s.now().Unix()
	return s.sb.Update(tableEmails).
		Set("claimed_at", now).
		Set("updated_at", now).
		Where(claimHeld(id, token)).
		ToSql()
}

// ReleaseClaim hands a claimed record back untouched: it returns to pending and the
// attempt taken by the claim is refunded. Used for records a canceled run never got to.
func (s *Store) ReleaseClaim(ctx context.Context, id int64, token string) error {
	query, args, err := s.sb.Update(tableEmails).
		Set("status", string(orders.StatusPending)).
		Set("attempts", sq.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END")).
		Set("claim_token", nil).
		Set("claimed_at", nil).
		Set("updated_at", s.now().Unix()).
		Where(claimHeld(id, token)).
		ToSql()
	if err != nil {
		return &orders.PersistenceError{Op: "release_claim", Err: err}
	}
	err = s.execOne(ctx, "release_claim", query, args)
	if errors.Is(err, errNoRows) {
		return &orders.PersistenceError{Op: "release_claim", Err: fmt.Errorf("id %d: %w", id, orders.ErrClaimLost)}
	}
	return err
}

// execOne runs an update that must touch exactly one row in its own transaction.
// Zero rows rolls back and returns errNoRows unwrapped for the caller to classify.
func (s *Store) execOne(ctx context.Context, op, query string, args []any) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}
	if n == 0 {
		return errNoRows
	}
	if err := tx.Commit(); err != nil {
		return &orders.PersistenceError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// AddEmail stores a new pending email and returns its id.
func (s *Store) AddEmail(ctx context.Context, sender, body string, received orders.ReceivedDate) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query, args, err := s.sb.Insert(tableEmails).
		Columns("sender", "body", "email_date", "status", "attempts", "last_error", "updated_at").
		Values(sender, body, received.String(), string(orders.StatusPending), 0, "", s.now().Unix()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, &orders.PersistenceError{Op: "add_email", Err: err}
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, &orders.PersistenceError{Op: "add_email", Err: err}
	}
	return id, nil
}

// NewEmail is one inbound email for AddEmails.
type NewEmail struct {
	Sender   string
	Body     string
	Received orders.ReceivedDate
}

// AddEmails stores every email as pending in one transaction and returns their ids
// in input order. Either all rows commit or none do. The batch is bounded by ctx
// only, not by the per-operation timeout.
func (s *Store) AddEmails(ctx context.Context, emails []NewEmail) ([]int64, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &orders.PersistenceError{Op: "add_emails", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().Unix()
	ids := make([]int64, 0, len(emails))
	for i, e := range emails {
		query, args, err := s.sb.Insert(tableEmails).
			Columns("sender", "body", "email_date", "status", "attempts", "last_error", "updated_at").
			Values(e.Sender, e.Body, e.Received.String(), string(orders.StatusPending), 0, "", now).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return nil, &orders.PersistenceError{Op: "add_emails", Err: err}
		}
		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return nil, &orders.PersistenceError{Op: "add_emails", Err: fmt.Errorf("row %d: %w", i, err)}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, &orders.PersistenceError{Op: "add_emails", Err: fmt.Errorf("commit: %w", err)}
	}
	return ids, nil
}

// Email loads one record by id.
func (s *Store) Email(ctx context.Context, id int64) (orders.SourceRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query, args, err := s.sb.Select(emailColumns...).From(tableEmails).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return orders.SourceRecord{}, &orders.PersistenceError{Op: "email", Err: err}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return orders.SourceRecord{}, &orders.PersistenceError{Op: "email", Err: err}
	}
	recs, err := scanEmails(rows)
	if err != nil {
		return orders.SourceRecord{}, &orders.PersistenceError{Op: "email", Err: err}
	}
	if len(recs) == 0 {
		return orders.SourceRecord{}, &orders.PersistenceError{Op: "email", Err: fmt.Errorf("id %d: %w", id, orders.ErrRecordNotFound)}
	}
	return recs[0], nil
}

// StatusCounts returns the number of records per status.
func (s *Store) StatusCounts(ctx context.Context) (map[orders.Status]int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query, args, err := s.sb.Select("status", "COUNT(*)").From(tableEmails).GroupBy("status").ToSql()
	if err != nil {
		return nil, &orders.PersistenceError{Op: "status_counts", Err: err}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &orders.PersistenceError{Op: "status_counts", Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[orders.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &orders.PersistenceError{Op: "status_counts", Err: err}
		}
		out[orders.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &orders.PersistenceError{Op: "status_counts", Err: err}
	}
	return out, nil
}

func scanEmails(rows *sql.Rows) ([]orders.SourceRecord, error) {
	var out []orders.SourceRecord
	for rows.Next() {
		var rec orders.SourceRecord
		var status string
		if err := rows.Scan(
			&rec.ID,
			&rec.Sender,
			&rec.Body,
			&rec.Received,
			&status,
			&rec.Attempts,
			&rec.LastError,
		); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan email: %w", err)
		}
		rec.Status = orders.Status(status)
		out = append(out, rec)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}
	if closeErr := rows.Close(); closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}
	return out, nil
}
