package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
)

var orderColumns = []string{
	"id",
	"source_id",
	"customer_email",
	"product_name",
	"quantity",
	"address",
	"date_of_order",
	"created_at",
}

// InsertOrders writes every record in one transaction. Either all rows commit or
// none do; any failure is returned as a PersistenceError.
func (s *Store) InsertOrders(ctx context.Context, recs []orders.OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.insertOrders(ctx, "insert_orders", recs, nil)
}

// InsertClaimedOrders is InsertOrders for a record held under token. The claim is
// checked and its lease renewed inside the same transaction as the inserts, so a
// run that lost the record to another claimant writes nothing and gets a
// PersistenceError wrapping orders.ErrClaimLost.
func (s *Store) InsertClaimedOrders(ctx context.Context, id int64, token string, recs []orders.OrderRecord) error {
	if len(recs) == 0 {
		return nil
	}
	renewSQL, renewArgs, err := s.renewQuery(id, token)
	if err != nil {
		return &orders.PersistenceError{Op: "insert_claimed_orders", Err: err}
	}
	return s.insertOrders(ctx, "insert_claimed_orders", recs, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, renewSQL, renewArgs...)
		if err != nil {
			return fmt.Errorf("renew claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew claim: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("id %d: %w", id, orders.ErrClaimLost)
		}
		return nil
	})
}

// insertOrders runs guard (when set) and then the inserts in one transaction.
func (s *Store) insertOrders(ctx context.Context, op string, recs []orders.OrderRecord, guard func(context.Context, *sql.Tx) error) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Values are bound per row through a prepared statement.
	placeholders := make([]any, len(orderColumns))
	query, _, err := s.sb.Insert(tableOrders).Columns(orderColumns...).Values(placeholders...).ToSql()
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if guard != nil {
		if err := guard(ctx, tx); err != nil {
			return &orders.PersistenceError{Op: op, Err: err}
		}
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return &orders.PersistenceError{Op: op, Err: fmt.Errorf("prepare: %w", err)}
	}
	defer func() {
		_ = stmt.Close()
	}()

	createdAt := s.now().Unix()
	for i, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.SourceID,
			rec.CustomerEmail,
			rec.ProductName,
			rec.Quantity,
			rec.Address,
			rec.DateOfOrder,
			createdAt,
		); err != nil {
			return &orders.PersistenceError{Op: op, Err: fmt.Errorf("row %d: %w", i, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &orders.PersistenceError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// OrdersFor returns the orders derived from one source record.
func (s *Store) OrdersFor(ctx context.Context, sourceID int64) ([]orders.OrderRecord, error) {
	return s.selectOrders(ctx, "orders_for", sq.Eq{"source_id": sourceID}, 0)
}

// ListOrders returns up to limit orders with an id greater than after, oldest
// first. An empty after starts from the beginning; limit <= 0 means no limit.
func (s *Store) ListOrders(ctx context.Context, after string, limit int) ([]orders.OrderRecord, error) {
	var where sq.Sqlizer
	if after != "" {
		where = sq.Gt{"id": after}
	}
	return s.selectOrders(ctx, "list_orders", where, limit)
}

func (s *Store) selectOrders(ctx context.Context, op string, where sq.Sqlizer, limit int) ([]orders.OrderRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	b := s.sb.Select(orderColumns[:7]...).From(tableOrders).OrderBy("id")
	if where != nil {
		b = b.Where(where)
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, &orders.PersistenceError{Op: op, Err: err}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &orders.PersistenceError{Op: op, Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []orders.OrderRecord
	for rows.Next() {
		var rec orders.OrderRecord
		var date orders.ReceivedDate
		if err := rows.Scan(
			&rec.ID,
			&rec.SourceID,
			&rec.CustomerEmail,
			&rec.ProductName,
			&rec.Quantity,
			&rec.Address,
			&date,
		); err != nil {
			return nil, &orders.PersistenceError{Op: op, Err: err}
		}
		if rec.DateOfOrder, err = date.Normalize(); err != nil {
			return nil, &orders.PersistenceError{Op: op, Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &orders.PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

// CountOrders returns the total number of stored orders.
func (s *Store) CountOrders(ctx context.Context) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query, args, err := s.sb.Select("COUNT(*)").From(tableOrders).ToSql()
	if err != nil {
		return 0, &orders.PersistenceError{Op: "count_orders", Err: err}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &orders.PersistenceError{Op: "count_orders", Err: err}
	}
	return n, nil
}
