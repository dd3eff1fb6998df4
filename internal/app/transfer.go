package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shpitdev/order-extraction-pipeline/internal/config"
	"github.com/shpitdev/order-extraction-pipeline/internal/orders"
	"github.com/shpitdev/order-extraction-pipeline/internal/store"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/io/local"
	"go.uber.org/zap"
)

const exportPageSize = 500

// OrderHeader is the column order of exported order CSVs.
func OrderHeader() []string {
	return []string{
		"id",
		"source_id",
		"customer_email",
		"product_name",
		"quantity",
		"address",
		"date_of_order",
	}
}

// ImportEmails loads a sender/body/date CSV into raw_emails as pending records.
// Rows are validated before anything is written, and the rows are written in one
// transaction: a failed import leaves the table unchanged.
func ImportEmails(ctx context.Context, cfg config.DatabaseConfig, r io.Reader, logger *zap.Logger) (int, error) {
	rows, err := local.ReadEmailsCSV(r)
	if err != nil {
		return 0, err
	}
	emails := make([]store.NewEmail, 0, len(rows))
	for i, row := range rows {
		if row.Sender == "" {
			return 0, fmt.Errorf("row %d: empty sender", i+1)
		}
		if strings.TrimSpace(row.Body) == "" {
			return 0, fmt.Errorf("row %d: empty body", i+1)
		}
		emails = append(emails, store.NewEmail{
			Sender:   row.Sender,
			Body:     row.Body,
			Received: orders.DateFromText(row.Date),
		})
	}

	var ids []int64
	err = withStore(ctx, cfg, func(st *store.Store) error {
		ids, err = st.AddEmails(ctx, emails)
		return err
	})
	if err != nil {
		return 0, err
	}
	if logger != nil {
		logger.Info("emails imported", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// ExportOrders writes every stored order as CSV, oldest first.
func ExportOrders(ctx context.Context, cfg config.DatabaseConfig, w io.Writer) (int, error) {
	var records [][]string
	err := withStore(ctx, cfg, func(st *store.Store) error {
		after := ""
		for {
			page, err := st.ListOrders(ctx, after, exportPageSize)
			if err != nil {
				return err
			}
			for _, o := range page {
				records = append(records, []string{
					o.ID,
					fmt.Sprint(o.SourceID),
					o.CustomerEmail,
					o.ProductName,
					o.Quantity,
					o.Address,
					o.DateOfOrder,
				})
			}
			if len(page) < exportPageSize {
				return nil
			}
			after = page[len(page)-1].ID
		}
	})
	if err != nil {
		return 0, err
	}
	if err := local.WriteCSV(w, OrderHeader(), records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func withStore(ctx context.Context, cfg config.DatabaseConfig, fn func(*store.Store) error) error {
	st, err := store.Open(ctx, StoreConfig(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()
	return fn(st)
}
