// Package local reads and writes the CSV files used to seed emails and export orders.
package local

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// EmailRow is one email to import. Date is kept as text and parsed downstream.
type EmailRow struct {
	Sender string
	Body   string
	Date   string
}

// ReadEmailsCSV reads rows with "sender", "body" and "date" columns. Header names
// are case-insensitive; "email" is accepted for sender and "email_date" for date.
// Extra columns are ignored.
func ReadEmailsCSV(r io.Reader) ([]EmailRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	senderIdx := columnIndex(header, "sender", "email")
	bodyIdx := columnIndex(header, "body")
	dateIdx := columnIndex(header, "date", "email_date")
	switch {
	case senderIdx < 0:
		return nil, fmt.Errorf("missing required column %q", "sender")
	case bodyIdx < 0:
		return nil, fmt.Errorf("missing required column %q", "body")
	case dateIdx < 0:
		return nil, fmt.Errorf("missing required column %q", "date")
	}
	need := max(senderIdx, bodyIdx, dateIdx) + 1

	var rows []EmailRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(rec) < need {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: row has %d columns, want at least %d", line, len(rec), need)
		}
		rows = append(rows, EmailRow{
			Sender: strings.TrimSpace(rec[senderIdx]),
			Body:   rec[bodyIdx],
			Date:   strings.TrimSpace(rec[dateIdx]),
		})
	}
	return rows, nil
}

func columnIndex(header []string, names ...string) int {
	for _, name := range names {
		for i, col := range header {
			if strings.EqualFold(strings.TrimSpace(col), name) {
				return i
			}
		}
	}
	return -1
}

// WriteCSV writes header followed by rows. Every row must have len(header) fields.
func WriteCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, r := range rows {
		if len(r) != len(header) {
			return fmt.Errorf("row %d has %d fields, header has %d", i, len(r), len(header))
		}
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
