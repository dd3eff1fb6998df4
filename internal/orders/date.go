package orders

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical order date form.
const DateLayout = "2006-01-02"

// textLayout is the month-day-year form mail ingestion writes ("Jan 5, 2024").
const textLayout = "Jan 2, 2006"

// structuredLayouts are text renderings of an already-structured date, as drivers
// hand them back for DATE/TIMESTAMP columns stored as text.
var structuredLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ReceivedDate is the raw received timestamp of a SourceRecord: either a structured
// time value or free text.
type ReceivedDate struct {
	Time time.Time
	Text string
}

// DateFromTime returns a structured ReceivedDate.
func DateFromTime(t time.Time) ReceivedDate { return ReceivedDate{Time: t} }

// DateFromText returns a textual ReceivedDate.
func DateFromText(s string) ReceivedDate { return ReceivedDate{Text: s} }

// IsZero reports whether neither form is set.
func (d ReceivedDate) IsZero() bool {
	return d.Time.IsZero() && strings.TrimSpace(d.Text) == ""
}

func (d ReceivedDate) String() string {
	if !d.Time.IsZero() {
		return d.Time.Format(time.RFC3339)
	}
	return d.Text
}

// Normalize renders the date as YYYY-MM-DD. Structured values keep their own
// calendar day; text must be "Jan 2, 2006" or a structured rendering.
func (d ReceivedDate) Normalize() (string, error) {
	if !d.Time.IsZero() {
		return d.Time.Format(DateLayout), nil
	}
	raw := strings.TrimSpace(d.Text)
	if raw == "" {
		return "", &DateFormatError{Value: d.Text}
	}
	if t, err := time.Parse(textLayout, raw); err == nil {
		return t.Format(DateLayout), nil
	}
	for _, layout := range structuredLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(DateLayout), nil
		}
	}
	return "", &DateFormatError{Value: d.Text}
}

// Scan implements sql.Scanner.
func (d *ReceivedDate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = ReceivedDate{}
	case time.Time:
		*d = ReceivedDate{Time: v}
	case string:
		*d = ReceivedDate{Text: v}
	case []byte:
		*d = ReceivedDate{Text: string(v)}
	default:
		return fmt.Errorf("orders: cannot scan %T into ReceivedDate", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (d ReceivedDate) Value() (driver.Value, error) {
	if !d.Time.IsZero() {
		return d.Time, nil
	}
	return d.Text, nil
}
