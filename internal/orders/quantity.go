package orders

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Quantity is the ordered amount as the model reported it. Models return either a
// JSON string ("3", "two dozen") or a bare number; both are kept as text.
type Quantity string

func (q Quantity) String() string { return string(q) }

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*q = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*q = Quantity(n.String())
		return nil
	}
	return fmt.Errorf("quantity must be a string or number, got %s", b)
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(q))
}
