package local_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/io/local"
)

func TestReadEmailsCSV(t *testing.T) {
	t.Run("reads named columns in any order", func(t *testing.T) {
		in := "date,body,sender,other\n\"Jan 5, 2024\",\"I need 3 units of Widget-A\",a@b.com,x\n"
		got, err := local.ReadEmailsCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := local.EmailRow{Sender: "a@b.com", Body: "I need 3 units of Widget-A", Date: "Jan 5, 2024"}
		if len(got) != 1 || got[0] != want {
			t.Fatalf("unexpected rows: %#v", got)
		}
	})

	t.Run("accepts aliases and case", func(t *testing.T) {
		in := "Email,BODY,Email_Date\nalice@example.com,hello,2024-01-05\n"
		got, err := local.ReadEmailsCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Sender != "alice@example.com" || got[0].Date != "2024-01-05" {
			t.Fatalf("unexpected rows: %#v", got)
		}
	})

	t.Run("keeps multiline bodies", func(t *testing.T) {
		in := "sender,body,date\na@b.com,\"line one\nline two\",2024-01-05\n"
		got, err := local.ReadEmailsCSV(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Body != "line one\nline two" {
			t.Fatalf("unexpected rows: %#v", got)
		}
	})

	t.Run("missing column errors", func(t *testing.T) {
		for _, in := range []string{
			"body,date\nx,y\n",
			"sender,date\nx,y\n",
			"sender,body\nx,y\n",
		} {
			if _, err := local.ReadEmailsCSV(strings.NewReader(in)); err == nil {
				t.Fatalf("expected error for %q", in)
			}
		}
	})

	t.Run("short row errors", func(t *testing.T) {
		in := "sender,body,date\na@b.com,hello\n"
		if _, err := local.ReadEmailsCSV(strings.NewReader(in)); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := local.WriteCSV(&buf, []string{"id", "product_name", "address"}, [][]string{
		{"01HX", "Widget-A", "12 Main St, Apt 4"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "id,product_name,address\n01HX,Widget-A,\"12 Main St, Apt 4\"\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", buf.String(), want)
	}

	if err := local.WriteCSV(&buf, []string{"a", "b"}, [][]string{{"only-one"}}); err == nil {
		t.Fatalf("expected error for short row")
	}
}
