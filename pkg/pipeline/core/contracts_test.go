package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/core"
)

type tempNetErr struct{ timeout bool }

func (tempNetErr) Error() string     { return "temp net err" }
func (e tempNetErr) Timeout() bool   { return e.timeout }
func (e tempNetErr) Temporary() bool { return !e.timeout }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want bool
	}{
		{name: "nil", in: nil, want: false},
		{name: "plain", in: errors.New("boom"), want: false},
		{name: "marked", in: &core.TransientError{Err: errors.New("429")}, want: true},
		{name: "wrapped_marked", in: fmt.Errorf("extract: %w", &core.TransientError{Err: errors.New("503")}), want: true},
		{name: "deadline", in: fmt.Errorf("call: %w", context.DeadlineExceeded), want: true},
		{name: "canceled", in: context.Canceled, want: false},
		{name: "net_timeout", in: tempNetErr{timeout: true}, want: true},
		{name: "net_temporary", in: tempNetErr{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := core.IsTransient(tt.in); got != tt.want {
				t.Fatalf("IsTransient(%v)=%v want=%v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTransientErrorNil(t *testing.T) {
	t.Parallel()

	var te *core.TransientError
	if te.Error() != "transient error" {
		t.Fatalf("unexpected message: %q", te.Error())
	}
	if te.Unwrap() != nil {
		t.Fatalf("expected nil unwrap")
	}
}
