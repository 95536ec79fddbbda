package netio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{os.ErrDeadlineExceeded, true},
		{fmt.Errorf("read: %w", os.ErrDeadlineExceeded), true},
		{timeoutErr{}, true},
		{context.Canceled, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsTimeout(tt.err); got != tt.want {
			t.Fatalf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestOpenUnknownInterface(t *testing.T) {
	if _, err := Open("no-such-if0", EtherTypeIPv4, nil); err == nil {
		t.Fatalf("expected error for missing interface")
	}
	if err := (Injector{}).Transmit("no-such-if0", make([]byte, 64)); err == nil {
		t.Fatalf("expected transmit error for missing interface")
	}
}
