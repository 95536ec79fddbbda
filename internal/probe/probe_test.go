package probe

import (
	"context"
	"testing"
	"time"
)

func TestNewDefaultsTimeout(t *testing.T) {
	if got := New(0, false).Timeout(); got != time.Second {
		t.Fatalf("default timeout = %v", got)
	}
	if got := New(250*time.Millisecond, true).Timeout(); got != 250*time.Millisecond {
		t.Fatalf("timeout = %v", got)
	}
}

func TestReachableRejectsBadAddress(t *testing.T) {
	p := New(100*time.Millisecond, false)
	for _, ip := range []string{"", "not-an-ip", "fe80::1"} {
		if ok, err := p.Reachable(context.Background(), ip); err == nil || ok {
			t.Fatalf("Reachable(%q) = %v, %v; want error", ip, ok, err)
		}
	}
}
