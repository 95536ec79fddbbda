// Package probe checks whether a host answers ICMP echo before it is released.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober sends a single echo request and waits for the reply
type Prober struct {
	timeout    time.Duration
	privileged bool
}

// New creates a prober. privileged selects raw ICMP sockets instead of
// unprivileged datagram ICMP.
func New(timeout time.Duration, privileged bool) *Prober {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{timeout: timeout, privileged: privileged}
}

// Timeout returns the per-probe wait
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Reachable reports whether ip answered within the timeout
func (p *Prober) Reachable(ctx context.Context, ip string) (bool, error) {
	addr := net.ParseIP(ip)
	if addr == nil || addr.To4() == nil {
		return false, fmt.Errorf("invalid IPv4 address %q", ip)
	}

	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return false, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", ip, err)
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}
