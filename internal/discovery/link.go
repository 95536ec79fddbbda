// Package discovery finds devices on the local segment, actively by ARP
// sweep and passively by watching lease traffic.
package discovery

import (
	"net"
	"time"

	"github.com/sashakarcz/leasereaper/internal/dhcp"
	"github.com/sashakarcz/leasereaper/internal/netio"
)

// FrameConn is the subset of a raw link both discovery paths need
type FrameConn interface {
	Interface() *net.Interface
	Send(frame []byte) error
	Receive(buf []byte, deadline time.Time) (int, error)
	Close() error
}

// Opener binds a FrameConn to an interface by name
type Opener func(iface string) (FrameConn, error)

// VendorLookup resolves a hardware address to a vendor label
type VendorLookup interface {
	Lookup(mac string) string
}

// IsTimeout reports whether a Receive error is a deadline expiry
var IsTimeout = netio.IsTimeout

// OpenARP binds a raw socket for ARP traffic
func OpenARP(iface string) (FrameConn, error) {
	link, err := netio.Open(iface, netio.EtherTypeARP, nil)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// OpenDHCP binds a raw socket filtered to lease traffic
func OpenDHCP(iface string) (FrameConn, error) {
	filter, err := dhcp.CaptureFilter()
	if err != nil {
		return nil, err
	}
	link, err := netio.Open(iface, netio.EtherTypeIPv4, filter)
	if err != nil {
		return nil, err
	}
	return link, nil
}
