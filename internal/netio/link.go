// Package netio opens link-layer sockets for frame injection and capture.
package netio

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
)

// Ethernet protocol numbers used when binding a socket
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// Link is a raw AF_PACKET socket bound to one interface
type Link struct {
	conn *packet.Conn
	ifi  *net.Interface
}

// Open binds a raw socket on the named interface. filter, when set, is
// attached before the first read so unrelated traffic never reaches userspace.
func Open(name string, proto uint16, filter []bpf.RawInstruction) (*Link, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}

	var cfg *packet.Config
	if len(filter) > 0 {
		cfg = &packet.Config{Filter: filter}
	}
	conn, err := packet.Listen(ifi, packet.Raw, int(proto), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket on %s: %w", name, err)
	}
	return &Link{conn: conn, ifi: ifi}, nil
}

// Interface returns the bound interface
func (l *Link) Interface() *net.Interface {
	return l.ifi
}

// Send writes a complete Ethernet frame; the link destination is read from the frame
func (l *Link) Send(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	dst := net.HardwareAddr(frame[0:6])
	if _, err := l.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst}); err != nil {
		return fmt.Errorf("failed to send frame on %s: %w", l.ifi.Name, err)
	}
	return nil
}

// Receive reads one frame into buf, waiting at most until deadline
func (l *Link) Receive(buf []byte, deadline time.Time) (int, error) {
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, _, err := l.conn.ReadFrom(buf)
	return n, err
}

// Close releases the socket
func (l *Link) Close() error {
	return l.conn.Close()
}

// IsTimeout reports whether err is a read deadline expiry
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Injector sends one-off frames, opening a fresh socket per call
type Injector struct{}

// Transmit sends frame on the named interface
func (Injector) Transmit(iface string, frame []byte) error {
	link, err := Open(iface, EtherTypeIPv4, nil)
	if err != nil {
		return err
	}
	defer link.Close()
	return link.Send(frame)
}
