package dhcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

var (
	// ErrNotDHCP is returned for frames that are not UDP 67/68 or do not decode
	ErrNotDHCP = errors.New("not a DHCP frame")
	// ErrIgnoredType is returned for message types other than OFFER, REQUEST and ACK
	ErrIgnoredType = errors.New("ignored DHCP message type")
	// ErrNoIdentity is returned when neither a hardware nor an IP address is present
	ErrNoIdentity = errors.New("DHCP message carries no client identity")
)

// Observation is what passive capture learns from one lease message
type Observation struct {
	Type      dhcpv4.MessageType
	MAC       net.HardwareAddr
	IP        net.IP
	LeaseTime time.Duration
	HasLease  bool
}

// ParseFrame decodes an Ethernet frame and extracts the DHCP observation
func ParseFrame(frame []byte) (*Observation, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, ErrNotDHCP
	}
	if !isDHCPPort(udpLayer.SrcPort) && !isDHCPPort(udpLayer.DstPort) {
		return nil, ErrNotDHCP
	}
	return ParsePayload(udpLayer.Payload)
}

func isDHCPPort(p layers.UDPPort) bool {
	return p == ClientPort || p == ServerPort
}

// ParsePayload decodes a BOOTP payload. The assigned address is taken from
// yiaddr, then ciaddr, then the requested-address option.
func ParsePayload(payload []byte) (*Observation, error) {
	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDHCP, err)
	}

	obs := &Observation{Type: msg.MessageType()}
	switch obs.Type {
	case dhcpv4.MessageTypeOffer, dhcpv4.MessageTypeRequest, dhcpv4.MessageTypeAck:
	default:
		return nil, ErrIgnoredType
	}

	if hw := msg.ClientHWAddr; len(hw) > 0 && !isZero(hw) {
		obs.MAC = hw
	}
	switch {
	case usable(msg.YourIPAddr):
		obs.IP = msg.YourIPAddr.To4()
	case usable(msg.ClientIPAddr):
		obs.IP = msg.ClientIPAddr.To4()
	case usable(msg.RequestedIPAddress()):
		obs.IP = msg.RequestedIPAddress().To4()
	}
	if obs.MAC == nil && obs.IP == nil {
		return nil, ErrNoIdentity
	}

	if msg.Options.Has(dhcpv4.OptionIPAddressLeaseTime) {
		obs.LeaseTime = msg.IPAddressLeaseTime(0)
		obs.HasLease = true
	}
	return obs, nil
}

func usable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
