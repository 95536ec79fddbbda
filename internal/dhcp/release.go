package dhcp

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

const (
	ClientPort = 68
	ServerPort = 67
)

// BroadcastMAC is the link-layer destination of every forged RELEASE
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ReleaseRequest identifies the lease to give back on a client's behalf
type ReleaseRequest struct {
	ClientMAC net.HardwareAddr
	ClientIP  net.IP
	ServerIP  net.IP
}

func (r ReleaseRequest) validate() error {
	if len(r.ClientMAC) != 6 {
		return fmt.Errorf("client hardware address %q is not ethernet", r.ClientMAC)
	}
	if r.ClientIP.To4() == nil {
		return fmt.Errorf("client address %q is not IPv4", r.ClientIP)
	}
	if r.ServerIP.To4() == nil {
		return fmt.Errorf("server address %q is not IPv4", r.ServerIP)
	}
	return nil
}

// NewReleaseMessage builds the BOOTP/DHCP payload of a RELEASE sent as the client
func NewReleaseMessage(req ReleaseRequest) (*dhcpv4.DHCPv4, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	msg, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
		dhcpv4.WithHwAddr(req.ClientMAC),
		dhcpv4.WithClientIP(req.ClientIP.To4()),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(req.ServerIP.To4())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build release message: %w", err)
	}
	return msg, nil
}

// BuildRelease returns a complete Ethernet frame carrying a RELEASE that
// appears to come from the client: source MAC and IP are the client's, the
// frame is link-layer broadcast and the IP packet is addressed to the server.
func BuildRelease(req ReleaseRequest) ([]byte, error) {
	msg, err := NewReleaseMessage(req)
	if err != nil {
		return nil, err
	}

	eth := &layers.Ethernet{
		SrcMAC:       req.ClientMAC,
		DstMAC:       BroadcastMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    req.ClientIP.To4(),
		DstIP:    req.ServerIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: ClientPort,
		DstPort: ServerPort,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to bind udp checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(msg.ToBytes())); err != nil {
		return nil, fmt.Errorf("failed to serialize release frame: %w", err)
	}
	return buf.Bytes(), nil
}
