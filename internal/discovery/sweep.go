package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/sashakarcz/leasereaper/internal/dhcp"
	"github.com/sashakarcz/leasereaper/internal/logger"
)

// maxSweepHosts bounds a sweep to a /16
const maxSweepHosts = 1 << 16

// Result is one host that answered the sweep
type Result struct {
	IP     net.IP
	MAC    net.HardwareAddr
	Vendor string
}

// Sweeper performs ARP sweeps of an IPv4 subnet
type Sweeper struct {
	lookup  VendorLookup
	open    Opener
	timeout time.Duration
}

// NewSweeper creates a sweeper. timeout is how long replies are collected
// after the last request has been sent.
func NewSweeper(lookup VendorLookup, open Opener, timeout time.Duration) *Sweeper {
	if open == nil {
		open = OpenARP
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Sweeper{lookup: lookup, open: open, timeout: timeout}
}

// Sweep asks every host address in cidr for its hardware address and
// returns the deduplicated answers. Failures are returned, never fatal.
func (s *Sweeper) Sweep(ctx context.Context, iface, cidr string) ([]Result, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", cidr, err)
	}
	targets, err := hostAddrs(network)
	if err != nil {
		return nil, err
	}

	conn, err := s.open(iface)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ifi := conn.Interface()
	srcIP := sourceAddr(ifi, network)

	var (
		mu    sync.Mutex
		found = make(map[string]Result)
		order []string
	)
	stopRead := make(chan struct{})
	readDone := make(chan struct{})
	// readErr is written before readDone closes
	var readErr error

	go func() {
		defer close(readDone)
		buf := make([]byte, 1514)
		for {
			select {
			case <-stopRead:
				return
			default:
			}
			n, err := conn.Receive(buf, time.Now().Add(200*time.Millisecond))
			if err != nil {
				if IsTimeout(err) {
					continue
				}
				logger.Warn().Err(err).Str("iface", iface).Msg("ARP receive failed")
				readErr = fmt.Errorf("receive: %w", err)
				return
			}
			ip, mac, ok := ParseARPReply(buf[:n])
			if !ok || !network.Contains(ip) {
				continue
			}
			key := ip.String()
			mu.Lock()
			if _, seen := found[key]; !seen {
				order = append(order, key)
			}
			found[key] = Result{IP: ip, MAC: mac}
			mu.Unlock()
		}
	}()

	var sendErr error
	for i, target := range targets {
		if ctx.Err() != nil {
			sendErr = ctx.Err()
			break
		}
		frame, err := BuildARPRequest(ifi.HardwareAddr, srcIP, target)
		if err != nil {
			sendErr = err
			break
		}
		if err := conn.Send(frame); err != nil {
			sendErr = err
			break
		}
		if i%64 == 63 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	if sendErr == nil {
		select {
		case <-ctx.Done():
			sendErr = ctx.Err()
		case <-readDone:
		case <-time.After(s.timeout):
		}
	}
	close(stopRead)
	<-readDone
	if sendErr == nil {
		sendErr = readErr
	}

	if sendErr != nil {
		return nil, fmt.Errorf("sweep of %s on %s failed: %w", cidr, iface, sendErr)
	}

	mu.Lock()
	defer mu.Unlock()
	results := make([]Result, 0, len(order))
	for _, key := range order {
		r := found[key]
		r.Vendor = s.lookup.Lookup(r.MAC.String())
		results = append(results, r)
	}
	return results, nil
}

// hostAddrs lists usable host addresses, excluding network and broadcast
// addresses for prefixes shorter than /31
func hostAddrs(network *net.IPNet) ([]net.IP, error) {
	base := network.IP.To4()
	if base == nil {
		return nil, errors.New("only IPv4 subnets can be swept")
	}
	ones, bits := network.Mask.Size()
	size := uint64(1) << uint(bits-ones)
	if size > maxSweepHosts {
		return nil, fmt.Errorf("subnet %s is larger than /16", network)
	}

	start := binary.BigEndian.Uint32(base)
	first, last := uint64(0), size-1
	if size > 2 {
		first, last = 1, size-2
	}
	out := make([]net.IP, 0, last-first+1)
	for i := first; i <= last; i++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, start+uint32(i))
		out = append(out, ip)
	}
	return out, nil
}

// sourceAddr picks the interface address inside network, falling back to
// any IPv4 address and finally 0.0.0.0
func sourceAddr(ifi *net.Interface, network *net.IPNet) net.IP {
	addrs, err := ifi.Addrs()
	if err != nil {
		return net.IPv4zero.To4()
	}
	var fallback net.IP
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.To4() == nil {
			continue
		}
		if network.Contains(ipn.IP) {
			return ipn.IP.To4()
		}
		if fallback == nil {
			fallback = ipn.IP.To4()
		}
	}
	if fallback != nil {
		return fallback
	}
	return net.IPv4zero.To4()
}

// BuildARPRequest returns a broadcast who-has frame for target
func BuildARPRequest(srcMAC net.HardwareAddr, srcIP, target net.IP) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dhcp.BroadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(srcMAC),
		SourceProtAddress: []byte(srcIP.To4()),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte(target.To4()),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		return nil, fmt.Errorf("failed to serialize ARP request: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseARPReply extracts the sender of an ARP reply
func ParseARPReply(frame []byte) (net.IP, net.HardwareAddr, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || arp.Operation != layers.ARPReply {
		return nil, nil, false
	}
	if len(arp.SourceProtAddress) != 4 || len(arp.SourceHwAddress) != 6 {
		return nil, nil, false
	}
	ip := make(net.IP, 4)
	copy(ip, arp.SourceProtAddress)
	mac := make(net.HardwareAddr, 6)
	copy(mac, arp.SourceHwAddress)
	return ip, mac, true
}

// NormalizeMAC renders a hardware address in the registry's key format
func NormalizeMAC(mac net.HardwareAddr) string {
	return strings.ToUpper(mac.String())
}
