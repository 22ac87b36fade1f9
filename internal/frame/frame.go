// Package frame decodes just enough of the Ethernet and IPv4 headers of a
// packet read from the TUN/TAP device to classify it and to print it.
//
// Nothing here mutates the packet or reads past the IPv4 header.
package frame

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
	EtherTypeARP  uint16 = 0x0806

	ethernetHeaderLen = 14
	ipv4MinHeaderLen  = 20
)

var (
	ErrShortHeader = errors.New("frame: insufficient header bytes")
	ErrNotIPv4     = errors.New("frame: not an IPv4 packet")
)

// Mode tells whether device frames carry an Ethernet header (TAP) or start
// directly with the IP header (TUN).
type Mode int

const (
	ModeTUN Mode = iota
	ModeTAP
)

func (m Mode) String() string {
	if m == ModeTAP {
		return "tap"
	}
	return "tun"
}

type Ethernet struct {
	Dst   net.HardwareAddr
	Src   net.HardwareAddr
	Proto uint16
}

type IPv4 struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	Length     uint16
	ID         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	Src        netip.Addr
	Dst        netip.Addr
}

// DecodeEthernet decodes the 14-byte Ethernet header at the start of b.
func DecodeEthernet(b []byte) (Ethernet, error) {
	if len(b) < ethernetHeaderLen {
		return Ethernet{}, ErrShortHeader
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(b[:ethernetHeaderLen], gopacket.NilDecodeFeedback); err != nil {
		return Ethernet{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
	}
	return Ethernet{
		Dst:   eth.DstMAC,
		Src:   eth.SrcMAC,
		Proto: uint16(eth.EthernetType),
	}, nil
}

// DecodeIPv4 decodes the IPv4 header at the start of b.
func DecodeIPv4(b []byte) (IPv4, error) {
	if len(b) < ipv4MinHeaderLen {
		return IPv4{}, ErrShortHeader
	}
	if b[0]>>4 != 4 {
		return IPv4{}, ErrNotIPv4
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return IPv4{}, fmt.Errorf("%w: %v", ErrShortHeader, err)
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	return IPv4{
		Version:    ip.Version,
		IHL:        ip.IHL,
		TOS:        ip.TOS,
		Length:     ip.Length,
		ID:         ip.Id,
		Flags:      uint8(ip.Flags),
		FragOffset: ip.FragOffset,
		TTL:        ip.TTL,
		Protocol:   uint8(ip.Protocol),
		Checksum:   ip.Checksum,
		Src:        src,
		Dst:        dst,
	}, nil
}

// ipv4Header returns the bytes starting at the IPv4 header for the given mode.
func ipv4Header(b []byte, mode Mode) ([]byte, *Ethernet, error) {
	if mode == ModeTUN {
		return b, nil, nil
	}
	eth, err := DecodeEthernet(b)
	if err != nil {
		return nil, nil, err
	}
	if eth.Proto != EtherTypeIPv4 {
		return nil, &eth, ErrNotIPv4
	}
	return b[ethernetHeaderLen:], &eth, nil
}

func (e Ethernet) String() string {
	return fmt.Sprintf("ether src=%s dst=%s proto=0x%04x", e.Src, e.Dst, e.Proto)
}

func (ip IPv4) String() string {
	return fmt.Sprintf("ipv4 %s > %s proto=%d tos=0x%02x len=%d id=%d frag=0x%x/%d ttl=%d csum=0x%04x",
		ip.Src, ip.Dst, ip.Protocol, ip.TOS, ip.Length, ip.ID, ip.Flags, ip.FragOffset, ip.TTL, ip.Checksum)
}

// Describe renders a one-line diagnostic description of a device frame.
func Describe(b []byte, mode Mode) string {
	hdr, eth, err := ipv4Header(b, mode)
	prefix := ""
	if eth != nil {
		prefix = eth.String() + " "
	}
	if err != nil {
		return fmt.Sprintf("%s(%d bytes, %v)", prefix, len(b), err)
	}
	ip, err := DecodeIPv4(hdr)
	if err != nil {
		return fmt.Sprintf("%s(%d bytes, %v)", prefix, len(b), err)
	}
	return prefix + ip.String()
}
