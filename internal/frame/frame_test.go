package frame

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4Packet(proto, tos uint8, total int) []byte {
	pkt := make([]byte, total)
	pkt[0] = 0x45
	pkt[1] = tos
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:6], 0x1234)
	binary.BigEndian.PutUint16(pkt[6:8], 0x4000) // DF
	pkt[8] = 64
	pkt[9] = proto
	binary.BigEndian.PutUint16(pkt[10:12], 0xBEEF)
	copy(pkt[12:16], []byte{10, 0, 0, 1})
	copy(pkt[16:20], []byte{10, 0, 0, 2})
	return pkt
}

func ethernetFrame(proto uint16, payload []byte) []byte {
	f := make([]byte, 14+len(payload))
	copy(f[0:6], []byte{0x02, 0, 0, 0, 0, 0x02})
	copy(f[6:12], []byte{0x02, 0, 0, 0, 0, 0x01})
	binary.BigEndian.PutUint16(f[12:14], proto)
	copy(f[14:], payload)
	return f
}

func TestDecodeIPv4(t *testing.T) {
	ip, err := DecodeIPv4(ipv4Packet(6, 0, 60))
	require.NoError(t, err)

	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, uint8(5), ip.IHL)
	assert.Equal(t, uint16(60), ip.Length)
	assert.Equal(t, uint16(0x1234), ip.ID)
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, uint8(6), ip.Protocol)
	assert.Equal(t, uint16(0xBEEF), ip.Checksum)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ip.Src)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), ip.Dst)
}

func TestDecodeIPv4Errors(t *testing.T) {
	_, err := DecodeIPv4(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortHeader)

	v6 := make([]byte, 40)
	v6[0] = 0x60
	_, err = DecodeIPv4(v6)
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestDecodeEthernet(t *testing.T) {
	eth, err := DecodeEthernet(ethernetFrame(EtherTypeARP, make([]byte, 28)))
	require.NoError(t, err)
	assert.Equal(t, EtherTypeARP, eth.Proto)
	assert.Equal(t, "02:00:00:00:00:01", eth.Src.String())
	assert.Equal(t, "02:00:00:00:00:02", eth.Dst.String())

	_, err = DecodeEthernet([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		mode Mode
		want Priority
	}{
		{"tun icmp", ipv4Packet(1, 0, 84), ModeTUN, PriorityHigh},
		{"tun bulk tcp", ipv4Packet(6, 0, 1400), ModeTUN, PriorityNormal},
		{"tun small tcp ack", ipv4Packet(6, 0, 52), ModeTUN, PriorityHigh},
		{"tun lowdelay tos", ipv4Packet(17, 0x10, 1000), ModeTUN, PriorityHigh},
		{"tun dscp ef", ipv4Packet(17, 0xB8, 1000), ModeTUN, PriorityHigh},
		{"tun garbage", []byte{0x45, 0}, ModeTUN, PriorityNormal},
		{"tap arp", ethernetFrame(EtherTypeARP, make([]byte, 28)), ModeTAP, PriorityHigh},
		{"tap ipv4 bulk", ethernetFrame(EtherTypeIPv4, ipv4Packet(6, 0, 1400)), ModeTAP, PriorityNormal},
		{"tap ipv4 icmp", ethernetFrame(EtherTypeIPv4, ipv4Packet(1, 0, 84)), ModeTAP, PriorityHigh},
		{"tap ipv6", ethernetFrame(EtherTypeIPv6, make([]byte, 1200)), ModeTAP, PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.buf, tt.mode))
		})
	}
}

func TestClassifyDoesNotMutate(t *testing.T) {
	pkt := ipv4Packet(1, 0, 84)
	orig := append([]byte(nil), pkt...)
	Classify(pkt, ModeTUN)
	assert.Equal(t, orig, pkt)
}

func TestDescribe(t *testing.T) {
	s := Describe(ethernetFrame(EtherTypeIPv4, ipv4Packet(17, 0, 200)), ModeTAP)
	assert.True(t, strings.HasPrefix(s, "ether src=02:00:00:00:00:01"), s)
	assert.Contains(t, s, "10.0.0.1 > 10.0.0.2")
	assert.Contains(t, s, "proto=17")

	s = Describe([]byte{1}, ModeTUN)
	assert.Contains(t, s, "1 bytes")
}
