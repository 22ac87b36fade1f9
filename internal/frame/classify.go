package frame

// Priority of an outgoing frame on its tunnel.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

const (
	protoICMP = 1

	tosLowDelay = 0x10
	dscpEF      = 0xB8

	// SmallPacketLen is the IPv4 total length at or below which a packet is
	// considered control-like (bare ACKs, DNS queries, VoIP frames).
	SmallPacketLen = 100
)

// Classify decides whether a device frame goes to the high-priority queue.
// Frames that cannot be decoded are normal priority.
func Classify(b []byte, mode Mode) Priority {
	hdr, eth, err := ipv4Header(b, mode)
	if err != nil {
		if eth != nil && eth.Proto == EtherTypeARP {
			return PriorityHigh
		}
		return PriorityNormal
	}
	ip, err := DecodeIPv4(hdr)
	if err != nil {
		return PriorityNormal
	}
	switch {
	case ip.Protocol == protoICMP:
		return PriorityHigh
	case ip.TOS&tosLowDelay != 0, ip.TOS&0xFC == dscpEF:
		return PriorityHigh
	case ip.Length <= SmallPacketLen:
		return PriorityHigh
	}
	return PriorityNormal
}
