package meshcast

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Arrival tells where a frame came from.
type Arrival int

const (
	// ArrivalLocal frames were captured on a local interface (or read from the tun/tap device).
	ArrivalLocal Arrival = iota
	// ArrivalTunnel frames were received from a mesh neighbor over the mesh transport.
	ArrivalTunnel
)

func (a Arrival) String() string {
	if a == ArrivalTunnel {
		return "tunnel"
	}

	return "local"
}

// Action is the verdict of the Classifier.
type Action int

const (
	// ActionDrop means the frame is not relayed at all.
	ActionDrop Action = iota
	// ActionInject means the frame arrived over the mesh and is to be delivered locally, and,
	// policy permitting, flooded on.
	ActionInject
	// ActionRelay means the frame was captured locally and is to be flooded over the mesh.
	ActionRelay
)

// DropReason says why a frame was dropped.
type DropReason string

// Drop reasons, also used as metric label values.
const (
	DropNone        DropReason = ""
	DropNotIP       DropReason = "not-ip"
	DropMalformed   DropReason = "malformed"
	DropUnicast     DropReason = "unicast"
	DropControlPort DropReason = "control-port"
	DropFiltered    DropReason = "filtered"
	DropFragment    DropReason = "fragment"
	DropDuplicate   DropReason = "duplicate"
	DropTTLExpired  DropReason = "ttl-expired"
	DropEnvelope    DropReason = "envelope"
	DropOwnTraffic  DropReason = "own-traffic"
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255}) //nolint:gochecknoglobals

// Packet is a frame that survived classification.
type Packet struct {
	// Frame is the whole ethernet frame.
	Frame []byte
	// IP is the ip packet within Frame, without any link layer padding.
	IP []byte
	// IPOffset is the offset of IP within Frame.
	IPOffset int
	// Version is the ip version, 4 or 6.
	Version  int
	Src      netip.Addr
	Dst      netip.Addr
	Protocol layers.IPProtocol
	// SrcPort and DstPort are zero unless the packet is udp.
	SrcPort uint16
	DstPort uint16
	// Fingerprint is the duplicate detection hash of IP.
	Fingerprint uint32
	// DirectedBroadcast is set for IPv4 packets to a subnet broadcast address, which is
	// rewritten to each egress interface's own broadcast address on delivery.
	DirectedBroadcast bool
}

// Classifier decides whether a frame is eligible for relay. It keeps decoding state between
// calls and so belongs to a single goroutine.
type Classifier struct {
	history      *History
	filters      *FilterTable
	controlPorts map[uint16]struct{}

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
}

// NewClassifier returns a Classifier recording seen packets in history. Udp traffic to or from
// any of controlPorts is never relayed.
func NewClassifier(history *History, filters *FilterTable, controlPorts []uint16) *Classifier {
	c := &Classifier{
		history:      history,
		filters:      filters,
		controlPorts: make(map[uint16]struct{}, len(controlPorts)),
		decoded:      make([]gopacket.LayerType, 0, 8), //nolint:gomnd
	}

	for _, port := range controlPorts {
		c.controlPorts[port] = struct{}{}
	}

	c.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&c.eth, &c.dot1q, &c.ip4, &c.ip6, &c.udp,
	)
	c.parser.IgnoreUnsupported = true

	return c
}

// Classify decides what to do with frame. localBroadcast is the broadcast address of the
// interface a locally captured frame arrived on, if it has one. A frame that is not dropped is
// marked as seen in the duplicate history.
func (c *Classifier) Classify(
	frame []byte,
	arrival Arrival,
	localBroadcast netip.Addr,
) (Action, Packet, DropReason) {
	pkt, reason := c.decode(frame)
	if reason != DropNone {
		return ActionDrop, Packet{}, reason
	}

	if arrival == ArrivalLocal && !isFloodDestination(pkt.Dst, localBroadcast) {
		return ActionDrop, Packet{}, DropUnicast
	}

	if pkt.Protocol == layers.IPProtocolUDP {
		if c.isControlPort(pkt.SrcPort) || c.isControlPort(pkt.DstPort) {
			return ActionDrop, Packet{}, DropControlPort
		}
	}

	if !c.filters.Allows(pkt.Dst, pkt.DstPort) {
		return ActionDrop, Packet{}, DropFiltered
	}

	if c.isFragment(pkt.Version) {
		return ActionDrop, Packet{}, DropFragment
	}

	pkt.Fingerprint = Fingerprint(pkt.IP)
	pkt.DirectedBroadcast = isDirectedBroadcast(pkt.Dst, localBroadcast)

	if c.history.MarkAndCheck(pkt.Fingerprint) {
		return ActionDrop, Packet{}, DropDuplicate
	}

	if arrival == ArrivalTunnel {
		return ActionInject, pkt, DropNone
	}

	return ActionRelay, pkt, DropNone
}

func (c *Classifier) decode(frame []byte) (Packet, DropReason) {
	err := c.parser.DecodeLayers(frame, &c.decoded)

	pkt := Packet{Frame: frame, IPOffset: ethernetHeaderSize}

	var ipLength int

	for _, layerType := range c.decoded {
		switch layerType {
		case layers.LayerTypeDot1Q:
			pkt.IPOffset += dot1QHeaderSize
		case layers.LayerTypeIPv4:
			pkt.Version = 4
			pkt.Src, _ = netip.AddrFromSlice(c.ip4.SrcIP)
			pkt.Dst, _ = netip.AddrFromSlice(c.ip4.DstIP)
			pkt.Protocol = c.ip4.Protocol
			ipLength = int(c.ip4.Length)
		case layers.LayerTypeIPv6:
			pkt.Version = 6
			pkt.Src, _ = netip.AddrFromSlice(c.ip6.SrcIP)
			pkt.Dst, _ = netip.AddrFromSlice(c.ip6.DstIP)
			pkt.Protocol = c.ip6.NextHeader
			ipLength = ipv6HeaderSize + int(c.ip6.Length)
		case layers.LayerTypeUDP:
			pkt.SrcPort = uint16(c.udp.SrcPort)
			pkt.DstPort = uint16(c.udp.DstPort)
		}
	}

	if pkt.Version == 0 {
		if err != nil {
			return Packet{}, DropMalformed
		}

		return Packet{}, DropNotIP
	}

	if err != nil || pkt.IPOffset+ipLength > len(frame) {
		return Packet{}, DropMalformed
	}

	pkt.Src = pkt.Src.Unmap()
	pkt.Dst = pkt.Dst.Unmap()
	pkt.IP = frame[pkt.IPOffset : pkt.IPOffset+ipLength]

	return pkt, DropNone
}

func (c *Classifier) isControlPort(port uint16) bool {
	_, ok := c.controlPorts[port]

	return ok
}

func (c *Classifier) isFragment(version int) bool {
	if version == 4 { //nolint:gomnd
		return c.ip4.Flags&layers.IPv4MoreFragments != 0 || c.ip4.FragOffset != 0
	}

	return c.ip6.NextHeader == layers.IPProtocolIPv6Fragment
}

func isFloodDestination(dst, localBroadcast netip.Addr) bool {
	if dst.IsMulticast() || dst == limitedBroadcast {
		return true
	}

	return localBroadcast.IsValid() && dst == localBroadcast
}

// isDirectedBroadcast reports whether dst is localBroadcast or the last address of a /24 or wider
// ipv4 prefix. Broadcasts of narrower subnets elsewhere in the mesh are indistinguishable from
// unicast and are left alone.
func isDirectedBroadcast(dst, localBroadcast netip.Addr) bool {
	if !dst.Is4() || dst.IsMulticast() || dst == limitedBroadcast {
		return false
	}

	if localBroadcast.IsValid() && dst == localBroadcast {
		return true
	}

	return dst.As4()[3] == 0xff //nolint:gomnd
}
