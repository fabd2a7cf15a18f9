package meshcast

import "time"

const (
	// Version is the version of meshcast, set w/ build flags in ci; only useful/relevant for cli.
	Version = "0.0.0"
)

const (
	// EthPAll is the already bit-shifted value of syscall.ETH_P_ALL.
	EthPAll = 768

	// UDP4 is the network name used for mesh transport sockets.
	UDP4 = "udp4"

	// MeshPort is the default mesh transport port encapsulated frames are sent to.
	MeshPort = 50698

	// RoutingControlPort is the well-known port of the mesh routing daemon; its own control
	// traffic must never be relayed.
	RoutingControlPort = 698

	// ReadSize is the size of the buffer a single frame is read into.
	ReadSize = 65_535

	// EnvelopeSize is the size of the envelope prepended to frames carried over the mesh
	// transport.
	EnvelopeSize = 8

	// EnvelopeTypeFrame is the only envelope type: a raw ethernet frame follows.
	EnvelopeTypeFrame = 1

	// HistorySlots is the default number of duplicate history slots.
	HistorySlots = 1 << 16

	// SweepInterval is the default period of the duplicate history aging sweep.
	SweepInterval = 3 * time.Second

	// TunTapName is the default name of the tun/tap pseudo-device.
	TunTapName = "mc0"

	// TunTapAddress is assigned to the tun/tap device when it has no IPv4 address of its own.
	TunTapAddress = "10.255.255.253/32"

	// MetricsNamespace prefixes every exported metric.
	MetricsNamespace = "meshcast"
)

const (
	ethernetHeaderSize = 14
	dot1QHeaderSize    = 4
	macSize            = 6

	ipv4TTLOffset      = 8
	ipv4ChecksumOffset = 10
	ipv4DstOffset      = 16
	ipv6HopLimitOffset = 7
	ipv6DstOffset      = 24
	ipv6HeaderSize     = 40
	udpHeaderSize      = 8
	udpChecksumOffset  = 6

	multicastRoute = "224.0.0.0/4"

	rpFilterPath = "/proc/sys/net/ipv4/conf/%s/rp_filter"
)
