package meshcast

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// captureEndpoint is a promiscuous link layer socket on a single interface.
type captureEndpoint interface {
	Fd() int
	// ReadFrame reads one frame; outgoing is set for frames this host transmitted itself.
	ReadFrame(buf []byte) (n int, outgoing bool, err error)
	WriteFrame(frame []byte) (int, error)
	Close() error
}

// tunnelEndpoint is a udp socket bound to a single mesh interface on the mesh port.
type tunnelEndpoint interface {
	Fd() int
	ReadDatagram(buf []byte) (n int, from netip.Addr, err error)
	WriteDatagram(b []byte, to netip.AddrPort) (int, error)
	Close() error
}

// tunTapEndpoint is the pseudo-device relayed traffic is injected into the local ip stack
// through. Fd returns -1 if the device cannot be polled.
type tunTapEndpoint interface {
	Fd() int
	Name() string
	// ReadFrame reads one packet sent by a local application, always returned as an ethernet
	// frame.
	ReadFrame(buf []byte) (int, error)
	// Inject hands pkt to the local ip stack.
	Inject(pkt Packet) error
	Close() error
}

// InterfaceStats are the per interface counters.
type InterfaceStats struct {
	Received       atomic.Uint64
	Duplicates     atomic.Uint64
	Relayed        atomic.Uint64
	Injected       atomic.Uint64
	TransmitErrors atomic.Uint64
	ReceiveErrors  atomic.Uint64
}

// RelayInterface is a local interface meshcast relays on, with the sockets it owns on it.
type RelayInterface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
	Address      netip.Prefix
	Broadcast    netip.Addr
	// Mesh is set for interfaces managed by the routing daemon; only those have a tunnel
	// endpoint.
	Mesh bool

	Stats InterfaceStats

	capture captureEndpoint
	tunnel  tunnelEndpoint

	closeOnce sync.Once
}

// HasTunnel reports whether encapsulated frames can be exchanged over this interface.
func (ri *RelayInterface) HasTunnel() bool {
	return ri.tunnel != nil
}

func (ri *RelayInterface) close() {
	ri.closeOnce.Do(func() {
		log.Debug().Str("interface", ri.Name).Msg("closing relay interface endpoints")

		if ri.capture != nil {
			err := ri.capture.Close()
			if err != nil {
				log.Warn().
					Err(err).
					Str("interface", ri.Name).
					Msg("ignoring error closing capture endpoint")
			}
		}

		if ri.tunnel != nil {
			err := ri.tunnel.Close()
			if err != nil {
				log.Warn().
					Err(err).
					Str("interface", ri.Name).
					Msg("ignoring error closing tunnel endpoint")
			}
		}
	})
}

// RelayInterfaceSet is the set of relay interfaces along with the tun/tap device; it is owned by
// a single engine.
type RelayInterfaceSet struct {
	interfaces []*RelayInterface
	tunTap     tunTapEndpoint

	teardownOnce sync.Once
}

// Interfaces returns the relay interfaces in enumeration order.
func (s *RelayInterfaceSet) Interfaces() []*RelayInterface {
	return s.interfaces
}

// Len returns the number of relay interfaces.
func (s *RelayInterfaceSet) Len() int {
	return len(s.interfaces)
}

// ownsAddress reports whether addr is the address of one of the relay interfaces.
func (s *RelayInterfaceSet) ownsAddress(addr netip.Addr) bool {
	for _, ri := range s.interfaces {
		if ri.Address.IsValid() && ri.Address.Addr() == addr {
			return true
		}
	}

	return false
}

// Teardown closes every socket and the tun/tap device. It is safe to call more than once; only
// the first call does anything.
func (s *RelayInterfaceSet) Teardown() {
	s.teardownOnce.Do(func() {
		log.Info().Int("interfaces", len(s.interfaces)).Msg("tearing down relay interfaces")

		for _, ri := range s.interfaces {
			ri.close()
		}

		if s.tunTap != nil {
			err := s.tunTap.Close()
			if err != nil {
				log.Warn().
					Err(err).
					Str("device", s.tunTap.Name()).
					Msg("ignoring error closing tun/tap device")
			}
		}
	})
}
