package meshcast

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	ttlPolicyDecrement = "decrement"
	ttlPolicyPreserve  = "preserve"

	frameBufferSize = ethernetHeaderSize + ReadSize

	maxConsecutiveReadErrors = 64
)

type sourceKind int

const (
	sourceWaker sourceKind = iota
	sourceCapture
	sourceTunnel
	sourceTunTap
)

type pollSource struct {
	kind sourceKind
	ri   *RelayInterface
}

// Engine is the relay event loop. It owns a RelayInterfaceSet and multiplexes all of its
// sockets on a single goroutine; only Stop may be called from other goroutines.
type Engine struct {
	set        *RelayInterfaceSet
	classifier *Classifier
	policy     FloodingPolicy
	metrics    *Metrics
	waker      *waker

	meshPort              uint16
	encapsulate           bool
	decrementTTL          bool
	refloodOnArrivalIface bool

	stopped atomic.Bool
	running atomic.Bool

	in  []byte
	out []byte
}

// NewEngine returns an Engine relaying over set. Seen packets are recorded in history, which
// may be swept concurrently; flooding decisions for traffic received over the mesh are taken
// from policy.
func NewEngine(
	set *RelayInterfaceSet,
	history *History,
	policy FloodingPolicy,
	cfg *Config,
	metrics *Metrics,
) (*Engine, error) {
	filters, err := NewFilterTable(cfg.Filters)
	if err != nil {
		return nil, err
	}

	meshPort := cfg.MeshPort
	if meshPort == 0 {
		meshPort = MeshPort
	}

	controlPorts := append([]uint16{meshPort}, cfg.ControlPorts...)

	e := &Engine{
		set:                   set,
		classifier:            NewClassifier(history, filters, controlPorts),
		policy:                policy,
		metrics:               metrics,
		meshPort:              meshPort,
		encapsulate:           cfg.Encapsulate == nil || *cfg.Encapsulate,
		decrementTTL:          !strings.EqualFold(cfg.TTLPolicy, ttlPolicyPreserve),
		refloodOnArrivalIface: cfg.RefloodOnArrivalInterface,
		in:                    make([]byte, frameBufferSize),
		out:                   make([]byte, EnvelopeSize+frameBufferSize),
	}

	e.waker, err = newWaker()
	if err != nil {
		return nil, fmt.Errorf("%w: failed creating waker: %s", ErrEngine, err)
	}

	return e, nil
}

// Run relays frames until Stop is called, then tears down the relay interface set. It blocks
// without timeout waiting for any socket to become readable and handles exactly one frame per
// readable socket per wakeup. Run may only be called once.
func (e *Engine) Run() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: engine already ran", ErrEngine)
	}

	defer func() {
		err := e.waker.Close()
		if err != nil {
			log.Warn().Err(err).Msg("ignoring error closing engine waker")
		}

		e.set.Teardown()
		e.metrics.RelayInterfaces.Set(0)

		log.Info().Msg("relay engine stopped")
	}()

	fds, sources := e.pollSet()

	// consecutive failed reads per descriptor; a link going down fails a read or two and
	// recovers once it is back up
	failures := make([]int, len(fds))

	e.metrics.RelayInterfaces.Set(float64(e.set.Len()))

	log.Info().Int("descriptors", len(fds)).Msg("relay engine running")

	for {
		if e.stopped.Load() {
			return nil
		}

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("%w: poll failed: %s", ErrEngine, err)
		}

		if e.stopped.Load() {
			return nil
		}

		for idx := range fds {
			revents := fds[idx].Revents
			if revents == 0 {
				continue
			}

			if revents&unix.POLLNVAL != 0 {
				log.Warn().
					Str("interface", sources[idx].name()).
					Msg("descriptor is no longer valid, no longer polling it")

				fds[idx].Fd = -1

				continue
			}

			if revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
				continue
			}

			err = e.handle(sources[idx])
			if err == nil || isTransient(err) {
				failures[idx] = 0
			} else {
				failures[idx]++

				e.receiveFailed(sources[idx], err)

				if failures[idx] >= maxConsecutiveReadErrors {
					log.Error().
						Str("interface", sources[idx].name()).
						Int("failures", failures[idx]).
						Msg("reads keep failing, no longer polling descriptor")

					fds[idx].Fd = -1
				}
			}

			if e.stopped.Load() {
				return nil
			}
		}
	}
}

// Stop makes Run return after the frame currently being handled, if any. It is safe to call
// more than once and from any goroutine.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}

	log.Info().Msg("relay engine stop requested")

	err := e.waker.Wake()
	if err != nil {
		log.Warn().Err(err).Msg("failed waking relay engine")
	}
}

func (e *Engine) pollSet() ([]unix.PollFd, []pollSource) {
	fds := []unix.PollFd{{Fd: int32(e.waker.Fd()), Events: unix.POLLIN}}
	sources := []pollSource{{kind: sourceWaker}}

	add := func(fd int, src pollSource) {
		if fd < 0 {
			return
		}

		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		sources = append(sources, src)
	}

	for _, ri := range e.set.interfaces {
		add(ri.capture.Fd(), pollSource{kind: sourceCapture, ri: ri})

		if ri.tunnel != nil {
			add(ri.tunnel.Fd(), pollSource{kind: sourceTunnel, ri: ri})
		}
	}

	if e.set.tunTap != nil {
		add(e.set.tunTap.Fd(), pollSource{kind: sourceTunTap})
	}

	return fds, sources
}

func (s pollSource) name() string {
	switch s.kind {
	case sourceWaker:
		return "waker"
	case sourceTunTap:
		return injectTargetTunTap
	default:
		return s.ri.Name
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) ||
		errors.Is(err, ErrMessage)
}

func (e *Engine) handle(src pollSource) error {
	switch src.kind {
	case sourceWaker:
		e.waker.Drain()

		return nil
	case sourceCapture:
		return e.handleCapture(src.ri)
	case sourceTunnel:
		return e.handleTunnel(src.ri)
	case sourceTunTap:
		return e.handleTunTap()
	}

	return nil
}

func (e *Engine) handleCapture(ri *RelayInterface) error {
	n, outgoing, err := ri.capture.ReadFrame(e.in)
	if err != nil {
		return err
	}

	if outgoing {
		return nil
	}

	e.received(ri, ArrivalLocal)

	action, pkt, reason := e.classifier.Classify(e.in[:n], ArrivalLocal, ri.Broadcast)
	if action == ActionDrop {
		e.dropped(ri, reason)

		return nil
	}

	e.relayLocal(pkt, ri)

	return nil
}

func (e *Engine) handleTunTap() error {
	n, err := e.set.tunTap.ReadFrame(e.in)
	if err != nil {
		return err
	}

	e.metrics.FramesReceived.WithLabelValues(injectTargetTunTap, ArrivalLocal.String()).Inc()

	action, pkt, reason := e.classifier.Classify(e.in[:n], ArrivalLocal, netip.Addr{})
	if action == ActionDrop {
		e.dropped(nil, reason)

		return nil
	}

	e.relayLocal(pkt, nil)

	return nil
}

func (e *Engine) handleTunnel(ri *RelayInterface) error {
	n, from, err := ri.tunnel.ReadDatagram(e.in)
	if err != nil {
		return err
	}

	e.received(ri, ArrivalTunnel)

	if e.set.ownsAddress(from) {
		e.dropped(ri, DropOwnTraffic)

		return nil
	}

	frame := e.in[:n]

	if e.encapsulate {
		_, frame, err = ParseEnvelope(frame)
		if err != nil {
			log.Debug().
				Err(err).
				Str("interface", ri.Name).
				Str("src", from.String()).
				Msg("dropping datagram with bad envelope")

			e.dropped(ri, DropEnvelope)

			return nil
		}
	}

	action, pkt, reason := e.classifier.Classify(frame, ArrivalTunnel, ri.Broadcast)
	if action == ActionDrop {
		e.dropped(ri, reason)

		return nil
	}

	e.deliverLocal(pkt)

	forwarder := e.policy.ResolveMainAddress(from)

	if !e.policy.IsAcceptedRelayFor(forwarder) {
		log.Debug().
			Str("interface", ri.Name).
			Str("forwarder", forwarder.String()).
			Str("dst", pkt.Dst.String()).
			Msg("not a relay for forwarder, delivered locally only")

		return nil
	}

	if !e.prepareForward(pkt, ri) {
		return nil
	}

	exclude := ri
	if e.refloodOnArrivalIface {
		exclude = nil
	}

	e.floodTunnels(pkt, exclude)

	return nil
}

// relayLocal floods a locally originated packet over every tunnel and onto every other
// non-mesh interface. arrival is nil for packets read from the tun/tap device.
func (e *Engine) relayLocal(pkt Packet, arrival *RelayInterface) {
	if !e.prepareForward(pkt, arrival) {
		return
	}

	e.floodTunnels(pkt, nil)

	for _, ri := range e.set.interfaces {
		if ri.Mesh || ri == arrival {
			continue
		}

		e.deliverFrame(ri, pkt)
	}
}

// prepareForward applies the ttl policy to pkt once, before it is fanned out. It reports
// whether the packet may still be forwarded.
func (e *Engine) prepareForward(pkt Packet, arrival *RelayInterface) bool {
	if !e.decrementTTL {
		return true
	}

	err := DecrementTTL(pkt.IP)
	if err != nil {
		log.Debug().
			Err(err).
			Str("src", pkt.Src.String()).
			Str("dst", pkt.Dst.String()).
			Msg("not forwarding packet")

		e.dropped(arrival, DropTTLExpired)

		return false
	}

	return true
}

// floodTunnels sends a copy of pkt's frame, sourced from the egress interface's own hardware
// address, to the broadcast address of every tunnel except exclude's.
func (e *Engine) floodTunnels(pkt Packet, exclude *RelayInterface) {
	for _, ri := range e.set.interfaces {
		if ri.tunnel == nil || ri == exclude {
			continue
		}

		datagram := e.out[:EnvelopeSize+len(pkt.Frame)]
		frame := datagram[EnvelopeSize:]

		copy(frame, pkt.Frame)

		if len(ri.HardwareAddr) == macSize {
			copy(frame[macSize:2*macSize], ri.HardwareAddr)
		}

		payload := frame

		if e.encapsulate {
			Encapsulate(datagram)

			payload = datagram
		}

		n, err := ri.tunnel.WriteDatagram(payload, netip.AddrPortFrom(ri.Broadcast, e.meshPort))
		if err != nil || n != len(payload) {
			e.transmitFailed(ri, n, len(payload), err)

			continue
		}

		ri.Stats.Relayed.Add(1)
		e.metrics.FramesRelayed.WithLabelValues(ri.Name).Inc()
	}
}

// deliverLocal hands pkt to the local ip stack and to every non-mesh interface.
func (e *Engine) deliverLocal(pkt Packet) {
	if e.set.tunTap != nil {
		err := e.set.tunTap.Inject(pkt)
		if err != nil {
			log.Warn().
				Err(err).
				Str("device", e.set.tunTap.Name()).
				Msg("failed injecting packet into tun/tap device")
		} else {
			e.metrics.FramesInjected.WithLabelValues(injectTargetTunTap).Inc()
		}
	}

	for _, ri := range e.set.interfaces {
		if ri.Mesh {
			continue
		}

		e.deliverFrame(ri, pkt)
	}
}

// deliverFrame writes pkt's frame to ri. Subnet directed broadcasts are pointed at ri's own
// broadcast address for the duration of the write.
func (e *Engine) deliverFrame(ri *RelayInterface, pkt Packet) {
	if pkt.DirectedBroadcast && ri.Broadcast.IsValid() && pkt.Dst != ri.Broadcast {
		saved := SaveHeader(pkt.IP)

		RewriteBroadcast(pkt.IP, ri.Broadcast)

		defer RestoreHeader(pkt.IP, saved)
	}

	// frames read back from a tun device carry no source address of their own
	if isZeroHardwareAddr(pkt.Frame[macSize:2*macSize]) && len(ri.HardwareAddr) == macSize {
		copy(pkt.Frame[macSize:2*macSize], ri.HardwareAddr)
		defer clear(pkt.Frame[macSize : 2*macSize])
	}

	n, err := ri.capture.WriteFrame(pkt.Frame)
	if err != nil || n != len(pkt.Frame) {
		e.transmitFailed(ri, n, len(pkt.Frame), err)

		return
	}

	ri.Stats.Injected.Add(1)
	e.metrics.FramesInjected.WithLabelValues(ri.Name).Inc()
}

func (e *Engine) received(ri *RelayInterface, arrival Arrival) {
	ri.Stats.Received.Add(1)
	e.metrics.FramesReceived.WithLabelValues(ri.Name, arrival.String()).Inc()
}

func (e *Engine) dropped(ri *RelayInterface, reason DropReason) {
	if ri != nil && reason == DropDuplicate {
		ri.Stats.Duplicates.Add(1)
	}

	e.metrics.FramesDropped.WithLabelValues(string(reason)).Inc()
}

func (e *Engine) receiveFailed(src pollSource, err error) {
	if src.ri != nil {
		src.ri.Stats.ReceiveErrors.Add(1)
	}

	e.metrics.ReceiveErrors.WithLabelValues(src.name()).Inc()

	log.Warn().Err(err).Str("interface", src.name()).Msg("failed reading frame")
}

func (e *Engine) transmitFailed(ri *RelayInterface, n, want int, err error) {
	ri.Stats.TransmitErrors.Add(1)
	e.metrics.TransmitErrors.WithLabelValues(ri.Name).Inc()

	if err == nil {
		err = fmt.Errorf("%w: short write, wrote %d of %d bytes", ErrMessage, n, want)
	}

	log.Warn().Err(err).Str("interface", ri.Name).Msg("failed transmitting frame")
}
