package meshcast

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
)

type testFrame struct {
	src     string
	dst     string
	ttl     uint8
	srcPort uint16
	dstPort uint16
	payload string
	vlan    bool
	flags   layers.IPv4Flag
	offset  uint16
	srcMAC  net.HardwareAddr
}

func (f testFrame) withDefaults() testFrame {
	if f.src == "" {
		f.src = "192.168.1.10"
	}

	if f.dst == "" {
		f.dst = "239.1.2.3"
	}

	if f.ttl == 0 {
		f.ttl = 5
	}

	if f.srcPort == 0 {
		f.srcPort = 40000
	}

	if f.dstPort == 0 {
		f.dstPort = 5353
	}

	if f.payload == "" {
		f.payload = "hello mesh"
	}

	if f.srcMAC == nil {
		f.srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	}

	return f
}

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()

	err := gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		l...,
	)
	if err != nil {
		t.Fatalf("failed serializing test frame: %s", err)
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())

	return out
}

func buildIPv4Frame(t *testing.T, f testFrame) []byte {
	t.Helper()

	f = f.withDefaults()

	dst := netip.MustParseAddr(f.dst)

	eth := &layers.Ethernet{
		SrcMAC:       f.srcMAC,
		DstMAC:       MulticastMAC(dst),
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        f.ttl,
		Protocol:   layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(f.src).To4(),
		DstIP:      net.ParseIP(f.dst).To4(),
		Flags:      f.flags,
		FragOffset: f.offset,
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.srcPort),
		DstPort: layers.UDPPort(f.dstPort),
	}

	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		t.Fatalf("failed setting network layer for checksum: %s", err)
	}

	if f.vlan {
		eth.EthernetType = layers.EthernetTypeDot1Q

		dot1q := &layers.Dot1Q{VLANIdentifier: 10, Type: layers.EthernetTypeIPv4}

		return serialize(t, eth, dot1q, ip, udp, gopacket.Payload(f.payload))
	}

	return serialize(t, eth, ip, udp, gopacket.Payload(f.payload))
}

func buildIPv6Frame(t *testing.T, f testFrame) []byte {
	t.Helper()

	if f.src == "" {
		f.src = "fd00::10"
	}

	if f.dst == "" {
		f.dst = "ff02::fb"
	}

	f = f.withDefaults()

	eth := &layers.Ethernet{
		SrcMAC:       f.srcMAC,
		DstMAC:       MulticastMAC(netip.MustParseAddr(f.dst)),
		EthernetType: layers.EthernetTypeIPv6,
	}

	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   f.ttl,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(f.src),
		DstIP:      net.ParseIP(f.dst),
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.srcPort),
		DstPort: layers.UDPPort(f.dstPort),
	}

	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		t.Fatalf("failed setting network layer for checksum: %s", err)
	}

	return serialize(t, eth, ip, udp, gopacket.Payload(f.payload))
}

func buildARPFrame(t *testing.T) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x10},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x10},
		SourceProtAddress: []byte{192, 168, 1, 10},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 1},
	}

	return serialize(t, eth, arp)
}

// decodeIPv4 decodes the ipv4 and udp layers of a frame for assertions.
func decodeIPv4(t *testing.T, frame []byte) (*layers.IPv4, *layers.UDP) {
	t.Helper()

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatalf("frame carries no ipv4 layer")
	}

	udpLayer, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)

	return ipLayer, udpLayer
}

func ipv4Offset(frame []byte) int {
	if frame[12] == 0x81 && frame[13] == 0x00 {
		return ethernetHeaderSize + dot1QHeaderSize
	}

	return ethernetHeaderSize
}

var errFakeWrite = errors.New("fake write failure")

type fakeCapture struct {
	frames   [][]byte
	outgoing []bool
	written  [][]byte
	writeErr error
	closed   int
}

func (f *fakeCapture) Fd() int {
	return -1
}

func (f *fakeCapture) ReadFrame(buf []byte) (int, bool, error) {
	if len(f.frames) == 0 {
		return 0, false, errors.New("no frame queued")
	}

	n := copy(buf, f.frames[0])
	f.frames = f.frames[1:]

	var outgoing bool

	if len(f.outgoing) > 0 {
		outgoing = f.outgoing[0]
		f.outgoing = f.outgoing[1:]
	}

	return n, outgoing, nil
}

func (f *fakeCapture) WriteFrame(frame []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}

	f.written = append(f.written, append([]byte(nil), frame...))

	return len(frame), nil
}

func (f *fakeCapture) Close() error {
	f.closed++

	return nil
}

type datagram struct {
	payload []byte
	addr    netip.AddrPort
}

type fakeTunnel struct {
	inbound []datagram
	sent    []datagram
	closed  int
}

func (f *fakeTunnel) Fd() int {
	return -1
}

func (f *fakeTunnel) ReadDatagram(buf []byte) (int, netip.Addr, error) {
	if len(f.inbound) == 0 {
		return 0, netip.Addr{}, errors.New("no datagram queued")
	}

	d := f.inbound[0]
	f.inbound = f.inbound[1:]

	return copy(buf, d.payload), d.addr.Addr(), nil
}

func (f *fakeTunnel) WriteDatagram(b []byte, to netip.AddrPort) (int, error) {
	f.sent = append(f.sent, datagram{payload: append([]byte(nil), b...), addr: to})

	return len(b), nil
}

func (f *fakeTunnel) Close() error {
	f.closed++

	return nil
}

type fakeTunTap struct {
	name     string
	reads    [][]byte
	injected [][]byte
	closed   int
}

func (f *fakeTunTap) Fd() int {
	return -1
}

func (f *fakeTunTap) Name() string {
	return f.name
}

func (f *fakeTunTap) ReadFrame(buf []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, errors.New("no frame queued")
	}

	n := copy(buf, f.reads[0])
	f.reads = f.reads[1:]

	return n, nil
}

func (f *fakeTunTap) Inject(pkt Packet) error {
	f.injected = append(f.injected, append([]byte(nil), pkt.IP...))

	return nil
}

func (f *fakeTunTap) Close() error {
	f.closed++

	return nil
}

type fakePlatform struct {
	interfaces map[string]osInterface
	captureErr map[string]error
	tunnelErr  map[string]error
	tunTapErr  error

	captures map[string]*fakeCapture
	tunnels  map[string]*fakeTunnel
	tunTap   *fakeTunTap
}

func newFakePlatform(ifcs ...osInterface) *fakePlatform {
	p := &fakePlatform{
		interfaces: map[string]osInterface{},
		captureErr: map[string]error{},
		tunnelErr:  map[string]error{},
		captures:   map[string]*fakeCapture{},
		tunnels:    map[string]*fakeTunnel{},
	}

	for _, ifc := range ifcs {
		p.interfaces[ifc.Name] = ifc
	}

	return p
}

func (p *fakePlatform) Lookup(nameOrAlias string) (osInterface, error) {
	ifc, ok := p.interfaces[nameOrAlias]
	if !ok {
		return osInterface{}, ErrBind
	}

	return ifc, nil
}

func (p *fakePlatform) OpenCapture(ifc osInterface) (captureEndpoint, error) {
	if err := p.captureErr[ifc.Name]; err != nil {
		return nil, err
	}

	c := &fakeCapture{}
	p.captures[ifc.Name] = c

	return c, nil
}

func (p *fakePlatform) OpenTunnel(ifc osInterface, _ uint16) (tunnelEndpoint, error) {
	if err := p.tunnelErr[ifc.Name]; err != nil {
		return nil, err
	}

	t := &fakeTunnel{}
	p.tunnels[ifc.Name] = t

	return t, nil
}

func (p *fakePlatform) OpenTunTap(cfg TunTap) (tunTapEndpoint, error) {
	if p.tunTapErr != nil {
		return nil, p.tunTapErr
	}

	p.tunTap = &fakeTunTap{name: cfg.Name}

	return p.tunTap, nil
}

func testInterface(name string, index int, address string) osInterface {
	pfx := netip.MustParsePrefix(address)

	return osInterface{
		Name:         name,
		Index:        index,
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, byte(index)},
		Address:      pfx,
		Broadcast:    broadcastAddress(pfx),
	}
}

func newTestConfig(t *testing.T, yaml string) *Config {
	t.Helper()

	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("failed parsing test config: %s", err)
	}

	return cfg
}

func newTestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	return NewMetrics(reg), reg
}
