package meshcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// linuxPlatform opens relay endpoints on linux: AF_PACKET sockets for capture, udp sockets bound
// to a device for the mesh transport and a water tun/tap device.
type linuxPlatform struct{}

func (linuxPlatform) Lookup(nameOrAlias string) (osInterface, error) {
	link, err := linkByNameOrAlias(nameOrAlias)
	if err != nil {
		return osInterface{}, err
	}

	attrs := link.Attrs()

	ifc := osInterface{
		Name:         attrs.Name,
		Index:        attrs.Index,
		HardwareAddr: attrs.HardwareAddr,
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return osInterface{}, fmt.Errorf(
			"%w: failed listing addresses of interface %q: %s", ErrBind, attrs.Name, err,
		)
	}

	for _, addr := range addrs {
		ip4 := addr.IP.To4()
		if ip4 == nil {
			continue
		}

		ones, _ := addr.Mask.Size()

		ifc.Address = netip.PrefixFrom(netip.AddrFrom4([4]byte(ip4)), ones)
		ifc.Broadcast = broadcastAddress(ifc.Address)

		if b := addr.Broadcast.To4(); b != nil && !b.IsUnspecified() {
			ifc.Broadcast = netip.AddrFrom4([4]byte(b))
		}

		break
	}

	return ifc, nil
}

func linkByNameOrAlias(nameOrAlias string) (netlink.Link, error) {
	link, err := netlink.LinkByName(nameOrAlias)
	if err == nil {
		// we found the interface by name, no need to faff about w/ checking aliases
		return link, nil
	}

	log.Debug().
		Str("interface", nameOrAlias).
		Msg("failed looking up interface by name, checking for this interface by aliases...")

	link, err = netlink.LinkByAlias(nameOrAlias)
	if err == nil {
		return link, nil
	}

	links, err := netlink.LinkList()
	if err != nil {
		log.Warn().Err(err).Msg("failed listing interfaces")

		return nil, fmt.Errorf("%w: failed listing interfaces: %s", ErrBind, err)
	}

	for _, l := range links {
		if slices.Contains(l.Attrs().AltNames, nameOrAlias) {
			return l, nil
		}
	}

	return nil, fmt.Errorf(
		"%w: could not find interface name %q as interface name or as alias/altname",
		ErrBind,
		nameOrAlias,
	)
}

// broadcastAddress returns the directed broadcast address of pfx, or the limited broadcast
// address for point to point and host prefixes.
func broadcastAddress(pfx netip.Prefix) netip.Addr {
	if pfx.Bits() >= 31 { //nolint:gomnd
		return limitedBroadcast
	}

	a := pfx.Masked().Addr().As4()

	hostBits := uint(32 - pfx.Bits()) //nolint:gomnd

	for i := 3; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8) //nolint:gomnd
		a[i] |= byte(1<<n - 1)
		hostBits -= n
	}

	return netip.AddrFrom4(a)
}

func (linuxPlatform) OpenCapture(ifc osInterface) (captureEndpoint, error) {
	return openPacketSocket(ifc)
}

func (linuxPlatform) OpenTunnel(ifc osInterface, port uint16) (tunnelEndpoint, error) {
	return openUDPTunnel(ifc, port)
}

func (linuxPlatform) OpenTunTap(cfg TunTap) (tunTapEndpoint, error) {
	return openTunTap(cfg)
}

// packetSocket is a promiscuous AF_PACKET socket bound to a single interface.
type packetSocket struct {
	fd int
}

func openPacketSocket(ifc osInterface) (*packetSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, EthPAll)
	if err != nil {
		return nil, fmt.Errorf("%w: failed opening packet socket: %s", ErrBind, err)
	}

	closeOnError := func(err error, action string) error {
		closeErr := unix.Close(fd)
		if closeErr != nil {
			log.Warn().
				Err(closeErr).
				Str("interface", ifc.Name).
				Msg("failed closing file descriptor after earlier error")
		}

		return fmt.Errorf("%w: failed %s on interface %q: %s", ErrBind, action, ifc.Name, err)
	}

	err = unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: EthPAll, Ifindex: ifc.Index})
	if err != nil {
		return nil, closeOnError(err, "binding packet socket")
	}

	err = unix.SetsockoptPacketMreq(
		fd,
		unix.SOL_PACKET,
		unix.PACKET_ADD_MEMBERSHIP,
		&unix.PacketMreq{Ifindex: int32(ifc.Index), Type: unix.PACKET_MR_PROMISC},
	)
	if err != nil {
		return nil, closeOnError(err, "enabling promiscuous mode")
	}

	err = unix.SetNonblock(fd, true)
	if err != nil {
		return nil, closeOnError(err, "setting packet socket non-blocking")
	}

	return &packetSocket{fd: fd}, nil
}

func (s *packetSocket) Fd() int {
	return s.fd
}

func (s *packetSocket) ReadFrame(buf []byte) (int, bool, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, false, err
	}

	ll, ok := from.(*unix.SockaddrLinklayer)

	return n, ok && ll.Pkttype == unix.PACKET_OUTGOING, nil
}

func (s *packetSocket) WriteFrame(frame []byte) (int, error) {
	return unix.Write(s.fd, frame)
}

func (s *packetSocket) Close() error {
	return unix.Close(s.fd)
}

// udpTunnel is a udp socket bound to a single device on the mesh port. It is read through its
// file descriptor once poll reports it readable and written through the ipv4 packet conn.
type udpTunnel struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	fd   int
}

func openUDPTunnel(ifc osInterface, port uint16) (*udpTunnel, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error

			err := c.Control(func(fd uintptr) {
				sockErr = errors.Join(
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
					unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1),
					unix.BindToDevice(int(fd), ifc.Name),
				)
			})
			if err != nil {
				return err
			}

			return sockErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), UDP4, fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf(
			"%w: failed binding tunnel socket on interface %q port %d: %s",
			ErrBind, ifc.Name, port, err,
		)
	}

	conn, _ := pconn.(*net.UDPConn)

	t := &udpTunnel{
		conn: conn,
		pc:   ipv4.NewPacketConn(conn),
		fd:   -1,
	}

	// tunnel datagrams are for direct neighbors only
	err = t.pc.SetTTL(1)
	if err != nil {
		log.Warn().Err(err).Str("interface", ifc.Name).Msg("failed setting tunnel socket ttl")
	}

	rawConn, err := conn.SyscallConn()
	if err == nil {
		err = rawConn.Control(func(fd uintptr) {
			t.fd = int(fd)
		})
	}

	if err != nil {
		closeErr := conn.Close()
		if closeErr != nil {
			log.Warn().
				Err(closeErr).
				Str("interface", ifc.Name).
				Msg("failed closing tunnel socket after earlier error")
		}

		return nil, fmt.Errorf(
			"%w: failed getting tunnel socket descriptor on interface %q: %s",
			ErrBind, ifc.Name, err,
		)
	}

	return t, nil
}

func (t *udpTunnel) Fd() int {
	return t.fd
}

func (t *udpTunnel) ReadDatagram(buf []byte) (int, netip.Addr, error) {
	n, from, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		return 0, netip.Addr{}, err
	}

	var src netip.Addr

	if sa, ok := from.(*unix.SockaddrInet4); ok {
		src = netip.AddrFrom4(sa.Addr)
	}

	return n, src, nil
}

func (t *udpTunnel) WriteDatagram(b []byte, to netip.AddrPort) (int, error) {
	return t.pc.WriteTo(b, nil, net.UDPAddrFromAddrPort(to))
}

func (t *udpTunnel) Close() error {
	return t.conn.Close()
}
