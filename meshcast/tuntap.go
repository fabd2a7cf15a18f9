package meshcast

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	tunTapTypeTun = "tun"
	tunTapTypeTap = "tap"
)

// waterTunTap is the tun/tap device relayed packets are injected into the local ip stack
// through. Local applications sending multicast through it are read back from it.
type waterTunTap struct {
	ifce *water.Interface
	name string
	tap  bool
	fd   int

	// rpFilter is the rp_filter value of the device before it was disabled, empty if it was
	// never changed.
	rpFilter string
}

func openTunTap(cfg TunTap) (*waterTunTap, error) {
	name := cfg.Name
	if name == "" {
		name = TunTapName
	}

	waterConfig := water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	}

	switch strings.ToLower(cfg.Type) {
	case tunTapTypeTun, "":
	case tunTapTypeTap:
		waterConfig.DeviceType = water.TAP
	default:
		return nil, fmt.Errorf("%w: unknown device type %q", ErrTunTap, cfg.Type)
	}

	ifce, err := water.New(waterConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed creating device %q: %s", ErrTunTap, name, err)
	}

	t := &waterTunTap{
		ifce: ifce,
		name: ifce.Name(),
		tap:  ifce.IsTAP(),
		fd:   -1,
	}

	err = t.configure(cfg)
	if err != nil {
		closeErr := t.Close()
		if closeErr != nil {
			log.Warn().
				Err(closeErr).
				Str("device", t.name).
				Msg("failed closing tun/tap device after earlier error")
		}

		return nil, err
	}

	log.Info().Str("device", t.name).Bool("tap", t.tap).Msg("tun/tap device ready")

	return t, nil
}

func (t *waterTunTap) configure(cfg TunTap) error {
	sc, ok := t.ifce.ReadWriteCloser.(syscall.Conn)
	if ok {
		rawConn, err := sc.SyscallConn()
		if err == nil {
			err = rawConn.Control(func(fd uintptr) {
				t.fd = int(fd)
			})
		}

		if err == nil {
			err = unix.SetNonblock(t.fd, true)
		}

		if err != nil {
			log.Warn().
				Err(err).
				Str("device", t.name).
				Msg("tun/tap device cannot be polled, local traffic will not be read back")

			t.fd = -1
		}
	}

	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("%w: failed looking up device %q: %s", ErrTunTap, t.name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("%w: failed listing addresses of %q: %s", ErrTunTap, t.name, err)
	}

	if len(addrs) == 0 {
		address := cfg.Address
		if address == "" {
			address = TunTapAddress
		}

		addr, parseErr := netlink.ParseAddr(address)
		if parseErr != nil {
			return fmt.Errorf("%w: invalid device address %q: %s", ErrTunTap, address, parseErr)
		}

		err = netlink.AddrAdd(link, addr)
		if err != nil {
			return fmt.Errorf(
				"%w: failed assigning %q to %q: %s", ErrTunTap, address, t.name, err,
			)
		}
	}

	err = netlink.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("%w: failed bringing up %q: %s", ErrTunTap, t.name, err)
	}

	if cfg.RouteMulticast {
		dst, _ := netlink.ParseIPNet(multicastRoute)

		err = netlink.RouteReplace(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst})
		if err != nil {
			return fmt.Errorf(
				"%w: failed routing %s through %q: %s", ErrTunTap, multicastRoute, t.name, err,
			)
		}
	}

	t.rpFilter, err = setRPFilter(t.name, "0")
	if err != nil {
		// not fatal, injected traffic may be dropped by the kernel's reverse path check
		log.Warn().Err(err).Str("device", t.name).Msg("failed disabling rp_filter")
	}

	return nil
}

// setRPFilter writes value to the rp_filter setting of device, returning the previous value.
func setRPFilter(device, value string) (string, error) {
	path := fmt.Sprintf(rpFilterPath, device)

	prev, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	err = os.WriteFile(path, []byte(value), 0o644) //nolint:gosec,gomnd
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSpace(prev)), nil
}

func (t *waterTunTap) Fd() int {
	return t.fd
}

func (t *waterTunTap) Name() string {
	return t.name
}

// ReadFrame reads one packet from the device. Packets read from a tun device are given an
// ethernet header addressed to the multicast (or broadcast) mac of their destination.
func (t *waterTunTap) ReadFrame(buf []byte) (int, error) {
	if t.tap {
		return t.read(buf)
	}

	n, err := t.read(buf[ethernetHeaderSize:])
	if err != nil {
		return 0, err
	}

	err = writeSyntheticEthernetHeader(
		buf[:ethernetHeaderSize],
		buf[ethernetHeaderSize:ethernetHeaderSize+n],
	)
	if err != nil {
		return 0, err
	}

	return ethernetHeaderSize + n, nil
}

func (t *waterTunTap) read(buf []byte) (int, error) {
	if t.fd >= 0 {
		return unix.Read(t.fd, buf)
	}

	return t.ifce.Read(buf)
}

// Inject writes pkt to the device, as an ip packet to a tun device or as a frame to a tap
// device.
func (t *waterTunTap) Inject(pkt Packet) error {
	b := pkt.IP
	if t.tap {
		b = pkt.Frame
	}

	var (
		n   int
		err error
	)

	if t.fd >= 0 {
		n, err = unix.Write(t.fd, b)
	} else {
		n, err = t.ifce.Write(b)
	}

	if err != nil {
		return err
	}

	if n != len(b) {
		return fmt.Errorf("%w: short write, wrote %d of %d bytes", ErrMessage, n, len(b))
	}

	return nil
}

func (t *waterTunTap) Close() error {
	var errs []error

	if t.rpFilter != "" {
		_, err := setRPFilter(t.name, t.rpFilter)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed restoring rp_filter: %w", err))
		}

		t.rpFilter = ""
	}

	err := t.ifce.Close()
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func writeSyntheticEthernetHeader(header, ip []byte) error {
	if len(ip) == 0 {
		return fmt.Errorf("%w: empty packet read from tun device", ErrMessage)
	}

	var (
		dst       net.HardwareAddr
		etherType uint16
	)

	switch ip[0] >> 4 { //nolint:gomnd
	case 4: //nolint:gomnd
		if len(ip) < ipv4DstOffset+4 {
			return fmt.Errorf("%w: short ipv4 packet read from tun device", ErrMessage)
		}

		dst = MulticastMAC(netip.AddrFrom4([4]byte(ip[ipv4DstOffset : ipv4DstOffset+4])))
		etherType = unix.ETH_P_IP
	case 6: //nolint:gomnd
		if len(ip) < ipv6HeaderSize {
			return fmt.Errorf("%w: short ipv6 packet read from tun device", ErrMessage)
		}

		dst = MulticastMAC(netip.AddrFrom16([16]byte(ip[ipv6DstOffset:ipv6HeaderSize])))
		etherType = unix.ETH_P_IPV6
	default:
		return fmt.Errorf("%w: unknown ip version read from tun device", ErrMessage)
	}

	copy(header[0:macSize], dst)
	clear(header[macSize : 2*macSize])
	binary.BigEndian.PutUint16(header[2*macSize:], etherType)

	return nil
}

// MulticastMAC returns the ethernet destination address frames to dst are sent to: the mapped
// group address for multicast destinations and the broadcast address otherwise.
func MulticastMAC(dst netip.Addr) net.HardwareAddr {
	switch {
	case dst.Is4() && dst.IsMulticast():
		a := dst.As4()

		return net.HardwareAddr{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]} //nolint:gomnd
	case dst.Is6() && dst.IsMulticast():
		a := dst.As16()

		return net.HardwareAddr{0x33, 0x33, a[12], a[13], a[14], a[15]} //nolint:gomnd
	default:
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
}
