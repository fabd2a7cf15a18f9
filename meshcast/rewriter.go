package meshcast

import (
	"encoding/binary"
	"net/netip"
)

// SavedHeader is a snapshot of the header fields a relay pass may mutate in place.
type SavedHeader struct {
	version     byte
	ttl         byte
	checksum    uint16
	dst         [4]byte
	udpOffset   int
	udpChecksum uint16
}

// NetChecksum computes the one's complement checksum over data, used for IP and UDP checksums.
func NetChecksum(data []byte) uint16 {
	return ^foldChecksum(sumWords(0, data))
}

func sumWords(sum uint32, data []byte) uint32 {
	length := len(data)

	for i := 0; i+1 < length; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}

	if length%2 != 0 {
		sum += uint32(data[length-1]) << 8 //nolint:gomnd
	}

	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16) //nolint:gomnd
	}

	return uint16(sum)
}

// IPv4HeaderChecksum computes the header checksum of the IPv4 packet from scratch, treating the
// checksum field as zero.
func IPv4HeaderChecksum(packet []byte) uint16 {
	ihl := int(packet[0]&0x0f) * 4 //nolint:gomnd

	sum := sumWords(0, packet[:ipv4ChecksumOffset])
	sum = sumWords(sum, packet[ipv4ChecksumOffset+2:ihl])

	return ^foldChecksum(sum)
}

// DecrementTTL decrements the TTL (or IPv6 hop limit) of packet in place. An IPv4 header
// checksum is updated incrementally rather than recomputed. A packet whose TTL would reach zero
// is left untouched and ErrTTLExpired is returned; it must not be transmitted any further.
func DecrementTTL(packet []byte) error {
	switch packet[0] >> 4 {
	case 4: //nolint:gomnd
		if packet[ipv4TTLOffset] <= 1 {
			return ErrTTLExpired
		}

		packet[ipv4TTLOffset]--

		// rfc 1141: the ttl is the high byte of its header word, so the checksum grows by
		// 0x0100 with the carry folded back in.
		sum := uint32(binary.BigEndian.Uint16(packet[ipv4ChecksumOffset:])) + 0x0100
		checksum := uint16(sum + sum>>16)

		// one's complement has two zeroes; a full recomputation never yields 0xffff.
		if checksum == 0xffff {
			checksum = 0
		}

		binary.BigEndian.PutUint16(packet[ipv4ChecksumOffset:], checksum)
	case 6: //nolint:gomnd
		if packet[ipv6HopLimitOffset] <= 1 {
			return ErrTTLExpired
		}

		packet[ipv6HopLimitOffset]--
	default:
		return ErrMessage
	}

	return nil
}

// SaveHeader snapshots the fields of packet that DecrementTTL and RewriteBroadcast modify.
func SaveHeader(packet []byte) SavedHeader {
	s := SavedHeader{version: packet[0] >> 4, udpOffset: -1}

	switch s.version {
	case 4: //nolint:gomnd
		s.ttl = packet[ipv4TTLOffset]
		s.checksum = binary.BigEndian.Uint16(packet[ipv4ChecksumOffset:])
		copy(s.dst[:], packet[ipv4DstOffset:ipv4DstOffset+4])

		if off, ok := udpHeaderOffset(packet); ok {
			s.udpOffset = off
			s.udpChecksum = binary.BigEndian.Uint16(packet[off+udpChecksumOffset:])
		}
	case 6: //nolint:gomnd
		s.ttl = packet[ipv6HopLimitOffset]
	}

	return s
}

// RestoreHeader puts back the fields captured by SaveHeader, leaving packet byte-identical to
// its state at the time of the snapshot.
func RestoreHeader(packet []byte, s SavedHeader) {
	switch s.version {
	case 4: //nolint:gomnd
		packet[ipv4TTLOffset] = s.ttl
		binary.BigEndian.PutUint16(packet[ipv4ChecksumOffset:], s.checksum)
		copy(packet[ipv4DstOffset:ipv4DstOffset+4], s.dst[:])

		if s.udpOffset >= 0 {
			binary.BigEndian.PutUint16(packet[s.udpOffset+udpChecksumOffset:], s.udpChecksum)
		}
	case 6: //nolint:gomnd
		packet[ipv6HopLimitOffset] = s.ttl
	}
}

// RewriteBroadcast points an IPv4 packet at broadcast, the broadcast address of the interface
// it is about to leave on, and recomputes the IPv4 and UDP checksums.
func RewriteBroadcast(packet []byte, broadcast netip.Addr) {
	if packet[0]>>4 != 4 || !broadcast.Is4() {
		return
	}

	dst := broadcast.As4()
	copy(packet[ipv4DstOffset:ipv4DstOffset+4], dst[:])

	binary.BigEndian.PutUint16(packet[ipv4ChecksumOffset:], IPv4HeaderChecksum(packet))

	off, ok := udpHeaderOffset(packet)
	if !ok {
		return
	}

	if binary.BigEndian.Uint16(packet[off+udpChecksumOffset:]) == 0 {
		// sender did not checksum the datagram, nothing to fix up
		return
	}

	checksum, ok := udpChecksum(packet, off)
	if !ok {
		return
	}

	binary.BigEndian.PutUint16(packet[off+udpChecksumOffset:], checksum)
}

func udpHeaderOffset(packet []byte) (int, bool) {
	if packet[9] != 17 { //nolint:gomnd
		return 0, false
	}

	// non-first fragments carry no udp header
	if binary.BigEndian.Uint16(packet[6:8])&0x1fff != 0 {
		return 0, false
	}

	off := int(packet[0]&0x0f) * 4 //nolint:gomnd
	if len(packet) < off+udpHeaderSize {
		return 0, false
	}

	return off, true
}

// udpChecksum computes the checksum of the udp datagram at off. It fails for a length field
// too small to cover the udp header; a zero length, as in a jumbogram, means the datagram runs
// to the end of the packet.
func udpChecksum(packet []byte, off int) (uint16, bool) {
	udpLength := int(binary.BigEndian.Uint16(packet[off+4:]))
	if udpLength == 0 {
		udpLength = len(packet) - off
	}

	if udpLength < udpHeaderSize {
		return 0, false
	}

	end := min(off+udpLength, len(packet))

	// pseudo header: src + dst, zero, protocol, udp length
	sum := sumWords(0, packet[12:20])
	sum += uint32(packet[9])
	sum += uint32(udpLength)

	sum = sumWords(sum, packet[off:off+udpChecksumOffset])
	sum = sumWords(sum, packet[off+udpChecksumOffset+2:end])

	checksum := ^foldChecksum(sum)
	if checksum == 0 {
		// zero means "no checksum" for udp over ipv4
		checksum = 0xffff
	}

	return checksum, true
}
