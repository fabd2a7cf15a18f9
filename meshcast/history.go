package meshcast

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	slotUnseen = 0b00
	slotAging  = 0b01
	slotFresh  = 0b11

	slotBits     = 2
	slotMask     = 0b11
	slotsPerWord = 32 / slotBits

	// demoting a whole word at once: every pair's high bit moves into its low bit, so
	// fresh (11) becomes aging (01) and aging (01) becomes unseen (00).
	demoteMask = 0x55555555
)

// History is a bounded, lossy record of recently relayed packets. Every slot holds two bits of
// state; slots are packed sixteen to a word so that both MarkAndCheck and Sweep can update them
// with a compare-and-swap and never take a lock. Distinct packets hashing to the same slot are
// treated as duplicates of one another, which only ever suppresses a packet, never repeats
// one.
type History struct {
	words []atomic.Uint32
	slots uint32
}

// NewHistory returns a History with at least slots slots; the count is rounded up to a whole
// number of words.
func NewHistory(slots int) *History {
	if slots <= 0 {
		slots = HistorySlots
	}

	words := (slots + slotsPerWord - 1) / slotsPerWord

	return &History{
		words: make([]atomic.Uint32, words),
		slots: uint32(words * slotsPerWord),
	}
}

// Slots returns the number of slots in the history.
func (h *History) Slots() int {
	return int(h.slots)
}

// MarkAndCheck marks fingerprint as freshly seen and reports whether it already was fresh or
// aging, meaning the packet is a duplicate.
func (h *History) MarkAndCheck(fingerprint uint32) bool {
	idx := fingerprint % h.slots
	word := &h.words[idx/slotsPerWord]
	shift := (idx % slotsPerWord) * slotBits

	for {
		old := word.Load()
		state := (old >> shift) & slotMask

		updated := old | slotFresh<<shift
		if updated == old || word.CompareAndSwap(old, updated) {
			return state != slotUnseen
		}
	}
}

// Sweep ages every slot by one step. It is driven by a timer, independent of traffic, and may
// run concurrently with MarkAndCheck.
func (h *History) Sweep() {
	for idx := range h.words {
		word := &h.words[idx]

		for {
			old := word.Load()
			if old == 0 {
				break
			}

			if word.CompareAndSwap(old, (old>>1)&demoteMask) {
				break
			}
		}
	}
}

// Fingerprint hashes an IP packet for duplicate detection. The TTL (hop limit) and the IPv4
// header checksum change on every hop, so they are left out; everything else is hashed in
// order.
func Fingerprint(packet []byte) uint32 {
	d := xxhash.New()

	switch {
	case len(packet) > ipv4ChecksumOffset+1 && packet[0]>>4 == 4:
		_, _ = d.Write(packet[:ipv4TTLOffset])
		_, _ = d.Write(packet[ipv4TTLOffset+1 : ipv4ChecksumOffset])
		_, _ = d.Write(packet[ipv4ChecksumOffset+2:])
	case len(packet) > ipv6HopLimitOffset && packet[0]>>4 == 6:
		_, _ = d.Write(packet[:ipv6HopLimitOffset])
		_, _ = d.Write(packet[ipv6HopLimitOffset+1:])
	default:
		_, _ = d.Write(packet)
	}

	sum := d.Sum64()

	return uint32(sum) ^ uint32(sum>>32)
}
