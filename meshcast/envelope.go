package meshcast

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Envelope is the fixed size header prepended to a frame when it crosses the mesh transport. It
// marks the datagram as relayed traffic and carries an integrity check over the frame.
type Envelope struct {
	Type      uint8
	Length    uint8
	Reserved  uint16
	Integrity uint32
}

// NewEnvelope returns the Envelope for frame.
func NewEnvelope(frame []byte) Envelope {
	return Envelope{
		Type:      EnvelopeTypeFrame,
		Length:    EnvelopeSize,
		Integrity: integrity(frame),
	}
}

// Marshal writes the envelope into the first EnvelopeSize bytes of b.
func (e Envelope) Marshal(b []byte) {
	b[0] = e.Type
	b[1] = e.Length
	binary.BigEndian.PutUint16(b[2:4], e.Reserved)
	binary.BigEndian.PutUint32(b[4:8], e.Integrity)
}

// Encapsulate writes the envelope for the frame already sitting at b[EnvelopeSize:] into the
// head of b.
func Encapsulate(b []byte) {
	NewEnvelope(b[EnvelopeSize:]).Marshal(b)
}

// ParseEnvelope decodes the envelope at the head of datagram and returns it along with the
// frame that follows it. It fails if the datagram is too short, is of an unknown type, or the
// frame does not match the envelope's integrity check.
func ParseEnvelope(datagram []byte) (Envelope, []byte, error) {
	l := len(datagram)

	if l < EnvelopeSize {
		return Envelope{}, nil, fmt.Errorf(
			"%w: envelope must be at least %d bytes, got %d bytes", ErrMessage, EnvelopeSize, l,
		)
	}

	e := Envelope{
		Type:      datagram[0],
		Length:    datagram[1],
		Reserved:  binary.BigEndian.Uint16(datagram[2:4]),
		Integrity: binary.BigEndian.Uint32(datagram[4:8]),
	}

	if e.Type != EnvelopeTypeFrame {
		return Envelope{}, nil, fmt.Errorf("%w: unknown envelope type %d", ErrMessage, e.Type)
	}

	if e.Length != EnvelopeSize {
		return Envelope{}, nil, fmt.Errorf(
			"%w: unexpected envelope length %d", ErrMessage, e.Length,
		)
	}

	frame := datagram[EnvelopeSize:]

	if integrity(frame) != e.Integrity {
		return Envelope{}, nil, fmt.Errorf(
			"%w: envelope integrity check failed for %d byte frame", ErrMessage, len(frame),
		)
	}

	return e, frame, nil
}

func integrity(frame []byte) uint32 {
	return uint32(xxhash.Sum64(frame))
}
