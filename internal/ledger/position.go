package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NoBatch marks an entry that is not part of a producer batch.
const NoBatch int32 = -1

// Position locates a stored entry within a topic's log. Positions compare
// lexicographically by (Segment, Offset, Batch) and this ordering equals
// append order.
type Position struct {
	Segment uint64
	Offset  uint64
	Batch   int32
}

// Compare returns -1, 0 or 1 ordering p against o in append order.
func (p Position) Compare(o Position) int {
	switch {
	case p.Segment < o.Segment:
		return -1
	case p.Segment > o.Segment:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	case p.Batch < o.Batch:
		return -1
	case p.Batch > o.Batch:
		return 1
	default:
		return 0
	}
}

// String renders the position as segment:offset:batch.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d:%d", p.Segment, p.Offset, p.Batch)
}

const positionLen = 20

// Encode returns the stable 20-byte wire form: segment be8, offset be8,
// batch be4 (two's complement). Used for durable cursor values.
func (p Position) Encode() []byte {
	b := make([]byte, positionLen)
	binary.BigEndian.PutUint64(b[0:8], p.Segment)
	binary.BigEndian.PutUint64(b[8:16], p.Offset)
	binary.BigEndian.PutUint32(b[16:20], uint32(p.Batch))
	return b
}

// DecodePosition parses the 20-byte form produced by Encode.
func DecodePosition(b []byte) (Position, error) {
	if len(b) != positionLen {
		return Position{}, errors.New("ledger: malformed position")
	}
	return Position{
		Segment: binary.BigEndian.Uint64(b[0:8]),
		Offset:  binary.BigEndian.Uint64(b[8:16]),
		Batch:   int32(binary.BigEndian.Uint32(b[16:20])),
	}, nil
}
