package ledger

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record is one message unit handed to Append: the producer identity and
// producer-assigned sequence travel with the payload so the log alone can
// answer "who wrote this, and with which sequence id".
type Record struct {
	Producer string
	Sequence int64
	Payload  []byte
}

// Entry is a stored Record together with its assigned position.
type Entry struct {
	Position Position
	Producer string
	Sequence int64
	Payload  []byte
}

// Record encoding: varint producerLen | producer | sequence be8 | payload |
// crc32c(producer|sequence|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorruptRecord = errors.New("ledger: corrupt record")

func encodeRecord(rec Record) []byte {
	out := make([]byte, 0, 10+len(rec.Producer)+8+len(rec.Payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(rec.Producer)))
	out = append(out, tmp[:n]...)
	out = append(out, rec.Producer...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(rec.Sequence))
	out = append(out, seq[:]...)
	out = append(out, rec.Payload...)

	crc := crc32.Update(0, castagnoli, out[n:])
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeRecord(b []byte) (Record, error) {
	plen, n := binary.Uvarint(b)
	// Bound plen before it touches int arithmetic: a crafted varint can
	// exceed the platform int range.
	if n <= 0 || plen > uint64(len(b)) {
		return Record{}, errCorruptRecord
	}
	body := b[n:]
	if len(body) < int(plen)+8+4 {
		return Record{}, errCorruptRecord
	}
	crc := crc32.Update(0, castagnoli, body[:len(body)-4])
	if crc != binary.BigEndian.Uint32(body[len(body)-4:]) {
		return Record{}, errCorruptRecord
	}
	producer := string(body[:plen])
	seq := int64(binary.BigEndian.Uint64(body[plen : plen+8]))
	payload := append([]byte(nil), body[plen+8:len(body)-4]...)
	return Record{Producer: producer, Sequence: seq, Payload: payload}, nil
}
