package ledger

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
//   - t/{topic}/m                       topic meta: current segment, last position
//   - t/{topic}/s/{seg_be8}             segment meta
//   - t/{topic}/e/{seg_be8}{off_be8}    entries, contiguous across segments so a
//     single iterator scan walks the whole log in position order
//
// Dedup cursors (t/{topic}/d/...) and subscription cursors (t/{topic}/c/...)
// live under the same topic root; their key builders belong to the packages
// that own them.

var (
	topicPrefix = []byte("t/")
	metaSuffix  = []byte("/m")
	segSeg      = []byte("/s/")
	entrySeg    = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// TopicPrefix returns the key prefix covering every key of a topic. Used as
// a DeleteRange bound when a topic is purged.
func TopicPrefix(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+1)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	return append(k, '/')
}

// PrefixUpperBound returns the smallest key greater than every key starting
// with prefix.
func PrefixUpperBound(prefix []byte) []byte {
	return append(append([]byte(nil), prefix...), 0xFF)
}

func keyTopicMeta(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(metaSuffix))
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	return append(k, metaSuffix...)
}

func keySegmentMeta(topic string, seg uint64) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(segSeg)+8)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, segSeg...)
	return appendBE8(k, seg)
}

func keyEntry(topic string, seg, off uint64) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(entrySeg)+16)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, entrySeg...)
	k = appendBE8(k, seg)
	return appendBE8(k, off)
}

func entryPrefix(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(entrySeg))
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	return append(k, entrySeg...)
}

func segMetaPrefix(topic string) []byte {
	k := make([]byte, 0, len(topicPrefix)+len(topic)+len(segSeg))
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	return append(k, segSeg...)
}

// parseEntryKey extracts (segment, offset) from an entry key produced by
// keyEntry. prefixLen is len(entryPrefix(topic)).
func parseEntryKey(key []byte, prefixLen int) (seg, off uint64) {
	seg = binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])
	off = binary.BigEndian.Uint64(key[prefixLen+8 : prefixLen+16])
	return seg, off
}

// parseSegMetaKey extracts the segment id from a segment meta key.
func parseSegMetaKey(key []byte, prefixLen int) uint64 {
	return binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])
}
