package dedup

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/quillmq/quill/internal/ledger"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
)

// Decision is the outcome of checking a producer sequence id.
type Decision int

const (
	// Accept permits the caller to proceed to storage.
	Accept Decision = iota
	// Duplicate means the sequence id is already persisted for this
	// identity. Not a fault: a normal outcome surfaced to the caller.
	Duplicate
	// Unknown means the identity has no admitted session; the caller must
	// admit one first.
	Unknown
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// None is the high-water-mark of a producer that has persisted nothing yet.
const None int64 = -1

// Tracker keeps the per-producer high-water-mark of persisted sequence ids
// for one topic: in memory for checks, and durably in Pebble under
// t/{topic}/d/{producer}. The durable cursor is only ever written inside the
// same batch as the entry it guards (StageCommit), and the in-memory mark
// only advances after that batch committed (Advance). A failed append
// therefore leaves both untouched and the same sequence id stays acceptable
// on retry.
type Tracker struct {
	db    *pebblestore.DB
	topic string

	mu         sync.Mutex
	highest    map[string]int64
	registered map[string]struct{}
}

// NewTracker loads all durable cursors for the topic. Identities present in
// storage resume their high-water-marks but stay unregistered until a
// session is admitted for them.
func NewTracker(db *pebblestore.DB, topic string) (*Tracker, error) {
	t := &Tracker{
		db:         db,
		topic:      topic,
		highest:    make(map[string]int64),
		registered: make(map[string]struct{}),
	}
	prefix := keyPrefix(topic)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: ledger.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if len(iter.Value()) != 8 {
			return nil, fmt.Errorf("dedup: malformed cursor %q", iter.Key())
		}
		producer := string(iter.Key()[len(prefix):])
		t.highest[producer] = int64(binary.BigEndian.Uint64(iter.Value()))
	}
	return t, nil
}

// Register binds a producer identity, typically on session admission. The
// durable cursor, if any, is reused by identity: reconnecting under the same
// name resumes the same high-water-mark.
func (t *Tracker) Register(producer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered[producer] = struct{}{}
	if _, ok := t.highest[producer]; !ok {
		t.highest[producer] = None
	}
}

// Check compares seq against the producer's high-water-mark. It performs no
// side effect. Gaps between accepted sequence ids are allowed: the guarantee
// is uniqueness and monotonicity, not contiguity.
func (t *Tracker) Check(producer string, seq int64) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.registered[producer]; !ok {
		return Unknown
	}
	if seq <= t.highest[producer] {
		return Duplicate
	}
	return Accept
}

// StageCommit writes the advanced cursor into the caller's batch so cursor
// and entry share one durable unit. The in-memory mark is untouched until
// Advance.
func (t *Tracker) StageCommit(b *pebble.Batch, producer string, seq int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(seq))
	return b.Set(key(t.topic, producer), v[:], nil)
}

// Advance moves the in-memory high-water-mark after the staged batch
// durably committed.
func (t *Tracker) Advance(producer string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.highest[producer] {
		t.highest[producer] = seq
	}
}

// Highest returns the producer's high-water-mark, or None when the identity
// has never persisted an entry.
func (t *Tracker) Highest(producer string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.highest[producer]; ok {
		return h
	}
	return None
}

// Forget drops the identity's cursor, durable and in-memory. Used when a
// topic is deleted or an idle producer ages out by external policy.
func (t *Tracker) Forget(producer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.db.Delete(key(t.topic, producer)); err != nil {
		return err
	}
	delete(t.highest, producer)
	delete(t.registered, producer)
	return nil
}

// Producers returns all identities with a known high-water-mark.
func (t *Tracker) Producers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.highest))
	for p := range t.highest {
		out = append(out, p)
	}
	return out
}

func keyPrefix(topic string) []byte {
	k := make([]byte, 0, len(topic)+5)
	k = append(k, "t/"...)
	k = append(k, topic...)
	return append(k, "/d/"...)
}

func key(topic, producer string) []byte {
	return append(keyPrefix(topic), producer...)
}
