package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
	logpkg "github.com/quillmq/quill/pkg/log"
)

var (
	// ErrUnavailable means the durable medium could not confirm a write or a
	// segment transition. The failed write is not durable; callers own retry.
	ErrUnavailable = errors.New("ledger: storage unavailable")
	// ErrNotFound means the requested position was never written or has been
	// purged.
	ErrNotFound = errors.New("ledger: entry not found")
)

// SegmentState is the lifecycle state of one segment.
type SegmentState string

const (
	// SegmentWritable accepts appends. At most one per topic.
	SegmentWritable SegmentState = "writable"
	// SegmentSealed is immutable and read-only.
	SegmentSealed SegmentState = "sealed"
	// SegmentUnavailable saw a durability failure. Never reused; reads of
	// entries stored before the failure keep working.
	SegmentUnavailable SegmentState = "unavailable"
)

// DB is the slice of the pebble wrapper the store depends on. Production
// passes *pebblestore.DB; tests may wrap it to inject medium failures.
type DB interface {
	NewBatch() *pebble.Batch
	CommitBatch(ctx context.Context, b *pebble.Batch) error
	Get(key []byte) ([]byte, error)
	NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error)
}

// BatchMutation stages extra writes into the append's durable unit. The
// dedup tracker uses this to advance its cursor atomically with the entry.
type BatchMutation func(b *pebble.Batch) error

// Options tunes segment rollover.
type Options struct {
	// MaxSegmentEntries seals the writable segment once it holds this many
	// entries. Zero means the default.
	MaxSegmentEntries uint64
	// MaxSegmentBytes seals the writable segment once its payload bytes
	// reach this threshold. Zero means the default.
	MaxSegmentBytes uint64
	// Logger is optional.
	Logger logpkg.Logger
}

const (
	defaultMaxSegmentEntries = 1 << 17
	defaultMaxSegmentBytes   = 64 << 20
)

type segmentMeta struct {
	State       SegmentState `json:"state"`
	Entries     uint64       `json:"entries"`
	Bytes       uint64       `json:"bytes"`
	CreatedAtMs int64        `json:"createdAtMs"`
	SealedAtMs  int64        `json:"sealedAtMs,omitempty"`
}

type topicMeta struct {
	CurrentSegment uint64    `json:"currentSegment"`
	Last           *Position `json:"last,omitempty"`
}

// SegmentInfo describes one segment for stats and tests.
type SegmentInfo struct {
	ID      uint64
	State   SegmentState
	Entries uint64
	Bytes   uint64
}

// Store is the append-only segment store for a single topic. Appends are
// serialized through the store mutex; the assigned position is the next
// offset of the single writable segment.
type Store struct {
	db     DB
	topic  string
	opts   Options
	logger logpkg.Logger

	mu           sync.Mutex
	current      uint64
	currentState SegmentState
	nextOffset   uint64
	currentBytes uint64
	createdMs    int64
	last         Position
	hasLast      bool
	notifyCh     chan struct{}
}

// Open loads or initializes the store for a topic. A fresh topic starts with
// segment 0 writable.
func Open(db DB, topic string, opts Options) (*Store, error) {
	if opts.MaxSegmentEntries == 0 {
		opts.MaxSegmentEntries = defaultMaxSegmentEntries
	}
	if opts.MaxSegmentBytes == 0 {
		opts.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Store{
		db:       db,
		topic:    topic,
		opts:     opts,
		logger:   logger.With(logpkg.Component("ledger"), logpkg.Str("topic", topic)),
		notifyCh: make(chan struct{}),
	}

	raw, err := db.Get(keyTopicMeta(topic))
	switch {
	case err == nil:
		var tm topicMeta
		if err := json.Unmarshal(raw, &tm); err != nil {
			return nil, fmt.Errorf("ledger: topic meta for %s: %w", topic, err)
		}
		s.current = tm.CurrentSegment
		if tm.Last != nil {
			s.last = *tm.Last
			s.hasLast = true
		}
		sm, err := s.readSegmentMeta(s.current)
		if err != nil {
			return nil, err
		}
		s.currentState = sm.State
		s.nextOffset = sm.Entries
		s.currentBytes = sm.Bytes
		s.createdMs = sm.CreatedAtMs
	case pebblestore.IsNotFound(err):
		if err := s.initTopic(context.Background()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ledger: open %s: %w", topic, err)
	}
	return s, nil
}

func (s *Store) initTopic(ctx context.Context) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageSegmentMeta(b, 0, segmentMeta{State: SegmentWritable, CreatedAtMs: time.Now().UnixMilli()}); err != nil {
		return err
	}
	if err := s.stageTopicMeta(b, topicMeta{CurrentSegment: 0}); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("ledger: init %s: %w: %v", s.topic, ErrUnavailable, err)
	}
	s.current = 0
	s.currentState = SegmentWritable
	s.nextOffset = 0
	s.currentBytes = 0
	s.createdMs = time.Now().UnixMilli()
	return nil
}

func (s *Store) readSegmentMeta(seg uint64) (segmentMeta, error) {
	raw, err := s.db.Get(keySegmentMeta(s.topic, seg))
	if err != nil {
		return segmentMeta{}, fmt.Errorf("ledger: segment meta %d: %w", seg, err)
	}
	var sm segmentMeta
	if err := json.Unmarshal(raw, &sm); err != nil {
		return segmentMeta{}, fmt.Errorf("ledger: segment meta %d: %w", seg, err)
	}
	return sm, nil
}

func (s *Store) stageSegmentMeta(b *pebble.Batch, seg uint64, sm segmentMeta) error {
	raw, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	return b.Set(keySegmentMeta(s.topic, seg), raw, nil)
}

func (s *Store) stageTopicMeta(b *pebble.Batch, tm topicMeta) error {
	raw, err := json.Marshal(tm)
	if err != nil {
		return err
	}
	return b.Set(keyTopicMeta(s.topic), raw, nil)
}

// Append durably stores rec in the writable segment and returns its assigned
// position. Extra mutations commit in the same batch as the entry: either
// everything in the durable unit becomes visible, or nothing does.
//
// On a medium failure the writable segment transitions to Unavailable and
// the error wraps ErrUnavailable; the store accepts no further appends until
// OpenNewWritable succeeds. Failed entries are never retried here.
func (s *Store) Append(ctx context.Context, rec Record, extra ...BatchMutation) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentState != SegmentWritable {
		return Position{}, fmt.Errorf("ledger: segment %d is %s: %w", s.current, s.currentState, ErrUnavailable)
	}

	b := s.db.NewBatch()
	defer b.Close()

	seg, off := s.current, s.nextOffset
	bytes := s.currentBytes
	created := s.createdMs

	// Roll the segment first when thresholds are reached, in the same batch.
	if off >= s.opts.MaxSegmentEntries || (off > 0 && bytes >= s.opts.MaxSegmentBytes) {
		if err := s.stageSegmentMeta(b, seg, segmentMeta{
			State: SegmentSealed, Entries: off, Bytes: bytes, CreatedAtMs: created, SealedAtMs: time.Now().UnixMilli(),
		}); err != nil {
			return Position{}, err
		}
		seg, off, bytes = seg+1, 0, 0
		created = time.Now().UnixMilli()
	}

	pos := Position{Segment: seg, Offset: off, Batch: NoBatch}
	if err := b.Set(keyEntry(s.topic, seg, off), encodeRecord(rec), nil); err != nil {
		return Position{}, err
	}
	bytes += uint64(len(rec.Payload))
	if err := s.stageSegmentMeta(b, seg, segmentMeta{
		State: SegmentWritable, Entries: off + 1, Bytes: bytes, CreatedAtMs: created,
	}); err != nil {
		return Position{}, err
	}
	if err := s.stageTopicMeta(b, topicMeta{CurrentSegment: seg, Last: &pos}); err != nil {
		return Position{}, err
	}
	for _, m := range extra {
		if err := m(b); err != nil {
			return Position{}, err
		}
	}

	if err := s.db.CommitBatch(ctx, b); err != nil {
		s.currentState = SegmentUnavailable
		s.logger.Warn("append failed, segment now unavailable",
			logpkg.Uint64("segment", s.current), logpkg.Err(err))
		return Position{}, fmt.Errorf("ledger: append to segment %d: %w: %v", seg, ErrUnavailable, err)
	}

	rolled := seg != s.current
	s.current = seg
	s.nextOffset = off + 1
	s.currentBytes = bytes
	s.createdMs = created
	s.last = pos
	s.hasLast = true
	s.wake()
	if rolled {
		s.logger.Info("segment sealed on threshold", logpkg.Uint64("sealed", seg-1), logpkg.Uint64("writable", seg))
	}
	return pos, nil
}

// SealCurrent seals the writable segment and returns its id. The topic has
// no writable segment until OpenNewWritable succeeds. Idempotent when the
// current segment is already sealed or unavailable.
func (s *Store) SealCurrent(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentState != SegmentWritable {
		return s.current, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageSegmentMeta(b, s.current, segmentMeta{
		State: SegmentSealed, Entries: s.nextOffset, Bytes: s.currentBytes, CreatedAtMs: s.createdMs, SealedAtMs: time.Now().UnixMilli(),
	}); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		s.currentState = SegmentUnavailable
		return 0, fmt.Errorf("ledger: seal segment %d: %w: %v", s.current, ErrUnavailable, err)
	}
	s.currentState = SegmentSealed
	return s.current, nil
}

// OpenNewWritable permanently closes the current segment in whatever
// terminal state it reached (sealed, or unavailable after a failure) and
// creates the next writable segment. Called once the medium reports
// availability again; a failure here wraps ErrUnavailable and leaves the
// store without a writable segment.
func (s *Store) OpenNewWritable(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closedState := SegmentSealed
	if s.currentState == SegmentUnavailable {
		closedState = SegmentUnavailable
	}
	newID := s.current + 1

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageSegmentMeta(b, s.current, segmentMeta{
		State: closedState, Entries: s.nextOffset, Bytes: s.currentBytes, CreatedAtMs: s.createdMs, SealedAtMs: time.Now().UnixMilli(),
	}); err != nil {
		return 0, err
	}
	if err := s.stageSegmentMeta(b, newID, segmentMeta{
		State: SegmentWritable, CreatedAtMs: time.Now().UnixMilli(),
	}); err != nil {
		return 0, err
	}
	tm := topicMeta{CurrentSegment: newID}
	if s.hasLast {
		last := s.last
		tm.Last = &last
	}
	if err := s.stageTopicMeta(b, tm); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("ledger: open segment %d: %w: %v", newID, ErrUnavailable, err)
	}

	s.logger.Info("opened new writable segment",
		logpkg.Uint64("closed", s.current), logpkg.Str("closed_state", string(closedState)), logpkg.Uint64("segment", newID))
	s.current = newID
	s.currentState = SegmentWritable
	s.nextOffset = 0
	s.currentBytes = 0
	s.createdMs = time.Now().UnixMilli()
	return newID, nil
}

// Read returns the entry at pos. It is side-effect-free and succeeds for any
// position returned by a prior successful Append, regardless of the owning
// segment's state.
func (s *Store) Read(pos Position) (Entry, error) {
	raw, err := s.db.Get(keyEntry(s.topic, pos.Segment, pos.Offset))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Entry{}, fmt.Errorf("ledger: %s: %w", pos, ErrNotFound)
		}
		return Entry{}, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Position: Position{Segment: pos.Segment, Offset: pos.Offset, Batch: NoBatch},
		Producer: rec.Producer,
		Sequence: rec.Sequence,
		Payload:  rec.Payload,
	}, nil
}

// ReadFrom scans forward from the first entry at or after from, across
// segment boundaries, returning up to limit entries.
func (s *Store) ReadFrom(from Position, limit int) ([]Entry, error) {
	prefix := entryPrefix(s.topic)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Entry, 0, limit)
	ok := iter.SeekGE(keyEntry(s.topic, from.Segment, from.Offset))
	for ; ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		seg, off := parseEntryKey(iter.Key(), len(prefix))
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Position: Position{Segment: seg, Offset: off, Batch: NoBatch},
			Producer: rec.Producer,
			Sequence: rec.Sequence,
			Payload:  rec.Payload,
		})
	}
	return out, nil
}

// LastStored reports the position of the most recently committed entry.
func (s *Store) LastStored() (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// CurrentSegment reports the current segment id and its state.
func (s *Store) CurrentSegment() (uint64, SegmentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.currentState
}

// Segments lists all segments of the topic in id order.
func (s *Store) Segments() ([]SegmentInfo, error) {
	prefix := segMetaPrefix(s.topic)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []SegmentInfo
	for ok := iter.First(); ok; ok = iter.Next() {
		id := parseSegMetaKey(iter.Key(), len(prefix))
		var sm segmentMeta
		if err := json.Unmarshal(iter.Value(), &sm); err != nil {
			return nil, fmt.Errorf("ledger: segment meta %d: %w", id, err)
		}
		out = append(out, SegmentInfo{ID: id, State: sm.State, Entries: sm.Entries, Bytes: sm.Bytes})
	}
	return out, nil
}
