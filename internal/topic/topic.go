package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quillmq/quill/internal/dedup"
	"github.com/quillmq/quill/internal/dispatch"
	"github.com/quillmq/quill/internal/ledger"
	"github.com/quillmq/quill/internal/metrics"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// State is the topic's storage-health state.
type State int32

const (
	// StateOpen is the normal state: appends flow to the writable segment.
	StateOpen State = iota
	// StateFailing means a durability failure was just observed. No appends.
	StateFailing
	// StateRecovering means a new writable segment is being opened. No appends.
	StateRecovering
	// StateClosed is terminal: the topic was administratively removed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFailing:
		return "failing"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

var (
	// ErrDuplicate reports a sequence id already persisted for the identity.
	ErrDuplicate = errors.New("topic: duplicate sequence id")
	// ErrFenced reports a session superseded by a newer admission with the
	// same identity. The caller must re-admit.
	ErrFenced = errors.New("topic: session fenced")
	// ErrClosed reports an administratively removed topic.
	ErrClosed = errors.New("topic: closed")
	// ErrRecoveryPending reports a Recover call that raced another one.
	ErrRecoveryPending = errors.New("topic: recovery already in progress")
)

// Options configures a Topic.
type Options struct {
	// Ledger tunes the segment store.
	Ledger ledger.Options
	// Medium overrides the durable medium the segment store writes to.
	// Defaults to the topic's database. Useful for layering quorum or fault
	// handling around the raw store.
	Medium ledger.DB
	// Logger is optional.
	Logger logpkg.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// OnFailure, when set, is notified once per Open->Failing transition.
	// Recovery policy (backoff, retry cadence) lives behind this hook; the
	// topic itself never retries storage.
	OnFailure func(topic string, err error)
}

// Topic is the aggregate root owning one log: its segments, its dedup
// cursors, its producer sessions and its subscriptions. All commits for the
// topic serialize through a single writer mutex; everything per-session or
// per-subscription stays independently owned.
type Topic struct {
	name      string
	store     *ledger.Store
	tracker   *dedup.Tracker
	disp      *dispatch.Dispatcher
	logger    logpkg.Logger
	metrics   *metrics.Metrics
	onFailure func(topic string, err error)

	mu       sync.Mutex
	state    State
	sessions map[string]*Session
	epoch    uint64

	// writeMu serializes the commit step: dedup re-check, append, cursor
	// advance. Checks for independent producers may run concurrently up to
	// here.
	writeMu sync.Mutex
}

// Open loads or creates the topic on db.
func Open(db *pebblestore.DB, name string, opts Options) (*Topic, error) {
	if name == "" {
		return nil, errors.New("topic: name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	medium := opts.Medium
	if medium == nil {
		medium = db
	}
	lopts := opts.Ledger
	lopts.Logger = logger
	store, err := ledger.Open(medium, name, lopts)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", name, err)
	}
	tracker, err := dedup.NewTracker(db, name)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", name, err)
	}
	t := &Topic{
		name:      name,
		store:     store,
		tracker:   tracker,
		logger:    logger.With(logpkg.Component("topic"), logpkg.Str("topic", name)),
		metrics:   opts.Metrics,
		onFailure: opts.OnFailure,
		state:     StateOpen,
		sessions:  make(map[string]*Session),
	}
	t.disp = dispatch.New(db, name, store, dispatch.Options{Logger: logger, Metrics: opts.Metrics})

	// A writable segment may have gone unavailable before a restart; surface
	// that as Failing so the recovery policy kicks in rather than failing
	// the first publish.
	if _, state := store.CurrentSegment(); state != ledger.SegmentWritable {
		t.state = StateFailing
	}
	return t, nil
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// State returns the current storage-health state.
func (t *Topic) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Dispatcher returns the topic's subscription dispatcher.
func (t *Topic) Dispatcher() *dispatch.Dispatcher { return t.disp }

// LastStored reports the position of the newest committed entry.
func (t *Topic) LastStored() (ledger.Position, bool) { return t.store.LastStored() }

// Read returns the stored entry at pos. Works in every topic state except
// Closed for entries whose append succeeded.
func (t *Topic) Read(pos ledger.Position) (ledger.Entry, error) { return t.store.Read(pos) }

// ReadFrom scans forward from the first entry at or after from.
func (t *Topic) ReadFrom(from ledger.Position, limit int) ([]ledger.Entry, error) {
	return t.store.ReadFrom(from, limit)
}

// Segments lists the topic's segments for stats.
func (t *Topic) Segments() ([]ledger.SegmentInfo, error) { return t.store.Segments() }

// enterFailing transitions Open -> Failing and fires the failure hook once.
func (t *Topic) enterFailing(cause error) {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	t.state = StateFailing
	hook := t.onFailure
	t.mu.Unlock()

	t.logger.Warn("storage failure, topic failing", logpkg.Err(cause))
	t.metrics.IncStorageFailure(t.name)
	if hook != nil {
		go hook(t.name, cause)
	}
}

// Recover drives Failing -> Recovering -> Open by opening a fresh writable
// segment. On failure the topic returns to Failing and the error wraps
// ledger.ErrUnavailable; when to call again is the caller's backoff policy.
func (t *Topic) Recover(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	case StateOpen:
		t.mu.Unlock()
		return nil
	case StateRecovering:
		t.mu.Unlock()
		return ErrRecoveryPending
	}
	t.state = StateRecovering
	t.mu.Unlock()

	seg, err := t.store.OpenNewWritable(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return ErrClosed
	}
	if err != nil {
		t.state = StateFailing
		return fmt.Errorf("topic %s: recovery: %w", t.name, err)
	}
	t.state = StateOpen
	t.logger.Info("topic recovered", logpkg.Uint64("segment", seg))
	t.metrics.IncRecovery(t.name)
	return nil
}

// Close transitions the topic to its terminal state: every session is
// fenced, pending sends resolve fenced, and blocked consumers wake with an
// error. Idempotent.
func (t *Topic) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	sessions := t.sessions
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.fence()
	}
	t.disp.Close()
	t.logger.Info("topic closed")
}
