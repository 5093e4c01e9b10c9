package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillmq/quill/internal/ledger"
	"github.com/quillmq/quill/internal/metrics"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
	logpkg "github.com/quillmq/quill/pkg/log"
)

var (
	// ErrClosed means the topic was removed while the subscription was
	// attached or blocked in Next.
	ErrClosed = errors.New("dispatch: topic closed")
	// ErrSubscriptionActive rejects a second attach under a live name.
	ErrSubscriptionActive = errors.New("dispatch: subscription already attached")
)

// StartAt selects where a subscription without a durable cursor begins.
type StartAt int

const (
	// StartEarliest replays the log from its first stored entry.
	StartEarliest StartAt = iota
	// StartLatest delivers only entries committed after the attach.
	StartLatest
)

// SubscribeOptions configures Attach.
type SubscribeOptions struct {
	// StartAt applies only when the subscription has no durable cursor yet.
	StartAt StartAt
	// Filter is an optional CEL expression; entries evaluating false are
	// skipped for this subscription.
	Filter string
}

// Options configures a Dispatcher.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
}

// Dispatcher replays stored entries to subscriptions, each with its own
// durable cursor, at its own pace, seeing every stored entry at least once.
type Dispatcher struct {
	db      *pebblestore.DB
	topic   string
	store   *ledger.Store
	logger  logpkg.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	subs      map[string]*Subscription
	closed    chan struct{}
	closeOnce sync.Once
}

// New builds the dispatcher for one topic over its segment store.
func New(db *pebblestore.DB, topic string, store *ledger.Store, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Dispatcher{
		db:      db,
		topic:   topic,
		store:   store,
		logger:  logger.With(logpkg.Component("dispatch"), logpkg.Str("topic", topic)),
		metrics: opts.Metrics,
		subs:    make(map[string]*Subscription),
		closed:  make(chan struct{}),
	}
}

// Close wakes every blocked consumer with ErrClosed. Idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// LastStoredPosition reports the position of the most recently committed
// entry in the topic. For a caller that just published, it matches the
// position returned by that publish once the entry is stored.
func (d *Dispatcher) LastStoredPosition() (ledger.Position, bool) {
	return d.store.LastStored()
}

// Attach opens a subscription. An empty name gets a generated one. A
// subscription resumes just after its durable cursor; without one, StartAt
// decides.
func (d *Dispatcher) Attach(name string, opts SubscribeOptions) (*Subscription, error) {
	select {
	case <-d.closed:
		return nil, ErrClosed
	default:
	}
	if name == "" {
		name = "sub-" + uuid.NewString()
	}
	filter, err := newFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("dispatch: filter for %s: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.subs[name]; live {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionActive, name)
	}

	sub := &Subscription{name: name, d: d, filter: filter}
	raw, err := d.db.Get(cursorKey(d.topic, name))
	switch {
	case err == nil:
		pos, err := ledger.DecodePosition(raw)
		if err != nil {
			return nil, fmt.Errorf("dispatch: cursor for %s: %w", name, err)
		}
		sub.after, sub.hasAfter = pos, true
	case pebblestore.IsNotFound(err):
		if opts.StartAt == StartLatest {
			sub.after, sub.hasAfter = d.store.LastStored()
		}
	default:
		return nil, fmt.Errorf("dispatch: cursor for %s: %w", name, err)
	}

	d.subs[name] = sub
	d.logger.Debug("subscription attached", logpkg.Str("subscription", name))
	return sub, nil
}

// Detach removes the subscription from the live set; its durable cursor
// survives for the next attach.
func (d *Dispatcher) Detach(name string) {
	d.mu.Lock()
	delete(d.subs, name)
	d.mu.Unlock()
}

// Subscriptions lists attached subscription names.
func (d *Dispatcher) Subscriptions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subs))
	for name := range d.subs {
		out = append(out, name)
	}
	return out
}

// Subscription is one consumer's independently paced view of the log.
// Methods are safe for one consumer goroutine; distinct subscriptions share
// nothing but the store.
type Subscription struct {
	name   string
	d      *Dispatcher
	filter entryFilter

	mu       sync.Mutex
	after    ledger.Position
	hasAfter bool
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Next returns the next stored entry after the subscription's position,
// blocking until one commits. It resolves with ctx's error on cancellation
// and ErrClosed when the topic is removed.
func (s *Subscription) Next(ctx context.Context) (ledger.Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ledger.Entry{}, err
		}
		select {
		case <-s.d.closed:
			return ledger.Entry{}, ErrClosed
		default:
		}
		e, ok, err := s.TryNext()
		if err != nil {
			return ledger.Entry{}, err
		}
		if ok {
			return e, nil
		}
		// Caught up: suspend until an append lands, re-checking
		// cancellation and closure on a short cadence.
		s.d.store.WaitForAppend(50 * time.Millisecond)
	}
}

// TryNext is the non-blocking form of Next; ok is false at end of log.
func (s *Subscription) TryNext() (ledger.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := ledger.Position{}
	if s.hasAfter {
		from = ledger.Position{Segment: s.after.Segment, Offset: s.after.Offset + 1}
	}
	for {
		entries, err := s.d.store.ReadFrom(from, 32)
		if err != nil {
			return ledger.Entry{}, false, err
		}
		if len(entries) == 0 {
			return ledger.Entry{}, false, nil
		}
		for _, e := range entries {
			s.after, s.hasAfter = e.Position, true
			if s.filter.Match(e) {
				s.d.metrics.IncDelivery(s.d.topic)
				return e, true, nil
			}
		}
		last := entries[len(entries)-1].Position
		from = ledger.Position{Segment: last.Segment, Offset: last.Offset + 1}
	}
}

// Ack durably advances the subscription's cursor to pos. Cumulative and
// idempotent: acknowledging a position covers everything before it, and a
// stale position never rewinds the cursor.
func (s *Subscription) Ack(pos ledger.Position) error {
	key := cursorKey(s.d.topic, s.name)
	raw, err := s.d.db.Get(key)
	if err == nil {
		prev, derr := ledger.DecodePosition(raw)
		if derr == nil && pos.Compare(prev) <= 0 {
			return nil
		}
	} else if !pebblestore.IsNotFound(err) {
		return err
	}
	if err := s.d.db.Set(key, pos.Encode()); err != nil {
		return err
	}
	s.d.metrics.IncAck(s.d.topic)
	return nil
}

// Cursor returns the durable acknowledged position, if any.
func (s *Subscription) Cursor() (ledger.Position, bool) {
	raw, err := s.d.db.Get(cursorKey(s.d.topic, s.name))
	if err != nil {
		return ledger.Position{}, false
	}
	pos, err := ledger.DecodePosition(raw)
	if err != nil {
		return ledger.Position{}, false
	}
	return pos, true
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.d.Detach(s.name) }

func cursorKey(topic, name string) []byte {
	k := make([]byte, 0, len(topic)+len(name)+5)
	k = append(k, "t/"...)
	k = append(k, topic...)
	k = append(k, "/c/"...)
	return append(k, name...)
}
