package topic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/quillmq/quill/internal/dedup"
	"github.com/quillmq/quill/internal/ledger"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// SessionState is the lifecycle state of a producer session.
type SessionState int32

const (
	// Admitted sessions may publish.
	Admitted SessionState = iota
	// Fenced sessions were superseded by a newer admission with the same
	// identity; every send fails.
	Fenced
	// SessionClosed sessions were closed by their owner.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case Fenced:
		return "fenced"
	case SessionClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session is a live admission slot for one producer identity. The identity,
// not the session, is the dedup key: a reconnect under the same name gets a
// new Session with a higher epoch but resumes the same durable cursor.
type Session struct {
	Producer string
	Epoch    uint64
	state    atomic.Int32
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) admitted() bool { return s.State() == Admitted }

// fence flips Admitted -> Fenced. Returns false when the session already
// left Admitted.
func (s *Session) fence() bool {
	return s.state.CompareAndSwap(int32(Admitted), int32(Fenced))
}

// SessionInfo describes a session for stats.
type SessionInfo struct {
	Producer string `json:"producer"`
	Epoch    uint64 `json:"epoch"`
	State    string `json:"state"`
	Highest  int64  `json:"highestSequenceId"`
}

// Admit creates a session for the producer identity, fencing any prior
// Admitted session with the same name. At most one Admitted session per
// identity exists at any time.
func (t *Topic) Admit(producer string) (*Session, error) {
	if producer == "" {
		return nil, errors.New("topic: producer identity is required")
	}
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	old := t.sessions[producer]
	t.epoch++
	s := &Session{Producer: producer, Epoch: t.epoch}
	t.sessions[producer] = s
	t.tracker.Register(producer)
	t.mu.Unlock()

	if old != nil && old.fence() {
		t.logger.Info("fenced previous producer session",
			logpkg.Str("producer", producer),
			logpkg.Uint64("old_epoch", old.Epoch),
			logpkg.Uint64("epoch", s.Epoch))
		t.metrics.IncFenced(t.name)
	}
	return s, nil
}

// CloseSession closes the session. Idempotent; a fenced session stays
// fenced.
func (t *Topic) CloseSession(s *Session) {
	if s == nil {
		return
	}
	s.state.CompareAndSwap(int32(Admitted), int32(SessionClosed))
	t.mu.Lock()
	if t.sessions[s.Producer] == s {
		delete(t.sessions, s.Producer)
	}
	t.mu.Unlock()
}

// Sessions lists live sessions for stats.
func (t *Topic) Sessions() []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, SessionInfo{
			Producer: s.Producer,
			Epoch:    s.Epoch,
			State:    s.State().String(),
			Highest:  t.tracker.Highest(s.Producer),
		})
	}
	return out
}

// Publish appends payload under the session's identity with the
// producer-assigned sequence id and returns the stored position.
//
// Outcomes: ErrFenced when the session was superseded or closed (also when
// fencing lands while the append is in flight), ErrDuplicate when the
// sequence id is already persisted for this identity (storage untouched),
// and an error wrapping ledger.ErrUnavailable when the topic is not Open or
// the medium rejects the write. A failed append leaves the dedup cursor
// unchanged, so retrying the same sequence id later is never misread as a
// duplicate.
func (t *Topic) Publish(ctx context.Context, sess *Session, seq int64, payload []byte) (ledger.Position, error) {
	if sess == nil {
		return ledger.Position{}, errors.New("topic: nil session")
	}
	if err := t.checkPublishable(sess, seq); err != nil {
		return ledger.Position{}, err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Re-check under the writer lock: fencing, a state change, or a racing
	// commit for the same identity may have landed while we waited.
	if err := t.checkPublishable(sess, seq); err != nil {
		return ledger.Position{}, err
	}

	start := time.Now()
	pos, err := t.store.Append(ctx, ledger.Record{
		Producer: sess.Producer,
		Sequence: seq,
		Payload:  payload,
	}, func(b *pebble.Batch) error {
		return t.tracker.StageCommit(b, sess.Producer, seq)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			t.enterFailing(err)
			t.metrics.ObserveAppend(t.name, "unavailable", time.Since(start))
		}
		return ledger.Position{}, err
	}
	t.tracker.Advance(sess.Producer, seq)
	t.metrics.ObserveAppend(t.name, "ok", time.Since(start))

	// The entry is durable and the cursor advanced; but a send whose session
	// was fenced during the wait must resolve fenced, not succeed. A retry
	// on the new session then reads as Duplicate, so storage stays
	// exactly-once.
	if !sess.admitted() {
		return ledger.Position{}, fmt.Errorf("topic %s: producer %s epoch %d: %w",
			t.name, sess.Producer, sess.Epoch, ErrFenced)
	}

	t.logger.Debug("publish",
		logpkg.Str("producer", sess.Producer),
		logpkg.Int64("seq", seq),
		logpkg.Str("position", pos.String()),
		logpkg.Int("bytes", len(payload)),
		logpkg.Dur("dur", time.Since(start)))
	return pos, nil
}

// checkPublishable applies the admission gates in order: session liveness,
// topic state, then dedup.
func (t *Topic) checkPublishable(sess *Session, seq int64) error {
	if !sess.admitted() {
		return fmt.Errorf("topic %s: producer %s epoch %d: %w", t.name, sess.Producer, sess.Epoch, ErrFenced)
	}
	switch st := t.State(); st {
	case StateOpen:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("topic %s is %s: %w", t.name, st, ledger.ErrUnavailable)
	}
	switch t.tracker.Check(sess.Producer, seq) {
	case dedup.Accept:
		return nil
	case dedup.Duplicate:
		t.metrics.ObserveAppend(t.name, "duplicate", 0)
		return fmt.Errorf("topic %s: producer %s seq %d: %w", t.name, sess.Producer, seq, ErrDuplicate)
	default:
		// The identity lost its registration (topic being torn down); the
		// producer must re-admit.
		return fmt.Errorf("topic %s: producer %s: %w", t.name, sess.Producer, ErrFenced)
	}
}
