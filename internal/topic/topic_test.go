package topic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/quillmq/quill/internal/dispatch"
	"github.com/quillmq/quill/internal/ledger"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
)

func openTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// faultMedium wraps the pebble DB and fails batch commits on demand,
// standing in for a durable medium that lost its quorum.
type faultMedium struct {
	*pebblestore.DB
	down atomic.Bool
}

var errQuorum = errors.New("quorum lost")

func (f *faultMedium) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if f.down.Load() {
		return errQuorum
	}
	return f.DB.CommitBatch(ctx, b)
}

func openFaultTopic(t *testing.T, name string) (*faultMedium, *Topic) {
	t.Helper()
	db := openTestDB(t)
	fm := &faultMedium{DB: db}
	tp, err := Open(db, name, Options{Medium: fm})
	if err != nil {
		t.Fatalf("open topic: %v", err)
	}
	t.Cleanup(tp.Close)
	return fm, tp
}

func TestStateNamesAndFreshTopicState(t *testing.T) {
	names := map[State]string{
		StateOpen:       "open",
		StateFailing:    "failing",
		StateRecovering: "recovering",
		StateClosed:     "closed",
	}
	for st, want := range names {
		if got := st.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
	tp, err := Open(openTestDB(t), "orders", Options{})
	if err != nil {
		t.Fatalf("open topic: %v", err)
	}
	defer tp.Close()
	if got := tp.State(); got != StateOpen {
		t.Fatalf("fresh topic state = %s, want open", got)
	}
}

func TestPublishAssignsOrderedPositions(t *testing.T) {
	_, tp := openFaultTopic(t, "orders")
	sess, err := tp.Admit("p1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	var prev ledger.Position
	for i := 0; i < 5; i++ {
		pos, err := tp.Publish(context.Background(), sess, int64(i), []byte("x"))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if i > 0 && pos.Compare(prev) <= 0 {
			t.Fatalf("position %s not after %s", pos, prev)
		}
		prev = pos
	}
	last, ok := tp.LastStored()
	if !ok || last != prev {
		t.Fatalf("last stored = %v ok=%v, want %v", last, ok, prev)
	}
}

func TestDuplicateAndGapSequences(t *testing.T) {
	_, tp := openFaultTopic(t, "orders")
	sess, err := tp.Admit("p1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := tp.Publish(context.Background(), sess, 0, []byte("a")); err != nil {
		t.Fatalf("publish 0: %v", err)
	}
	// Gaps are legal: the cursor tracks the highest id, not a count.
	if _, err := tp.Publish(context.Background(), sess, 5, []byte("b")); err != nil {
		t.Fatalf("publish 5: %v", err)
	}
	for _, seq := range []int64{0, 3, 5} {
		if _, err := tp.Publish(context.Background(), sess, seq, []byte("dup")); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("publish %d: expected ErrDuplicate, got %v", seq, err)
		}
	}
	if _, err := tp.Publish(context.Background(), sess, 6, []byte("c")); err != nil {
		t.Fatalf("publish 6: %v", err)
	}
	// Duplicates must not reach storage.
	if last, _ := tp.LastStored(); last.Offset != 2 {
		t.Fatalf("stored %d entries, want 3", last.Offset+1)
	}
}

func TestFailedAppendIsRetriableNotDuplicate(t *testing.T) {
	fm, tp := openFaultTopic(t, "orders")
	sess, err := tp.Admit("p1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := tp.Publish(context.Background(), sess, 0, []byte("a")); err != nil {
		t.Fatalf("publish 0: %v", err)
	}

	fm.down.Store(true)
	if _, err := tp.Publish(context.Background(), sess, 1, []byte("b")); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("publish during outage: expected ErrUnavailable, got %v", err)
	}
	if got := tp.State(); got != StateFailing {
		t.Fatalf("state = %s, want failing", got)
	}
	// While failing, retries keep reporting unavailability, never duplicate.
	if _, err := tp.Publish(context.Background(), sess, 1, []byte("b")); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("retry during outage: expected ErrUnavailable, got %v", err)
	}

	fm.down.Store(false)
	if err := tp.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := tp.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	// The failed id was never persisted, so the retry must be accepted.
	pos, err := tp.Publish(context.Background(), sess, 1, []byte("b"))
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if pos.Segment == 0 {
		t.Fatalf("retry landed in segment %d, want a fresh segment", pos.Segment)
	}
	if _, err := tp.Publish(context.Background(), sess, 1, []byte("b")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second retry: expected ErrDuplicate, got %v", err)
	}
}

func TestRecoverStateMachine(t *testing.T) {
	fm, tp := openFaultTopic(t, "orders")
	if err := tp.Recover(context.Background()); err != nil {
		t.Fatalf("recover while open: %v", err)
	}

	sess, _ := tp.Admit("p1")
	fm.down.Store(true)
	if _, err := tp.Publish(context.Background(), sess, 0, nil); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// Recovery against a still-broken medium returns to failing.
	if err := tp.Recover(context.Background()); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("recover during outage: expected ErrUnavailable, got %v", err)
	}
	if got := tp.State(); got != StateFailing {
		t.Fatalf("state = %s, want failing", got)
	}

	fm.down.Store(false)
	if err := tp.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	tp.Close()
	if err := tp.Recover(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("recover after close: expected ErrClosed, got %v", err)
	}
}

func TestCloseFencesSessionsAndWakesConsumers(t *testing.T) {
	_, tp := openFaultTopic(t, "orders")
	sess, err := tp.Admit("p1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	sub, err := tp.Dispatcher().Attach("reader", dispatch.SubscribeOptions{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	tp.Close()
	tp.Close() // idempotent

	select {
	case err := <-errc:
		if !errors.Is(err, dispatch.ErrClosed) {
			t.Fatalf("consumer woke with %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke after close")
	}
	if _, err := tp.Publish(context.Background(), sess, 0, nil); !errors.Is(err, ErrFenced) {
		t.Fatalf("publish after close: expected ErrFenced, got %v", err)
	}
	if _, err := tp.Admit("p2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("admit after close: expected ErrClosed, got %v", err)
	}
}

func TestRestartAfterOutageResumes(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	fm := &faultMedium{DB: db}
	tp, err := Open(db, "orders", Options{Medium: fm})
	if err != nil {
		t.Fatalf("open topic: %v", err)
	}
	sess, _ := tp.Admit("p1")
	if _, err := tp.Publish(context.Background(), sess, 0, []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fm.down.Store(true)
	if _, err := tp.Publish(context.Background(), sess, 1, []byte("b")); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	tp.Close()
	if err := db.Close(); err != nil {
		t.Fatalf("close pebble: %v", err)
	}

	// The failed write never reached the medium, so the durable meta still
	// shows a writable segment. A restart against a healthy medium resumes
	// publishing, and the failed id dedups only after it finally persists.
	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	defer db2.Close()
	tp2, err := Open(db2, "orders", Options{})
	if err != nil {
		t.Fatalf("reopen topic: %v", err)
	}
	defer tp2.Close()
	if got := tp2.State(); got != StateOpen {
		t.Fatalf("state after restart = %s, want open", got)
	}
	sess2, err := tp2.Admit("p1")
	if err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	if _, err := tp2.Publish(context.Background(), sess2, 0, []byte("a")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("replay after restart: expected ErrDuplicate, got %v", err)
	}
	pos, err := tp2.Publish(context.Background(), sess2, 1, []byte("b"))
	if err != nil {
		t.Fatalf("retry after restart: %v", err)
	}
	if pos != (ledger.Position{Segment: 0, Offset: 1, Batch: ledger.NoBatch}) {
		t.Fatalf("retry landed at %s, want 0:1", pos)
	}
	if _, err := tp2.Publish(context.Background(), sess2, 1, []byte("b")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second retry: expected ErrDuplicate, got %v", err)
	}
}

// TestOutageRetryAndDrain walks a producer through a storage outage: a batch
// of accepted sends, a batch failed by the outage including retries of one
// id, recovery, then a final accepted batch. A subscriber must see exactly
// the accepted entries, in order, and the last delivered position must match
// the topic's last stored position.
func TestOutageRetryAndDrain(t *testing.T) {
	fm, tp := openFaultTopic(t, "dedup-failure")
	sess, err := tp.Admit("producer-1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	ctx := context.Background()
	payload := func(i int) []byte { return []byte(fmt.Sprintf("message-%d", i)) }

	for i := 0; i < 10; i++ {
		if _, err := tp.Publish(ctx, sess, int64(i), payload(i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	fm.down.Store(true)
	for i := 10; i < 20; i++ {
		if _, err := tp.Publish(ctx, sess, int64(i), payload(i)); !errors.Is(err, ledger.ErrUnavailable) {
			t.Fatalf("publish %d during outage: %v", i, err)
		}
	}
	// Retrying a failed id during the outage keeps failing the same way.
	for i := 0; i < 2; i++ {
		if _, err := tp.Publish(ctx, sess, 10, payload(10)); !errors.Is(err, ledger.ErrUnavailable) {
			t.Fatalf("retry 10 during outage: %v", err)
		}
	}

	fm.down.Store(false)
	if err := tp.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	for i := 20; i < 30; i++ {
		if _, err := tp.Publish(ctx, sess, int64(i), payload(i)); err != nil {
			t.Fatalf("publish %d after recovery: %v", i, err)
		}
	}

	sub, err := tp.Dispatcher().Attach("drain", dispatch.SubscribeOptions{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	var lastDelivered ledger.Position
	for n := 0; n < 20; n++ {
		want := n
		if n >= 10 {
			want = n + 10
		}
		e, ok, err := sub.TryNext()
		if err != nil || !ok {
			t.Fatalf("entry %d: ok=%v err=%v", n, ok, err)
		}
		if e.Sequence != int64(want) || string(e.Payload) != string(payload(want)) {
			t.Fatalf("entry %d: got seq=%d payload=%q", n, e.Sequence, e.Payload)
		}
		lastDelivered = e.Position
	}
	if _, ok, _ := sub.TryNext(); ok {
		t.Fatal("subscriber saw an entry beyond the accepted 20")
	}
	last, ok := tp.LastStored()
	if !ok || last != lastDelivered {
		t.Fatalf("last stored %v != last delivered %v", last, lastDelivered)
	}
}
