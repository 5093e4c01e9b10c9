package dedup

import (
	"context"
	"testing"

	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
)

func newTestTracker(t *testing.T) (*Tracker, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tr, err := NewTracker(db, "orders")
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tr, db
}

func commit(t *testing.T, tr *Tracker, db *pebblestore.DB, producer string, seq int64) {
	t.Helper()
	b := db.NewBatch()
	defer b.Close()
	if err := tr.StageCommit(b, producer, seq); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	tr.Advance(producer, seq)
}

func TestCheckUnknownBeforeRegister(t *testing.T) {
	tr, _ := newTestTracker(t)
	if d := tr.Check("p1", 0); d != Unknown {
		t.Fatalf("got %s, want unknown", d)
	}
	tr.Register("p1")
	if d := tr.Check("p1", 0); d != Accept {
		t.Fatalf("got %s, want accept", d)
	}
}

func TestDuplicateAndGaps(t *testing.T) {
	tr, db := newTestTracker(t)
	tr.Register("p1")
	commit(t, tr, db, "p1", 5)

	if d := tr.Check("p1", 5); d != Duplicate {
		t.Fatalf("same seq: got %s", d)
	}
	if d := tr.Check("p1", 3); d != Duplicate {
		t.Fatalf("lower seq: got %s", d)
	}
	// Gaps are fine: monotonicity, not contiguity.
	if d := tr.Check("p1", 100); d != Accept {
		t.Fatalf("gap seq: got %s", d)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	tr, db := newTestTracker(t)
	tr.Register("p1")
	tr.Register("p2")
	commit(t, tr, db, "p1", 9)
	if d := tr.Check("p2", 0); d != Accept {
		t.Fatalf("p2 should be unaffected by p1: got %s", d)
	}
	if tr.Highest("p2") != None {
		t.Fatalf("p2 highest = %d, want none", tr.Highest("p2"))
	}
}

func TestCheckHasNoSideEffect(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Register("p1")
	if d := tr.Check("p1", 7); d != Accept {
		t.Fatalf("got %s", d)
	}
	// An accepted check that never commits leaves the mark unchanged.
	if tr.Highest("p1") != None {
		t.Fatalf("check must not advance the mark")
	}
	if d := tr.Check("p1", 7); d != Accept {
		t.Fatalf("same seq must stay acceptable: got %s", d)
	}
}

func TestCursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	tr, err := NewTracker(db, "orders")
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	tr.Register("p1")
	commit(t, tr, db, "p1", 41)
	_ = db.Close()

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	defer db2.Close()
	tr2, err := NewTracker(db2, "orders")
	if err != nil {
		t.Fatalf("reopen tracker: %v", err)
	}
	// Identity continuity: the cursor is keyed by name, not by session.
	if tr2.Highest("p1") != 41 {
		t.Fatalf("highest = %d, want 41", tr2.Highest("p1"))
	}
	if d := tr2.Check("p1", 42); d != Unknown {
		t.Fatalf("unadmitted after restart: got %s", d)
	}
	tr2.Register("p1")
	if d := tr2.Check("p1", 41); d != Duplicate {
		t.Fatalf("got %s, want duplicate", d)
	}
	if d := tr2.Check("p1", 42); d != Accept {
		t.Fatalf("got %s, want accept", d)
	}
}

func TestForget(t *testing.T) {
	tr, db := newTestTracker(t)
	tr.Register("p1")
	commit(t, tr, db, "p1", 3)
	if err := tr.Forget("p1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if tr.Highest("p1") != None {
		t.Fatalf("highest after forget = %d", tr.Highest("p1"))
	}
	if d := tr.Check("p1", 0); d != Unknown {
		t.Fatalf("got %s, want unknown", d)
	}
}
