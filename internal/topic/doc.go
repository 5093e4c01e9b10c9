// Package topic ties the broker core together around one named log: the
// storage-health state machine (StateOpen, StateFailing, StateRecovering,
// StateClosed), producer
// session admission with identity-based fencing, and the publish path that
// joins the dedup tracker and the segment store into a single serialized
// commit step.
//
// The topic is the aggregate root: it exclusively owns its segments, its
// dedup cursors and its subscription dispatcher. Sessions are transient and
// reference a dedup cursor by producer name, never own it.
//
//	t, _ := topic.Open(db, "orders", topic.Options{})
//	sess, _ := t.Admit("producer-1")
//	pos, err := t.Publish(ctx, sess, 0, payload)
//	switch {
//	case errors.Is(err, topic.ErrDuplicate):   // retry of a stored entry
//	case errors.Is(err, topic.ErrFenced):      // superseded; re-admit
//	case errors.Is(err, ledger.ErrUnavailable): // not durable; safe to retry
//	}
package topic
