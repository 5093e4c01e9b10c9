// Package dispatch replays stored topic entries to subscriptions.
//
// Each subscription is an independently paced reader over the topic's
// segment store with its own durable cursor, so a slow consumer never holds
// back a fast one and every consumer sees each stored entry at least once.
// Next blocks until an entry past the cursor commits; Ack advances the
// durable cursor cumulatively and never rewinds it.
//
// Usage:
//
//	d := dispatch.New(db, "orders", store, dispatch.Options{Logger: logger})
//	sub, err := d.Attach("billing", dispatch.SubscribeOptions{StartAt: dispatch.StartEarliest})
//	if err != nil {
//		return err
//	}
//	for {
//		e, err := sub.Next(ctx)
//		if err != nil {
//			return err
//		}
//		process(e)
//		if err := sub.Ack(e.Position); err != nil {
//			return err
//		}
//	}
//
// An optional CEL expression narrows what a subscription is handed, e.g.
// `producer == "billing" && size < 4096`.
package dispatch
