/*
Package events provides an in-memory event broker for the Worker Runtime's
audit trail: every policy-recovery decision and terminal task transition is
both persisted through the Store (so the Policy Recovery Judge and a retry
scheduler can read history) and broadcast to any in-process subscriber.

# Usage

Construct one Broker per process, backed by the Store:

	broker := events.NewBroker(store)
	broker.Start()
	defer broker.Stop()

Components emit fire-and-forget:

	broker.Emit(task.ID, run.ID, types.EventTaskBlocked, map[string]any{
		"blockReason": task.BlockReason,
	})

A subscriber drains events without blocking the emitter, since each
subscriber has its own buffered channel and a full buffer simply drops the
newest event for that subscriber rather than back-pressuring Emit:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		// ...
	}

Emit does not wait on persistence or on a slow subscriber while the broker's
100-event queue has room. Stop ends the event loop without waiting for it:
events still queued are neither persisted nor broadcast, and subscriber
channels stay open until Unsubscribe is called on each of them.
*/
package events
