/*
Package events implements the in-process notification bus of stackman.

Engines never publish directly while a transaction is open. They append events
to the Batch carried by their transaction context; txn.Run flushes the batch
to the Broker only after the bbolt transaction committed, so subscribers never
observe state that was rolled back.

# Event Types

	hc_map_updated        HCMapUpdated{cluster_id}
	concerns_changed      ConcernsChanged{added, removed}
	object_state_changed  ObjectStateChanged{object, old_state, new_state}
	task_status_changed   TaskStatusChanged{task_id, owner, old_status, new_status, failed_job, exit_code}
	task_finished         TaskStatusChanged of the terminal move
	object_mm_changed     ObjectMMChanged{object, old, new}
	bundle_loaded         BundleLoaded{bundle_id, name, version, signature_status}

Payloads are JSON encoded at creation. Subscribers decode them with
Event.Decode, or forward Event values as-is to HTTP or WebSocket clients.

# Delivery

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		var changed events.ConcernsChanged
		if event.Type == events.EventConcernsChanged && event.Decode(&changed) == nil {
			// ...
		}
	}

One distribution goroutine fans events out, so every subscriber sees events in
publish order and therefore in order per Key. A subscriber whose buffer is
full misses the event; the broker counts such drops and logs them.
*/
package events
