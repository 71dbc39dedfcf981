/*
Package reconciler keeps concerns consistent with the stored state.

Engines maintain issues and concern links inline with every change, so the
reconciler is a safety net: it repairs state left behind by a crash, a
manual store edit or a bundle reload outside a running process.

Every cycle (10 seconds by default) does two passes:

	┌──────────────────── cycle ────────────────────┐
	│ 1. LOCK concerns whose task is terminal or     │
	│    missing are released under the cluster gate │
	│ 2. every cluster and provider tree is          │
	│    refreshed: issues recomputed, links         │
	│    redistributed                               │
	└────────────────────────────────────────────────┘

Each tree is refreshed in its own transaction, so one broken tree does not
block the others. Cycle duration and results are exported as
stackman_reconcile_duration_seconds and stackman_reconcile_cycles_total.

# Usage

	r := reconciler.NewReconciler(reconciler.Config{
		Store:     store,
		Publisher: broker,
		Concerns:  concerns,
		Gate:      gate,
	})
	r.Start()
	defer r.Stop()

Reconcile runs a single cycle synchronously; stackman-fsck uses it for
offline repair.
*/
package reconciler
