/*
Package manager composes the stackman engines into one process-level façade.

A Manager owns the bbolt store, the secrets codec, the event broker and the
per-cluster gate, and wires the engines on top of them:

	┌────────────────────────── Manager ──────────────────────────┐
	│                                                              │
	│  objects  configs  mapping  binds  actions  bundles          │
	│     │        │        │       │       │        │             │
	│     ▼        ▼        ▼       ▼       ▼        ▼             │
	│  ┌──────────────────────────────────────────────────┐       │
	│  │ ClusterGate → txn.Run(store, broker, user, ...)  │       │
	│  └──────────────────────────────────────────────────┘       │
	│     │         │          │          │          │             │
	│  config    concern    mapping   scheduler   upgrade  bundle  │
	│  engine    engine     engine    + runner    executor loader  │
	│                                                              │
	│  background: scheduler loop, reconciler, metrics collector   │
	└──────────────────────────────────────────────────────────────┘

Every write operation takes the gate of the cluster the target object
belongs to (0 for objects outside a cluster), runs in one transaction and
leaves concerns consistent before it commits: creating objects initializes
their config and refreshes issues, saving a config raises the outdated
config flag, binding a host or an import recomputes the cluster's issues and
maintenance mode changes redistribute concern links.

The acting user travels in the context:

	ctx := manager.WithUser(context.Background(), "admin")
	cluster, err := m.CreateCluster(ctx, bundleID, "prod")

# Lifecycle

	m, err := manager.NewManager(&manager.Config{DataDir: "/var/lib/stackman"})
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Stop()

Start aborts tasks a previous process left RUNNING before the scheduler loop
begins dispatching. Stop closes the store after every loop has exited.
*/
package manager
