/*
Package concern maintains ISSUE, FLAG and LOCK concerns and their links.

A concern is owned by one object and linked to every object it propagates to.
Inside a cluster, concerns flow up from components to services and the
cluster, down from the cluster and services to components, and across the
host-component map between hosts and the components they run. Provider
concerns reach every host of the provider, and host concerns reach the
provider.

# Refresh

Refresh is the entry point engines call after a change. It resolves the
changed objects to the cluster trees, unbound hosts and providers they touch,
recomputes every issue cause of those objects and then rewrites concern links:

	issues  -> CONFIG, IMPORT, SERVICE, HC, REQUIREMENT, HOST_COMPONENT
	links   -> desired set per object, muted by effective maintenance mode
	diff    -> link missing, unlink stale, never touch LOCK

Objects whose effective maintenance mode is on keep only the concerns they
own; a muted host also keeps the concerns of its provider.

# Locks

The scheduler owns LOCK concerns. AcquireLock links a lock to Targets(owner)
without muting, plus any staged hosts, and ReleaseLock removes it. Refresh
never links or unlinks a lock.

Every change is reported as one concerns_changed event per operation.
*/
package concern
