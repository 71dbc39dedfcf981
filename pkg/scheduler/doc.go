/*
Package scheduler launches bundle actions as tasks and applies their outcome.

# Discovery

Available lists the actions an object may run now. An action is available
when the object's state is in available_at and not in unavailable_at, its
multi-state tags pass the same test, and the object is out of maintenance
mode unless the action allows it. Host actions declared on a cluster,
service or component prototype surface on every host mapped to that object,
with states matched against the declaring object. Upgrade actions never
surface here; they run through the upgrade executor.

# Launch

	Launch(owner, action, config, delta)
	   │
	   ├─ gate cluster ─► check available ─► check free of blocking concerns
	   ├─ render config_jinja / scripts_jinja ─► validate config
	   ├─ hc_acl: check delta against hostcomponentmap, run mapping checks
	   ├─ create task (CREATED) and one job per script
	   ├─ acquire LOCK on owner (+ staged and target hosts)
	   └─ after commit: build TaskSpec ─► Dispatcher

A staged mapping delta is not committed at launch. The inventory shows added
hosts in <service>.<component>.add and removed hosts in .remove groups; the
delta is committed with no further checks when the task succeeds.

# Completion

The scheduler implements runner.Reporter. TaskFinished runs under the
cluster gate and in one transaction applies the on_success or on_fail
transitions, stores the terminal status, releases the lock, commits the
staged delta, lowers the outdated-config flag and refreshes concerns of the
owner. A task whose outcome cannot be applied is still closed as ABORTED.

# Loop

Every Interval the scheduler re-dispatches CREATED tasks the dispatcher
refused (for example on a full queue) and aborts CREATED tasks whose cancel
was requested. On Start, RUNNING tasks left over by a previous process are
finished as ABORTED.
*/
package scheduler
