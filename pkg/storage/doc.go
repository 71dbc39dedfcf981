/*
Package storage provides BoltDB-backed persistence for stackman state.

BoltStore implements Store with bbolt transactions. Every record is JSON
serialized into its own bucket and keyed by a big-endian uint64 allocated from
the bucket sequence, so iteration order is creation order.

# Buckets

	bundles, prototypes, actions, upgrades      immutable definitions
	clusters, services, components,
	providers, hosts                            runtime objects
	host_components                             <cluster>/<host>/<component>
	concerns                                    concern records
	concern_links                               <type>/<object>/<concern>
	concern_objects                             <concern>/<type>/<object>
	configs                                     config revisions
	config_host_groups, action_host_groups      host groups
	binds                                       import binds
	tasks, jobs                                 action executions

Composite keys use zero padded decimal ids so that a cursor Seek on a prefix
returns every edge of a cluster, every edge of a host, or every link of one
object or one concern.

# Transactions

All access goes through Store.Update and Store.View:

	err := store.Update(func(tx storage.Tx) error {
		cluster, err := tx.GetCluster(id)
		if err != nil {
			return err
		}
		cluster.State = "installed"
		return tx.UpdateObject(cluster)
	})

Returning an error rolls the transaction back. Engines signal broken internal
invariants by panicking with errdefs.Fatal; Update recovers that panic, rolls
back and returns the LOCK_ERROR. Any other panic propagates.

# Integrity

The store enforces schema-level rules only:

  - parent references exist (service -> cluster, component -> service, host -> provider)
  - names are unique (cluster, provider, host FQDN, host group per owner)
  - a service prototype appears once per cluster, a component prototype once per service
  - mapping edges satisfy host.cluster_id == component.cluster_id == edge cluster
  - concern links point at existing objects
  - task status moves only CREATED -> RUNNING -> terminal

Business rules (constraints, maintenance mode, locking) belong to the engines.
*/
package storage
