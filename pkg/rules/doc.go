/*
Package rules evaluates bundle mapping restrictions against a cluster topology.

The checks are pure functions of a topology.ClusterTopology and a Catalog of
the cluster bundle's prototypes. They are shared by the mapping engine (which
rejects violating deltas), the concern engine (which raises HC, REQUIREMENT
and SERVICE issues) and the upgrade executor.

# Constraints

A component constraint limits how many hosts it is mapped to:

	[0,+]   default, any number
	[1,+]   at least one
	[0,1]   at most one
	[2]     exactly two
	[+]     every host bound to the cluster
	[odd]   odd number of hosts
	[1,odd] odd, at least one

# Other rules

  - bound_to: the component is mapped to exactly the hosts of its target
  - requires (component): a mapped component needs the required service in the
    cluster and, when named, the required component mapped
  - requires (service): the same for every service added to the cluster
  - required services: service prototypes flagged required must be added

Violations are returned in a stable order so that the first one is
deterministic; FirstError turns it into MAPPING_CONSTRAINT_VIOLATION.
*/
package rules
