/*
Package config validates and stores object configuration.

A ConfigSpec from the object's prototype describes the parameters; values are
a map keyed by parameter name where groups hold a nested map keyed by
subname. Every save creates a new ConfigLog revision and re-points the
object's ConfigID at it; older revisions are kept.

# Validation

CheckValues enforces type, pattern, min/max, option lists, strict variants
and yspec structures. A required parameter may stay empty only inside an
activatable group that is inactive. Parameters marked read-only in the
owner's current state must keep their previous value.

Variant sources are inline lists, another parameter of the same config, or
builtin functions resolved against the cluster topology:

	host                  every host
	host_in_cluster       hosts bound to the cluster (args narrow by service/component)
	host_not_in_clusters  unbound hosts
	service_in_cluster    services added to the cluster
	service_to_add        services of the bundle not added yet

# Secrets

password, secrettext, secretfile and secretmap values are encrypted through a
Codec before they are stored. Get masks them with "****" unless the caller
asks for decryption, and a "****" submitted back keeps the stored value.

# Config host groups

A group copies the owner's config and overrides it for a set of hosts. Its
sync mask mirrors the values: a true entry follows the owner on every save,
a false entry keeps the group's own value. Flipping an entry to false needs
config_group_customization on the owner prototype and group_customization on
the parameter.

# Upgrades

Merge carries values into a new spec by path or by renamed_from, keeping a
value only when the types are compatible and falling back to the new
default otherwise.
*/
package config
