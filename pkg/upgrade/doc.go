// Package upgrade moves clusters and providers from one bundle version to
// another.
//
// An upgrade is declared by the target bundle. It applies to an object when
// the object's bundle has the same name, its version lies within
// [min_version, max_version] (bounds exclusive when strict), its edition is
// listed in from_edition and its state is in state_available.
//
// Upgrades with an action run as a task whose internal bundle_switch script
// calls SwitchBundle. Upgrades without one switch immediately in a single
// transaction. The switch re-points the object tree to the target
// prototypes by name, deletes components and services the target no longer
// defines, creates the new components, re-bases configs (honouring
// renamed_from) and keeps the mapping of surviving components. A mapping
// that violates the target bundle's rules rolls the whole switch back with
// UPGRADE_ERROR.
package upgrade
