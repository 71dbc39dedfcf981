/*
Package types defines the data model shared by every stackman engine.

The types here are plain, JSON-serializable records. They carry no behaviour
beyond small helpers (state list matching, multi-state edits, delta
normalization); all business rules live in the engines that consume them.

# Object Graph

Runtime objects form two hierarchies joined by the host-component map:

	Cluster ─┬─ Service ─┬─ Component ◄───┐
	         │           └─ Component     │  HostComponent edges
	         └─ Service ── Component ◄──┐ │
	                                    │ │
	Provider ─┬─ Host ──────────────────┘ │
	          └─ Host ────────────────────┘

Every object embeds Object (id, prototype, state, multi-state, maintenance
mode, current config) and implements ADCMObject. ObjectRef is the tagged
reference used wherever an engine needs to point at "any object": concern
owners, concern links, config owners and task owners all store an ObjectRef.

# Definitions

Bundles are loaded once and never mutated:

  - Bundle: archive identity, signature status, version order
  - Prototype: object definition with config schema and mapping restrictions
  - Action: scripted operation with state masks and transitions
  - Upgrade: version range and edition filter for switching bundles

# Runtime Records

  - ConfigLog: one config revision of an object or config host group
  - ConfigHostGroup / ActionHostGroup: named host subsets of an object
  - Concern: ISSUE, FLAG or LOCK owned by one object
  - Task / Job: action executions and their per-script records
  - TaskSpec: the payload handed to the Job Runner

All types are read-safe; mutation is synchronized by the storage layer's
transactions.
*/
package types
