package rules

import (
	"fmt"
	"sort"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Rule names reported in violations
const (
	RuleConstraint       = "constraint"
	RuleBoundTo          = "bound_to"
	RuleRequires         = "requires"
	RuleServiceRequires  = "service_requires"
	RuleRequiredService  = "required_service"
	RuleMaintenanceMode  = "maintenance_mode"
	RuleUnknownComponent = "unknown_component"
)

// Violation is one failed mapping restriction
type Violation struct {
	Rule    string
	Object  types.ObjectRef
	Message string
}

func (v Violation) Error() string {
	return v.Message
}

// Catalog indexes the prototypes of one cluster bundle by id and name
type Catalog struct {
	BundleID   uint64
	ByID       map[uint64]*types.Prototype
	Services   map[string]*types.Prototype
	Components map[types.ComponentName]*types.Prototype
}

// LoadCatalog reads every prototype of a bundle
func LoadCatalog(tx storage.Tx, bundleID uint64) (*Catalog, error) {
	protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID})
	if err != nil {
		return nil, err
	}
	return NewCatalog(bundleID, protos), nil
}

// NewCatalog indexes prototypes
func NewCatalog(bundleID uint64, protos []*types.Prototype) *Catalog {
	c := &Catalog{
		BundleID:   bundleID,
		ByID:       make(map[uint64]*types.Prototype, len(protos)),
		Services:   map[string]*types.Prototype{},
		Components: map[types.ComponentName]*types.Prototype{},
	}
	for _, p := range protos {
		c.ByID[p.ID] = p
		switch p.Type {
		case types.ObjectTypeService:
			c.Services[p.Name] = p
		case types.ObjectTypeComponent:
			c.Components[types.ComponentName{Service: p.ParentName, Component: p.Name}] = p
		}
	}
	return c
}

// ComponentName returns the (service, component) name of a component prototype
func (c *Catalog) ComponentName(protoID uint64) types.ComponentName {
	p := c.ByID[protoID]
	if p == nil {
		return types.ComponentName{}
	}
	return types.ComponentName{Service: p.ParentName, Component: p.Name}
}

// index maps prototype names onto the components present in a topology
type index struct {
	services   map[string]*topology.ServiceNode
	components map[types.ComponentName]*topology.ComponentNode
}

func newIndex(topo *topology.ClusterTopology, cat *Catalog) index {
	idx := index{
		services:   map[string]*topology.ServiceNode{},
		components: map[types.ComponentName]*topology.ComponentNode{},
	}
	for _, s := range topo.Services {
		if p := cat.ByID[s.Info.PrototypeID]; p != nil {
			idx.services[p.Name] = s
		}
		for _, c := range s.Components {
			idx.components[cat.ComponentName(c.Info.PrototypeID)] = c
		}
	}
	return idx
}

func sortedComponents(topo *topology.ClusterTopology) []*topology.ComponentNode {
	var out []*topology.ComponentNode
	for _, s := range topo.Services {
		for _, c := range s.Components {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

func sortedServices(topo *topology.ClusterTopology) []*topology.ServiceNode {
	var out []*topology.ServiceNode
	for _, s := range topo.Services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// CheckConstraints verifies host-count constraints and bound_to of every
// component present in the topology
func CheckConstraints(topo *topology.ClusterTopology, cat *Catalog) []Violation {
	var out []Violation
	idx := newIndex(topo, cat)

	for _, c := range sortedComponents(topo) {
		proto := cat.ByID[c.Info.PrototypeID]
		if proto == nil {
			continue
		}
		name := cat.ComponentName(proto.ID)

		constraint, err := ParseConstraint(proto.Constraint)
		if err != nil {
			out = append(out, Violation{Rule: RuleConstraint, Object: c.Info.Ref(),
				Message: fmt.Sprintf("component %q of service %q has invalid constraint: %v", name.Component, name.Service, err)})
			continue
		}
		if ok, msg := constraint.Check(c.Hosts.Len(), len(topo.Hosts)); !ok {
			out = append(out, Violation{Rule: RuleConstraint, Object: c.Info.Ref(),
				Message: fmt.Sprintf("component %q of service %q has %d hosts and %s (constraint %s)",
					name.Component, name.Service, c.Hosts.Len(), msg, constraint)})
		}

		if proto.BoundTo == nil {
			continue
		}
		target := idx.components[*proto.BoundTo]
		targetHosts := sets.New[uint64]()
		if target != nil {
			targetHosts = target.Hosts
		}
		if !c.Hosts.Equal(targetHosts) {
			out = append(out, Violation{Rule: RuleBoundTo, Object: c.Info.Ref(),
				Message: fmt.Sprintf("component %q of service %q must be mapped to the same hosts as %s",
					name.Component, name.Service, proto.BoundTo)})
		}
	}
	return out
}

// CheckComponentRequires verifies requires of every mapped component: the
// required service must be in the cluster and a required component must be
// mapped
func CheckComponentRequires(topo *topology.ClusterTopology, cat *Catalog) []Violation {
	var out []Violation
	idx := newIndex(topo, cat)

	for _, c := range sortedComponents(topo) {
		if c.Hosts.Len() == 0 {
			continue
		}
		proto := cat.ByID[c.Info.PrototypeID]
		if proto == nil {
			continue
		}
		name := cat.ComponentName(proto.ID)
		for _, req := range proto.Requires {
			if msg := idx.unmet(req); msg != "" {
				out = append(out, Violation{Rule: RuleRequires, Object: c.Info.Ref(),
					Message: fmt.Sprintf("component %q of service %q requires %s", name.Component, name.Service, msg)})
			}
		}
	}
	return out
}

// CheckServiceRequires verifies requires declared on every service present
// in the cluster
func CheckServiceRequires(topo *topology.ClusterTopology, cat *Catalog) []Violation {
	var out []Violation
	idx := newIndex(topo, cat)

	for _, s := range sortedServices(topo) {
		proto := cat.ByID[s.Info.PrototypeID]
		if proto == nil {
			continue
		}
		for _, req := range proto.Requires {
			if msg := idx.unmet(req); msg != "" {
				out = append(out, Violation{Rule: RuleServiceRequires, Object: s.Info.Ref(),
					Message: fmt.Sprintf("service %q requires %s", proto.Name, msg)})
			}
		}
	}
	return out
}

// CheckRequiredServices lists required service prototypes not added to the
// cluster
func CheckRequiredServices(topo *topology.ClusterTopology, cat *Catalog) []Violation {
	var out []Violation
	idx := newIndex(topo, cat)

	names := make([]string, 0, len(cat.Services))
	for name := range cat.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if cat.Services[name].Required && idx.services[name] == nil {
			out = append(out, Violation{Rule: RuleRequiredService, Object: topo.Cluster.Ref(),
				Message: fmt.Sprintf("required service %q is not added to the cluster", name)})
		}
	}
	return out
}

func (idx index) unmet(req types.RequireRef) string {
	if idx.services[req.Service] == nil {
		return fmt.Sprintf("service %q to be added to the cluster", req.Service)
	}
	if req.Component == "" {
		return ""
	}
	c := idx.components[types.ComponentName{Service: req.Service, Component: req.Component}]
	if c == nil || c.Hosts.Len() == 0 {
		return fmt.Sprintf("component %q of service %q to be mapped", req.Component, req.Service)
	}
	return ""
}

// CheckMappingRules runs constraint, bound_to, requires and service requires
// checks and returns the violations in that order
func CheckMappingRules(topo *topology.ClusterTopology, cat *Catalog) []Violation {
	var out []Violation
	out = append(out, CheckConstraints(topo, cat)...)
	out = append(out, CheckComponentRequires(topo, cat)...)
	out = append(out, CheckServiceRequires(topo, cat)...)
	return out
}

// FirstError converts the first violation into MAPPING_CONSTRAINT_VIOLATION
func FirstError(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	v := violations[0]
	return errdefs.New(errdefs.MappingConstraintViolation, "%s", v.Message).
		WithArgs(map[string]any{"rule": v.Rule, "object": v.Object.String()})
}
