package bundle

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/rules"
	"github.com/cuemby/stackman/pkg/types"
	"gopkg.in/yaml.v3"
)

const defaultEdition = "community"

// source is one definition file of an archive
type source struct {
	dir     string
	objects []dslObject
}

// files is the content of an unpacked archive keyed by slash separated path
type files map[string][]byte

// read resolves name against dir first, then against the archive root
func (f files) read(dir, name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "./")
	candidates := []string{path.Clean(path.Join(dir, name)), path.Clean(name)}
	for _, c := range candidates {
		if data, ok := f[c]; ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("file %q not found in archive", name)
}

func (f files) sources() ([]source, error) {
	var names []string
	for name := range f {
		base := path.Base(name)
		if base == "config.yaml" || base == "config.yml" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, bundleErr("archive has no config.yaml")
	}
	sort.Strings(names)

	out := make([]source, 0, len(names))
	for _, name := range names {
		objects, err := decodeObjects(f[name])
		if err != nil {
			return nil, bundleErr("%s: %v", name, err)
		}
		out = append(out, source{dir: path.Dir(name), objects: objects})
	}
	return out, nil
}

// decodeObjects accepts a list of definitions or a single mapping
func decodeObjects(data []byte) ([]dslObject, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		var objects []dslObject
		if err := node.Decode(&objects); err != nil {
			return nil, err
		}
		return objects, nil
	case yaml.MappingNode:
		var obj dslObject
		if err := node.Decode(&obj); err != nil {
			return nil, err
		}
		return []dslObject{obj}, nil
	}
	return nil, fmt.Errorf("line %d: definitions must be a list", node.Line)
}

// builder turns parsed definitions into store records
type builder struct {
	files files
	defs  *types.BundleDefinitions
	main  *dslObject
}

func buildDefinitions(f files) (*types.BundleDefinitions, error) {
	sources, err := f.sources()
	if err != nil {
		return nil, err
	}
	b := &builder{
		files: f,
		defs:  &types.BundleDefinitions{Actions: map[string][]*types.Action{}},
	}

	for _, src := range sources {
		for i := range src.objects {
			obj := &src.objects[i]
			if err := validate.Struct(obj); err != nil {
				return nil, bundleErr("definition %s %q: %v", obj.Type, obj.Name, err)
			}
			if err := b.add(src.dir, obj); err != nil {
				return nil, err
			}
		}
	}
	if b.main == nil {
		return nil, bundleErr("bundle defines neither a cluster nor a provider")
	}
	if err := b.checkKinds(); err != nil {
		return nil, err
	}
	if err := b.checkReferences(); err != nil {
		return nil, err
	}
	if err := checkRequiresCycles(b.defs.Prototypes); err != nil {
		return nil, err
	}

	edition := b.main.Edition
	if edition == "" {
		edition = defaultEdition
	}
	b.defs.Bundle = types.Bundle{
		Name:        b.main.Name,
		Version:     normalizeVersion(b.main.Version),
		Edition:     edition,
		Description: b.main.Description,
	}
	return b.defs, nil
}

func (b *builder) add(dir string, obj *dslObject) error {
	objType := types.ObjectType(obj.Type)
	if objType == types.ObjectTypeCluster || objType == types.ObjectTypeProvider {
		if b.main != nil {
			return bundleErr("bundle defines more than one cluster or provider (%s, %s)", b.main.Name, obj.Name)
		}
		b.main = obj
	}
	if len(obj.Components) > 0 && objType != types.ObjectTypeService {
		return bundleErr("%s %q: only services have components", obj.Type, obj.Name)
	}
	if len(obj.Upgrade) > 0 && objType != types.ObjectTypeCluster && objType != types.ObjectTypeProvider {
		return bundleErr("%s %q: only clusters and providers declare upgrades", obj.Type, obj.Name)
	}

	yspec := b.yspecLoader(dir)
	loadFile := b.fileLoader(dir)

	cfg, err := buildConfig(obj.Config, yspec)
	if err != nil {
		return err
	}
	proto := &types.Prototype{
		Type:                     objType,
		Name:                     obj.Name,
		DisplayName:              displayName(obj.DisplayName, obj.Name),
		Description:              obj.Description,
		Version:                  normalizeVersion(obj.Version),
		Config:                   cfg,
		Requires:                 obj.Requires,
		Required:                 obj.Required,
		Shared:                   obj.Shared,
		Monitoring:               monitoring(obj.Monitoring),
		AllowMaintenanceMode:     isTrue(obj.AllowMaintenanceMode, objType != types.ObjectTypeCluster),
		ConfigGroupCustomization: isTrue(obj.ConfigGroupCustomization, false),
		FlagAutogeneration:       obj.FlagAutogeneration,
		Exports:                  obj.Export,
	}
	for _, name := range sortedKeys(obj.Import) {
		imp := obj.Import[name]
		proto.Imports = append(proto.Imports, types.ImportSpec{Name: name, Required: imp.Required, Multibind: imp.Multibind})
	}
	if err := b.addPrototype(proto, obj.Actions, yspec, loadFile); err != nil {
		return err
	}

	for _, name := range sortedKeys(obj.Components) {
		c := obj.Components[name]
		if err := validate.Struct(c); err != nil {
			return bundleErr("component %s.%s: %v", obj.Name, name, err)
		}
		ccfg, err := buildConfig(c.Config, yspec)
		if err != nil {
			return err
		}
		cconstraint, err := checkConstraint(obj.Name+"."+name, c.Constraint)
		if err != nil {
			return err
		}
		comp := &types.Prototype{
			Type:                     types.ObjectTypeComponent,
			Name:                     name,
			DisplayName:              displayName(c.DisplayName, name),
			Description:              c.Description,
			Version:                  proto.Version,
			ParentName:               obj.Name,
			Config:                   ccfg,
			Requires:                 c.Requires,
			BoundTo:                  c.BoundTo,
			Constraint:               cconstraint,
			Monitoring:               monitoring(c.Monitoring),
			AllowMaintenanceMode:     isTrue(c.AllowMaintenanceMode, true),
			ConfigGroupCustomization: isTrue(c.ConfigGroupCustomization, proto.ConfigGroupCustomization),
			FlagAutogeneration:       c.FlagAutogeneration,
		}
		if err := b.addPrototype(comp, c.Actions, yspec, loadFile); err != nil {
			return err
		}
	}

	for _, u := range obj.Upgrade {
		ud, err := buildUpgrade(proto, u, yspec)
		if err != nil {
			return err
		}
		b.defs.Upgrades = append(b.defs.Upgrades, ud)
	}
	return nil
}

func (b *builder) addPrototype(proto *types.Prototype, actions map[string]dslAction, yspec yspecLoader, loadFile func(string) (string, error)) error {
	if err := config.CheckDefaults(proto.Config); err != nil {
		return errdefs.Wrap(errdefs.BundleError, err, "%s %q", proto.Type, proto.Name)
	}
	b.defs.Prototypes = append(b.defs.Prototypes, proto)

	key := types.PrototypeKey(proto.Type, proto.Name, proto.ParentName)
	for _, name := range sortedKeys(actions) {
		a, err := buildAction(name, actions[name], yspec, loadFile)
		if err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return errdefs.Wrap(errdefs.BundleError, err, "%s %q", proto.Type, proto.Name)
		}
		if a.HostAction && proto.Type != types.ObjectTypeCluster && proto.Type != types.ObjectTypeService &&
			proto.Type != types.ObjectTypeComponent {
			return bundleErr("action %q: host_action is allowed on cluster, service or component only", name)
		}
		if err := config.CheckDefaults(a.Config); err != nil {
			return errdefs.Wrap(errdefs.BundleError, err, "action %q", name)
		}
		b.defs.Actions[key] = append(b.defs.Actions[key], a)
	}
	return nil
}

func (b *builder) yspecLoader(dir string) yspecLoader {
	return func(name string) (map[string]any, error) {
		data, err := b.files.read(dir, name)
		if err != nil {
			return nil, bundleErr("yspec: %v", err)
		}
		var schema map[string]any
		if err := yaml.Unmarshal(data, &schema); err != nil {
			return nil, bundleErr("yspec %s: %v", name, err)
		}
		if _, err := config.ParseYSpec(schema); err != nil {
			return nil, errdefs.Wrap(errdefs.BundleError, err, "yspec %s", name)
		}
		return schema, nil
	}
}

func (b *builder) fileLoader(dir string) func(string) (string, error) {
	return func(name string) (string, error) {
		data, err := b.files.read(dir, name)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// checkKinds enforces which prototype types may live together
func (b *builder) checkKinds() error {
	mainType := types.ObjectType(b.main.Type)
	for _, p := range b.defs.Prototypes {
		switch p.Type {
		case types.ObjectTypeService, types.ObjectTypeComponent:
			if mainType != types.ObjectTypeCluster {
				return bundleErr("%s %q belongs in a cluster bundle", p.Type, p.Name)
			}
		case types.ObjectTypeHost:
			if mainType != types.ObjectTypeProvider {
				return bundleErr("host %q belongs in a provider bundle", p.Name)
			}
		}
	}
	return nil
}

// checkReferences verifies requires and bound_to name declared prototypes
func (b *builder) checkReferences() error {
	services := map[string]bool{}
	components := map[string]bool{}
	for _, p := range b.defs.Prototypes {
		switch p.Type {
		case types.ObjectTypeService:
			services[p.Name] = true
		case types.ObjectTypeComponent:
			components[p.ParentName+"."+p.Name] = true
		}
	}
	for _, p := range b.defs.Prototypes {
		for _, req := range p.Requires {
			if !services[req.Service] {
				return bundleErr("%s %q requires unknown service %q", p.Type, p.Name, req.Service)
			}
			if req.Component != "" && !components[req.Service+"."+req.Component] {
				return bundleErr("%s %q requires unknown component %s.%s", p.Type, p.Name, req.Service, req.Component)
			}
		}
		if p.BoundTo != nil && !components[p.BoundTo.String()] {
			return bundleErr("component %s.%s is bound to unknown component %s", p.ParentName, p.Name, p.BoundTo)
		}
		if p.BoundTo != nil && p.BoundTo.Service == p.ParentName && p.BoundTo.Component == p.Name {
			return bundleErr("component %s.%s is bound to itself", p.ParentName, p.Name)
		}
	}
	return nil
}

func requireNode(r types.RequireRef) string {
	if r.Component == "" {
		return r.Service
	}
	return r.Service + "." + r.Component
}

// checkRequiresCycles rejects requires chains that lead back to their start
func checkRequiresCycles(protos []*types.Prototype) error {
	edges := map[string][]string{}
	for _, p := range protos {
		var node string
		switch p.Type {
		case types.ObjectTypeService:
			node = p.Name
		case types.ObjectTypeComponent:
			node = p.ParentName + "." + p.Name
		default:
			continue
		}
		for _, r := range p.Requires {
			edges[node] = append(edges[node], requireNode(r))
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := map[string]int{}
	var visit func(node string, trail []string) error
	visit = func(node string, trail []string) error {
		switch marks[node] {
		case visiting:
			return bundleErr("cyclic requires: %s", strings.Join(append(trail, node), " -> "))
		case done:
			return nil
		}
		marks[node] = visiting
		for _, next := range edges[node] {
			if err := visit(next, append(trail, node)); err != nil {
				return err
			}
		}
		marks[node] = done
		return nil
	}

	nodes := sortedKeys(edges)
	for _, n := range nodes {
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}

func checkConstraint(owner string, raw scalarList) (types.Constraint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := types.Constraint(raw)
	if _, err := rules.ParseConstraint(c); err != nil {
		return nil, errdefs.Wrap(errdefs.BundleError, err, "component %s constraint", owner)
	}
	return c, nil
}

func buildUpgrade(proto *types.Prototype, u dslUpgrade, yspec yspecLoader) (*types.UpgradeDefinition, error) {
	if u.Versions.Min != "" && u.Versions.MinStrict != "" {
		return nil, bundleErr("upgrade %q: min and min_strict are mutually exclusive", u.Name)
	}
	if u.Versions.Max != "" && u.Versions.MaxStrict != "" {
		return nil, bundleErr("upgrade %q: max and max_strict are mutually exclusive", u.Name)
	}
	up := &types.Upgrade{
		Name:           u.Name,
		DisplayName:    displayName(u.DisplayName, u.Name),
		Description:    u.Description,
		MinVersion:     u.Versions.Min,
		MaxVersion:     u.Versions.Max,
		FromEditions:   u.FromEdition,
		StateAvailable: types.AnyState(),
	}
	if u.Versions.MinStrict != "" {
		up.MinVersion, up.MinStrict = u.Versions.MinStrict, true
	}
	if u.Versions.MaxStrict != "" {
		up.MaxVersion, up.MaxStrict = u.Versions.MaxStrict, true
	}
	if up.MinVersion == "" || up.MaxVersion == "" {
		return nil, bundleErr("upgrade %q: version range needs both bounds", u.Name)
	}
	if len(up.FromEditions) == 0 {
		up.FromEditions = []string{defaultEdition}
	}
	if u.States != nil {
		if u.States.Available != nil {
			up.StateAvailable = types.StateList(*u.States.Available)
		}
		up.StateOnSuccess = u.States.OnSuccess
	}

	ud := &types.UpgradeDefinition{
		Upgrade:      up,
		PrototypeKey: types.PrototypeKey(proto.Type, proto.Name, proto.ParentName),
	}
	if len(u.Scripts) == 0 {
		return ud, nil
	}

	action, err := buildAction(u.Name, dslAction{
		DisplayName: u.DisplayName,
		Description: u.Description,
		Type:        string(types.ActionTypeTask),
		Scripts:     u.Scripts,
		States:      u.States,
		Masking:     u.Masking,
		OnSuccess:   u.OnSuccess,
		OnFail:      u.OnFail,
		HcAcl:       u.HcAcl,
		Config:      u.Config,
	}, yspec, nil)
	if err != nil {
		return nil, err
	}
	// UpgradeID is assigned on save; mark the draft so Validate applies upgrade rules
	draft := *action
	draft.UpgradeID = ^uint64(0)
	if err := draft.Validate(); err != nil {
		return nil, errdefs.Wrap(errdefs.BundleError, err, "upgrade %q", u.Name)
	}
	if err := config.CheckDefaults(action.Config); err != nil {
		return nil, errdefs.Wrap(errdefs.BundleError, err, "upgrade %q", u.Name)
	}
	ud.Action = action
	return ud, nil
}

func displayName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func monitoring(m string) string {
	if m == "" {
		return "active"
	}
	return m
}
