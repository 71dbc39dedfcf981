package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// VariantResolver lists the choices of builtin variant sources
type VariantResolver interface {
	Builtin(name string, args map[string]any) ([]string, error)
}

// Builtin variant source names
const (
	BuiltinHost              = "host"
	BuiltinHostInCluster     = "host_in_cluster"
	BuiltinHostNotInClusters = "host_not_in_clusters"
	BuiltinServiceInCluster  = "service_in_cluster"
	BuiltinServiceToAdd      = "service_to_add"
)

// TopologyVariants resolves builtin sources against the cluster an object
// belongs to. ClusterID is zero for provider and unbound host configs.
type TopologyVariants struct {
	Tx        storage.Tx
	ClusterID uint64
}

func (r TopologyVariants) Builtin(name string, args map[string]any) ([]string, error) {
	switch name {
	case BuiltinHost:
		hosts, err := r.Tx.ListHosts(storage.HostFilter{})
		if err != nil {
			return nil, err
		}
		return hostNames(hosts, nil), nil

	case BuiltinHostNotInClusters:
		hosts, err := r.Tx.ListHosts(storage.HostFilter{Unbound: true})
		if err != nil {
			return nil, err
		}
		return hostNames(hosts, nil), nil

	case BuiltinHostInCluster:
		if r.ClusterID == 0 {
			return []string{}, nil
		}
		hosts, err := r.Tx.ListHosts(storage.HostFilter{ClusterID: r.ClusterID})
		if err != nil {
			return nil, err
		}
		service, _ := args["service"].(string)
		component, _ := args["component"].(string)
		if service == "" {
			return hostNames(hosts, nil), nil
		}
		keep, err := r.mappedTo(service, component)
		if err != nil {
			return nil, err
		}
		return hostNames(hosts, keep), nil

	case BuiltinServiceInCluster, BuiltinServiceToAdd:
		if r.ClusterID == 0 {
			return []string{}, nil
		}
		cluster, err := r.Tx.GetCluster(r.ClusterID)
		if err != nil {
			return nil, err
		}
		clusterProto, err := r.Tx.GetPrototype(cluster.PrototypeID)
		if err != nil {
			return nil, err
		}
		protos, err := r.Tx.ListPrototypes(storage.PrototypeFilter{BundleID: clusterProto.BundleID, Type: types.ObjectTypeService})
		if err != nil {
			return nil, err
		}
		services, err := r.Tx.ListServices(r.ClusterID)
		if err != nil {
			return nil, err
		}
		added := sets.New[uint64]()
		for _, s := range services {
			added.Insert(s.PrototypeID)
		}
		var out []string
		for _, p := range protos {
			if added.Has(p.ID) == (name == BuiltinServiceInCluster) {
				out = append(out, p.Name)
			}
		}
		sort.Strings(out)
		return out, nil
	}
	return nil, fmt.Errorf("unknown builtin variant source %q", name)
}

func (r TopologyVariants) mappedTo(service, component string) (sets.Set[uint64], error) {
	hcs, err := r.Tx.ListHostComponents(r.ClusterID)
	if err != nil {
		return nil, err
	}
	keep := sets.New[uint64]()
	for _, hc := range hcs {
		svc, err := r.Tx.GetService(hc.ServiceID)
		if err != nil {
			return nil, err
		}
		svcProto, err := r.Tx.GetPrototype(svc.PrototypeID)
		if err != nil {
			return nil, err
		}
		if svcProto.Name != service {
			continue
		}
		if component != "" {
			comp, err := r.Tx.GetComponent(hc.ComponentID)
			if err != nil {
				return nil, err
			}
			compProto, err := r.Tx.GetPrototype(comp.PrototypeID)
			if err != nil {
				return nil, err
			}
			if compProto.Name != component {
				continue
			}
		}
		keep.Insert(hc.HostID)
	}
	return keep, nil
}

func hostNames(hosts []*types.Host, keep sets.Set[uint64]) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if keep == nil || keep.Has(h.ID) {
			out = append(out, h.Name)
		}
	}
	sort.Strings(out)
	return out
}

// variantChoices returns the allowed values of a variant parameter. ok is
// false when the source cannot be resolved in this context.
func variantChoices(p *types.ParamSpec, values map[string]any, resolver VariantResolver) ([]string, bool, error) {
	src := p.Limits.Source
	switch src.Type {
	case types.VariantInline:
		out := make([]string, 0, len(src.Value))
		for _, v := range src.Value {
			out = append(out, fmt.Sprint(v))
		}
		return out, true, nil
	case types.VariantConfig:
		name, sub, _ := strings.Cut(src.Name, "/")
		var raw any
		if sub == "" {
			raw = values[name]
		} else if group, ok := values[name].(map[string]any); ok {
			raw = group[sub]
		}
		list, _ := raw.([]any)
		out := make([]string, 0, len(list))
		for _, v := range list {
			out = append(out, fmt.Sprint(v))
		}
		return out, true, nil
	case types.VariantBuiltin:
		if resolver == nil {
			return nil, false, nil
		}
		out, err := resolver.Builtin(src.Name, src.Args)
		return out, err == nil, err
	}
	return nil, false, fmt.Errorf("unknown variant source type %q", src.Type)
}
