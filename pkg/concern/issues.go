package concern

import (
	"fmt"
	"strings"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/rules"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// issueSet collects the issues that currently hold for the objects of a scope
type issueSet map[types.ObjectRef]map[types.ConcernCause]string

func (s issueSet) raise(ref types.ObjectRef, cause types.ConcernCause, message string) {
	if s[ref] == nil {
		s[ref] = map[types.ConcernCause]string{}
	}
	if _, ok := s[ref][cause]; !ok {
		s[ref][cause] = message
	}
}

var issueCauses = []types.ConcernCause{
	types.CauseConfig,
	types.CauseImport,
	types.CauseService,
	types.CauseHC,
	types.CauseRequirement,
	types.CauseHostComponent,
}

// updateIssues recomputes every issue cause for every object of the scope and
// creates, updates or deletes ISSUE concerns to match
func (e *Engine) updateIssues(ctx *txn.Context, sc *scope, ch *changes) error {
	found := issueSet{}
	var objects []types.ADCMObject

	for _, id := range sets.List(sc.clusters) {
		topo, err := topology.Load(ctx.Tx, id)
		if err != nil {
			return err
		}
		if err := e.clusterIssues(ctx.Tx, topo, found); err != nil {
			return err
		}
		objects = append(objects, topo.Cluster)
		for _, s := range topo.Services {
			objects = append(objects, s.Info)
			for _, c := range s.Components {
				objects = append(objects, c.Info)
			}
		}
		for _, h := range topo.Hosts {
			objects = append(objects, h)
		}
	}
	for _, id := range sets.List(sc.hosts) {
		h, err := ctx.Tx.GetHost(id)
		if err != nil {
			return err
		}
		objects = append(objects, h)
	}
	for _, id := range sets.List(sc.providers) {
		p, err := ctx.Tx.GetProvider(id)
		if err != nil {
			return err
		}
		objects = append(objects, p)
	}

	for _, obj := range objects {
		if err := e.configIssue(ctx.Tx, obj, found); err != nil {
			return err
		}
	}
	for _, obj := range objects {
		for _, cause := range issueCauses {
			message, holds := found[obj.Ref()][cause]
			if err := setIssue(ctx, obj, cause, holds, message, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) clusterIssues(tx storage.Tx, topo *topology.ClusterTopology, found issueSet) error {
	proto, err := tx.GetPrototype(topo.Cluster.PrototypeID)
	if err != nil {
		return err
	}
	cat, err := rules.LoadCatalog(tx, proto.BundleID)
	if err != nil {
		return err
	}
	clusterRef := topo.Cluster.Ref()

	if v := rules.CheckConstraints(topo, cat); len(v) > 0 {
		found.raise(clusterRef, types.CauseHC, v[0].Message)
	}
	if v := rules.CheckRequiredServices(topo, cat); len(v) > 0 {
		found.raise(clusterRef, types.CauseService, v[0].Message)
	}
	if len(topo.Hosts) > 0 && len(topo.Services) > 0 && topo.MappedHosts().Len() == 0 {
		found.raise(clusterRef, types.CauseHostComponent, "no host is mapped to any component")
	}
	for _, v := range rules.CheckComponentRequires(topo, cat) {
		found.raise(v.Object, types.CauseRequirement, v.Message)
	}
	for _, v := range rules.CheckServiceRequires(topo, cat) {
		found.raise(v.Object, types.CauseRequirement, v.Message)
	}

	binds, err := tx.ListBinds(topo.Cluster.ID)
	if err != nil {
		return err
	}
	if msg, err := unboundImport(tx, proto, 0, binds); err != nil {
		return err
	} else if msg != "" {
		found.raise(clusterRef, types.CauseImport, msg)
	}
	for _, s := range topo.Services {
		sp := cat.ByID[s.Info.PrototypeID]
		if sp == nil {
			continue
		}
		if msg, err := unboundImport(tx, sp, s.Info.ID, binds); err != nil {
			return err
		} else if msg != "" {
			found.raise(s.Info.Ref(), types.CauseImport, msg)
		}
	}
	return nil
}

// unboundImport returns a message naming the first required import of the
// prototype that has no bind, or "" when every required import is bound
func unboundImport(tx storage.Tx, proto *types.Prototype, serviceID uint64, binds []*types.Bind) (string, error) {
	bound := sets.New[string]()
	for _, b := range binds {
		if b.ServiceID != serviceID {
			continue
		}
		name, err := sourceName(tx, b)
		if err != nil {
			return "", err
		}
		bound.Insert(name)
	}
	for _, imp := range proto.Imports {
		if imp.Required && !bound.Has(imp.Name) {
			return fmt.Sprintf("required import %q is not bound", imp.Name), nil
		}
	}
	return "", nil
}

func sourceName(tx storage.Tx, b *types.Bind) (string, error) {
	ref := types.ClusterRef(b.SourceCluster)
	if b.SourceService != 0 {
		ref = types.ServiceRef(b.SourceService)
	}
	obj, err := tx.GetObject(ref)
	if err != nil {
		return "", err
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return "", err
	}
	return proto.Name, nil
}

func (e *Engine) configIssue(tx storage.Tx, obj types.ADCMObject, found issueSet) error {
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return err
	}
	if proto.Config.IsEmpty() {
		return nil
	}
	current, err := e.configs.Current(tx, obj)
	if err != nil {
		return err
	}
	if missing := config.MissingRequired(proto.Config, current.Values, current.Attr); len(missing) > 0 {
		found.raise(obj.Ref(), types.CauseConfig, "required parameters have no value: "+strings.Join(missing, ", "))
	}
	return nil
}

func issueName(cause types.ConcernCause) string {
	return strings.ToLower(string(cause)) + "_issue"
}

// setIssue makes the ISSUE of one (owner, cause) exist iff holds
func setIssue(ctx *txn.Context, obj types.ADCMObject, cause types.ConcernCause, holds bool, message string, ch *changes) error {
	ref := obj.Ref()
	existing, err := ctx.Tx.ListConcerns(storage.ConcernFilter{Owner: &ref, Type: types.ConcernIssue, Cause: cause})
	if err != nil {
		return err
	}

	if !holds {
		for _, c := range existing {
			if err := deleteConcern(ctx, c.ID, ch); err != nil {
				return err
			}
		}
		return nil
	}

	reason := reasonFor(obj, "${source} has an issue: "+message)
	if len(existing) > 0 {
		c := existing[0]
		if c.Reason.Message == reason.Message {
			return nil
		}
		c.Reason = reason
		return ctx.Tx.UpdateConcern(c)
	}

	c := &types.Concern{
		Type:     types.ConcernIssue,
		Owner:    ref,
		Name:     issueName(cause),
		Cause:    cause,
		Blocking: true,
		Reason:   reason,
	}
	if err := ctx.Tx.CreateConcern(c); err != nil {
		return fmt.Errorf("failed to create %s issue on %s: %w", cause, ref, err)
	}
	ctx.Log.Debug().
		Str("owner", ref.String()).
		Str("cause", string(cause)).
		Uint64("concern_id", c.ID).
		Msg("Issue raised")
	return nil
}

func reasonFor(obj types.ADCMObject, message string) types.Reason {
	ref := obj.Ref()
	return types.Reason{
		Message: message,
		Placeholder: map[string]types.Placeholder{
			"source": {Type: ref.Type, ID: ref.ID, Name: obj.Base().Name},
		},
	}
}
