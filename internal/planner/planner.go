// Package planner builds deployment plans by walking the object graph from
// each host's contains/depends tree, rendering templates into a DAG, and
// topologically emitting PlanActions diffed against the last deployed state
// (spec §4.2). It is the single-threaded, non-suspending counterpart to the
// executor: a plan run is bounded purely by graph size.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/template"
	"github.com/simpleadmin/sadmin/internal/web"
)

// Store is the subset of internal/store.Store the planner reads.
type Store interface {
	ListNewest() ([]model.Object, error)
	GetDeployments(host int64) ([]model.DeploymentRecord, error)
}

// Planner is the web.Planner implementation.
type Planner struct {
	store Store
}

// New constructs a Planner over store.
func New(store Store) *Planner {
	return &Planner{store: store}
}

// Build walks every host's contains/depends tree, renders templates, emits a
// topologically-ordered action list per host, diffs it against last-deployed
// state, and concatenates the results. focus, if non-zero, narrows each
// host's emitted actions to the objects whose id or type id equals focus;
// objects only reachable from them are not included, and a host with no
// matching object keeps all its actions.
func (p *Planner) Build(ctx context.Context, focus int64) (*web.PlanResult, error) {
	objs, err := p.store.ListNewest()
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]model.Object, len(objs))
	for _, o := range objs {
		byID[o.ID] = o
	}

	types := make(map[int64]model.Type)
	for _, o := range objs {
		if o.Deleted() || o.Type != model.TypeObjectID {
			continue
		}
		var t model.Type
		if err := decodeContent(o.Content, &t); err == nil {
			types[o.ID] = t
		}
	}

	var hostIDs []int64
	for _, o := range objs {
		if o.Deleted() {
			continue
		}
		if t, ok := types[o.Type]; ok && t.Kind == model.KindHost {
			hostIDs = append(hostIDs, o.ID)
		}
	}
	sort.Slice(hostIDs, func(i, j int) bool { return hostIDs[i] < hostIDs[j] })

	rootScope := template.NewScope()
	if root, ok := byID[model.RootObjectID]; ok && !root.Deleted() {
		seedScope(rootScope, root.Content)
	}
	rootScope.Set("user", "root")
	rootScope.Set("editor", "vim")

	var allActions []model.PlanAction
	var allErrs []string

	for _, hostID := range hostIDs {
		actions, errs := p.buildHost(hostID, byID, types, rootScope, focus)
		if len(errs) > 0 {
			allErrs = append(allErrs, errs...)
			continue
		}
		allActions = append(allActions, actions...)
	}

	if len(allErrs) > 0 {
		return &web.PlanResult{Errors: allErrs}, nil
	}

	for i := range allActions {
		allActions[i].Index = i
	}
	return &web.PlanResult{Actions: allActions}, nil
}

// buildHost runs steps 2-11 of the planning algorithm for a single host and
// returns its diffed, trigger-augmented, package-suppressed action list.
func (p *Planner) buildHost(hostID int64, byID map[int64]model.Object, types map[int64]model.Type, rootScope *template.Scope, focus int64) ([]model.PlanAction, []string) {
	host, ok := byID[hostID]
	if !ok || host.Deleted() {
		return nil, []string{fmt.Sprintf("host %d not found", hostID)}
	}

	var hc model.HostContent
	if err := decodeContent(host.Content, &hc); err != nil {
		return nil, []string{fmt.Sprintf("host %d: invalid content: %v", hostID, err)}
	}

	outer := rootScope.Child()
	prelude(hostID, byID, types, outer, map[int64]bool{})
	for k, v := range hc.Variables {
		outer.Export(k, v)
	}
	for k, v := range hc.Secrets {
		outer.Export(k, v)
	}
	outer.Set("nodename", host.Name)

	g := newGraph()
	var errs []string
	for _, childID := range hc.Contains {
		walk(childID, "."+itoa(childID), childName(byID, childID), byID, types, outer, g, map[int64]bool{}, &errs)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	order, errs := g.topoOrder()
	if len(errs) > 0 {
		return nil, errs
	}

	order = g.filterFocus(order, focus, byID)

	actions := make([]model.PlanAction, 0, len(order))
	for _, n := range order {
		if n.kind != entryNode || n.objKind == model.KindHost || n.objKind == model.KindRoot ||
			n.objKind == model.KindCollection || n.objKind == model.KindHostVar {
			continue
		}
		actions = append(actions, model.PlanAction{
			Host:            hostID,
			Name:            n.name,
			Title:           n.title,
			Enabled:         true,
			Status:          model.StatusNormal,
			Action:          model.ActionAdd,
			Script:          n.script,
			NextContent:     n.contentJSON,
			ObjectID:        n.objID,
			TypeID:          n.typeID,
			TypeName:        typeName(types, n.typeID),
			Triggers:        n.triggers,
			DeploymentOrder: n.order,
			SumKind:         n.objKind == model.KindSum,
			Kind:            n.objKind,
		})
	}

	records, err := p.store.GetDeployments(hostID)
	if err != nil {
		return nil, []string{fmt.Sprintf("host %d: %v", hostID, err)}
	}
	recByKey := make(map[string]model.DeploymentRecord, len(records))
	for _, r := range records {
		recByKey[r.Name] = r
	}

	actions = diffAgainstRecords(actions, recByKey)
	if focus == 0 {
		actions = append(actions, removals(hostID, actions, recByKey)...)
	}
	actions = append(actions, collectTriggers(actions)...)
	actions = suppressPackages(actions, hc.DebPackages, types)

	return actions, nil
}

func typeName(types map[int64]model.Type, id int64) string {
	if t, ok := types[id]; ok {
		return t.Plural
	}
	return ""
}

func itoa(v int64) string {
	return fmt.Sprintf("%d", v)
}

func decodeContent(c model.ObjectContent, out any) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func seedScope(s *template.Scope, content model.ObjectContent) {
	var hc model.HostContent
	_ = decodeContent(content, &hc)
	for k, v := range hc.Variables {
		s.Set(k, v)
	}
	for k, v := range hc.Secrets {
		s.Set(k, v)
	}
}
