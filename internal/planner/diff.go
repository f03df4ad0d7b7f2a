package planner

import (
	"bytes"
	"sort"

	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/template"
)

// prelude implements spec §4.2 step 3: a depth-first walk from the host through
// contains/depends of kinds Host, Collection, and HostVariable, accumulating
// variables into the outer scope; host variables/secrets are applied by the
// caller afterward so they win.
func prelude(hostID int64, byID map[int64]model.Object, types map[int64]model.Type, outer *template.Scope, visited map[int64]bool) {
	if visited[hostID] {
		return
	}
	visited[hostID] = true

	obj, ok := byID[hostID]
	if !ok || obj.Deleted() {
		return
	}
	var hc model.HostContent
	if err := decodeContent(obj.Content, &hc); err == nil {
		for k, v := range hc.Variables {
			outer.Export(k, v)
		}
		for k, v := range hc.Secrets {
			outer.Export(k, v)
		}
	}

	ids := append(append([]int64{}, obj.Content.Contains()...), obj.Content.Depends()...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		child, ok := byID[id]
		if !ok || child.Deleted() {
			continue
		}
		t, ok := types[child.Type]
		if !ok {
			continue
		}
		switch t.Kind {
		case model.KindHost, model.KindCollection, model.KindHostVar:
			prelude(id, byID, types, outer, visited)
		}
	}
}


// diffAgainstRecords implements spec §4.2 step 8: for each emitted action
// whose (host, name) matches a prior DeploymentRecord, mark Modify with
// prev_content/prev_script populated, and drop actions identical to the
// record.
func diffAgainstRecords(actions []model.PlanAction, recByKey map[string]model.DeploymentRecord) []model.PlanAction {
	out := make([]model.PlanAction, 0, len(actions))
	for _, a := range actions {
		rec, ok := recByKey[a.Name]
		if !ok {
			out = append(out, a)
			continue
		}
		if a.Script == rec.Script && bytes.Equal(a.NextContent, rec.Content) {
			continue
		}
		a.Action = model.ActionModify
		a.PrevContent = rec.Content
		a.PrevScript = rec.Script
		out = append(out, a)
	}
	return out
}

// removals implements spec §4.2 step 9: every (host, name) still recorded
// but not visited by this plan is emitted as Remove, ascending by
// (deployment_order, name).
func removals(hostID int64, actions []model.PlanAction, recByKey map[string]model.DeploymentRecord) []model.PlanAction {
	visited := make(map[string]bool, len(actions))
	for _, a := range actions {
		visited[a.Name] = true
	}
	var names []string
	for name := range recByKey {
		if !visited[name] {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := recByKey[names[i]], recByKey[names[j]]
		if ri.DeploymentOrder != rj.DeploymentOrder {
			return ri.DeploymentOrder < rj.DeploymentOrder
		}
		return names[i] < names[j]
	})
	out := make([]model.PlanAction, 0, len(names))
	for _, name := range names {
		rec := recByKey[name]
		out = append(out, model.PlanAction{
			Host:            hostID,
			Name:            name,
			Title:           rec.Title,
			Enabled:         true,
			Status:          model.StatusNormal,
			Action:          model.ActionRemove,
			PrevScript:      rec.Script,
			PrevContent:     rec.Content,
			ObjectID:        rec.ObjectID,
			TypeName:        rec.TypeName,
			Triggers:        rec.Triggers,
			DeploymentOrder: rec.DeploymentOrder,
		})
	}
	return out
}

type triggerKey struct {
	typeID  int64
	script  string
	content string
}

// collectTriggers implements spec §4.2 step 10: across all actions on this
// host, collect distinct (type_id, script, content) triggers, sort, dedup,
// and append as Trigger actions with no id and no prev. Each trigger's
// script/content is its own, already rendered against its target type's
// template by the graph walk (internal/model.RenderedTrigger) — not the
// declaring action's script/content.
func collectTriggers(actions []model.PlanAction) []model.PlanAction {
	seen := make(map[triggerKey]bool)
	var triggers []model.RenderedTrigger
	for _, a := range actions {
		for _, t := range a.Triggers {
			k := triggerKey{typeID: t.TypeID, script: t.Script, content: string(t.Content)}
			if !seen[k] {
				seen[k] = true
				triggers = append(triggers, t)
			}
		}
	}
	sort.Slice(triggers, func(i, j int) bool {
		if triggers[i].TypeID != triggers[j].TypeID {
			return triggers[i].TypeID < triggers[j].TypeID
		}
		if triggers[i].Script != triggers[j].Script {
			return triggers[i].Script < triggers[j].Script
		}
		return string(triggers[i].Content) < string(triggers[j].Content)
	})
	out := make([]model.PlanAction, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, model.PlanAction{
			Action:      model.ActionTrigger,
			Enabled:     true,
			Status:      model.StatusNormal,
			Title:       t.Title,
			Script:      t.Script,
			NextContent: t.Content,
			TypeID:      t.TypeID,
		})
	}
	return out
}

// isPackageType identifies the "package" type by its plural name, the only
// stable handle a rendered PlanAction carries back to its Type object.
func isPackageType(t model.Type) bool {
	return t.Plural == "package" || t.Plural == "packages"
}

// suppressPackages implements spec §4.2 step 11: if the host's debPackages
// is false, drop actions whose type is the package type.
func suppressPackages(actions []model.PlanAction, debPackages bool, types map[int64]model.Type) []model.PlanAction {
	if debPackages {
		return actions
	}
	out := make([]model.PlanAction, 0, len(actions))
	for _, a := range actions {
		if t, ok := types[a.TypeID]; ok && isPackageType(t) {
			continue
		}
		out = append(out, a)
	}
	return out
}
