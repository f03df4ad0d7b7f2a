package planner

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/template"
)

type nodeKind int

const (
	entryNode nodeKind = iota
	sentinelNode
)

// dagNode is one entry or sentinel half of an object's DAG representation
// (spec §4.2 step 4).
type dagNode struct {
	key         string
	kind        nodeKind
	objID       int64
	typeID      int64
	objKind     model.Kind
	name        string
	title       string
	script      string
	contentJSON json.RawMessage
	triggers    []model.RenderedTrigger
	order       int64
}

// graph is the per-host DAG built while walking host.contains (spec §4.2
// steps 4-7): adjacency list plus in-degree, keyed by dagNode.key.
type graph struct {
	nodes   map[string]*dagNode
	edges   map[string][]string
	indeg   map[string]int
	byPath  map[string][2]string // path -> [entryKey, sentinelKey], dedup of repeated sibling entries
}

func newGraph() *graph {
	return &graph{
		nodes:  make(map[string]*dagNode),
		edges:  make(map[string][]string),
		indeg:  make(map[string]int),
	}
}

func (g *graph) addNode(n *dagNode) {
	if _, exists := g.nodes[n.key]; exists {
		return
	}
	g.nodes[n.key] = n
	if _, ok := g.indeg[n.key]; !ok {
		g.indeg[n.key] = 0
	}
}

func (g *graph) addEdge(from, to string) {
	g.edges[from] = append(g.edges[from], to)
	g.indeg[to]++
}

// walk implements spec §4.2 step 4: DFS from a contained child, opening a
// child variable scope, rendering templated text properties, and emitting
// an entry/sentinel node pair plus contains/depends edges. stack holds the
// ids currently on the DFS path for cycle detection (step 5). namePath is
// the dotted name path accumulated from the host down, used as the
// PlanAction's (host, name) key.
func walk(id int64, path, namePath string, byID map[int64]model.Object, types map[int64]model.Type, outer *template.Scope, g *graph, stack map[int64]bool, errs *[]string) (entryKey, sentinelKey string) {
	entryKey, sentinelKey = "entry:"+path, "sentinel:"+path
	if pair, ok := g.byPath[path]; ok {
		return pair[0], pair[1]
	}
	if g.byPath == nil {
		g.byPath = make(map[string][2]string)
	}

	if stack[id] {
		*errs = append(*errs, fmt.Sprintf("dependency cycle: object %d revisits itself via %s", id, path))
		return entryKey, sentinelKey
	}

	obj, ok := byID[id]
	if !ok || obj.Deleted() {
		*errs = append(*errs, fmt.Sprintf("object %d (referenced at %s) not found", id, path))
		return entryKey, sentinelKey
	}
	typ, ok := types[obj.Type]
	if !ok {
		*errs = append(*errs, fmt.Sprintf("object %d: unknown type %d", id, obj.Type))
		return entryKey, sentinelKey
	}

	stack[id] = true
	defer delete(stack, id)

	scope := outer.Child()

	title := obj.Name
	script := typ.Script
	rendered := make(model.ObjectContent, len(obj.Content))
	for k, v := range obj.Content {
		rendered[k] = v
	}
	for _, pd := range typ.Content {
		raw, _ := obj.Content[pd.Name].(string)
		if pd.Kind != model.PropText {
			continue
		}
		val := raw
		if pd.Template && template.HasTags(raw) {
			out, rerrs := template.Render(raw, scope)
			val = out
			for _, e := range rerrs {
				*errs = append(*errs, fmt.Sprintf("object %d (%s): %v", id, obj.Name, e))
			}
		}
		rendered[pd.Name] = val
		if pd.Variable != "" {
			scope.Export(pd.Variable, val)
		}
		if pd.Title {
			title = val
		}
	}
	if script != "" && template.HasTags(script) {
		out, rerrs := template.Render(script, scope)
		script = out
		for _, e := range rerrs {
			*errs = append(*errs, fmt.Sprintf("object %d (%s) script: %v", id, obj.Name, e))
		}
	}

	contentJSON, _ := json.Marshal(rendered)

	var triggers []model.RenderedTrigger
	for _, ref := range rendered.Triggers() {
		rt, terrs := renderTrigger(ref, types, scope)
		for _, e := range terrs {
			*errs = append(*errs, fmt.Sprintf("object %d (%s): %v", id, obj.Name, e))
		}
		if rt != nil {
			triggers = append(triggers, *rt)
		}
	}

	n := &dagNode{
		key: entryKey, kind: entryNode, objID: id, typeID: obj.Type, objKind: typ.Kind,
		name: namePath, title: title, script: script, contentJSON: contentJSON,
		triggers: triggers, order: typ.DeployOrder,
	}
	sn := &dagNode{key: sentinelKey, kind: sentinelNode, objID: id, typeID: obj.Type, objKind: typ.Kind, order: typ.DeployOrder}
	g.addNode(n)
	g.addNode(sn)
	g.addEdge(entryKey, sentinelKey)
	// Registered before the children are walked, so a depends on an
	// ancestor still being walked resolves to that ancestor's sentinel and
	// the resulting cycle is reported by topoOrder.
	g.byPath[path] = [2]string{entryKey, sentinelKey}

	for _, childID := range rendered.Contains() {
		childPath := path + "." + itoa(childID)
		childNamePath := namePath + "." + childName(byID, childID)
		ck, csk := walk(childID, childPath, childNamePath, byID, types, scope, g, stack, errs)
		g.addEdge(entryKey, ck)
		g.addEdge(csk, sentinelKey)
	}
	for _, depID := range rendered.Depends() {
		depSentinel := "sentinel:" + findPathFor(g, depID)
		if _, ok := g.nodes[depSentinel]; ok {
			g.addEdge(depSentinel, entryKey)
		}
	}

	return entryKey, sentinelKey
}

// renderTrigger renders a trigger's own script/content/title from its
// *target type's* template, filled with the trigger's own declared values
// (deployment.rs's visit_trigger: `self.types.get(&id)` then `visit_content`
// against that type with the trigger's `values`, not the declaring object's
// own script/content). deployment_title seeds as "trigger", matching the
// Rust call site's literal initial argument.
func renderTrigger(ref model.TriggerRef, types map[int64]model.Type, scope *template.Scope) (*model.RenderedTrigger, []error) {
	typ, ok := types[ref.TypeID]
	if !ok {
		return nil, []error{fmt.Errorf("trigger type %d not found", ref.TypeID)}
	}

	var errs []error
	title := "trigger"
	script := typ.Script
	content := make(model.ObjectContent, len(typ.Content))
	for _, pd := range typ.Content {
		if pd.Kind != model.PropText {
			continue
		}
		raw, _ := ref.Values[pd.Name].(string)
		val := raw
		if pd.Template && template.HasTags(raw) {
			out, rerrs := template.Render(raw, scope)
			val = out
			errs = append(errs, rerrs...)
		}
		content[pd.Name] = val
		if pd.Variable != "" {
			scope.Export(pd.Variable, val)
		}
		if pd.Title {
			title = val
		}
	}
	if script != "" && template.HasTags(script) {
		out, rerrs := template.Render(script, scope)
		script = out
		errs = append(errs, rerrs...)
	}

	contentJSON, _ := json.Marshal(content)
	return &model.RenderedTrigger{TypeID: ref.TypeID, Title: title, Script: script, Content: contentJSON}, errs
}

func childName(byID map[int64]model.Object, id int64) string {
	if o, ok := byID[id]; ok {
		return o.Name
	}
	return itoa(id)
}

// findPathFor locates the path a given object id was (or is being) visited under,
// for resolving a depends target within the same host walk. Dependencies on
// objects outside this host's contains tree are silently ignored (spec §4.2
// names only same-host ordering via depends).
func findPathFor(g *graph, id int64) string {
	suffix := "." + itoa(id)
	for path := range g.byPath {
		if len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix {
			return path
		}
	}
	return ""
}

// heapItem orders the ready-queue by (deployment_order, id) ascending
// (spec §4.2 step 7).
type heapItem struct {
	key   string
	order int64
	id    int64
}

type readyHeap []heapItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].order != h[j].order {
		return h[i].order < h[j].order
	}
	return h[i].id < h[j].id
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// topoOrder computes in-degrees and pops the priority-ordered ready queue
// (spec §4.2 step 7). Remaining unvisited nodes after draining the queue
// indicate a cycle (step 5); the shortest one is reported via BFS back to
// its own successors.
func (g *graph) topoOrder() ([]*dagNode, []string) {
	indeg := make(map[string]int, len(g.indeg))
	for k, v := range g.indeg {
		indeg[k] = v
	}

	h := &readyHeap{}
	heap.Init(h)
	for key, d := range indeg {
		if d == 0 {
			n := g.nodes[key]
			heap.Push(h, heapItem{key: key, order: n.order, id: n.objID})
		}
	}

	var out []*dagNode
	visited := make(map[string]bool, len(g.nodes))
	for h.Len() > 0 {
		it := heap.Pop(h).(heapItem)
		n := g.nodes[it.key]
		visited[it.key] = true
		out = append(out, n)
		for _, succ := range g.edges[it.key] {
			indeg[succ]--
			if indeg[succ] == 0 {
				sn := g.nodes[succ]
				heap.Push(h, heapItem{key: succ, order: sn.order, id: sn.objID})
			}
		}
	}

	if len(visited) < len(g.nodes) {
		var remaining []string
		for key := range g.nodes {
			if !visited[key] {
				remaining = append(remaining, key)
			}
		}
		sort.Strings(remaining)
		cycle := shortestCycle(g, remaining[0])
		return nil, []string{fmt.Sprintf("dependency cycle detected involving: %v", cycle)}
	}

	return out, nil
}

// shortestCycle does a BFS from start's successors back to start to name a
// minimal cycle in human terms (spec §4.2 step 5).
func shortestCycle(g *graph, start string) []int64 {
	type qitem struct {
		key  string
		path []string
	}
	q := []qitem{{key: start, path: []string{start}}}
	seen := map[string]bool{start: true}
	for len(q) > 0 {
		cur := q[0]
		q = q[1:]
		for _, succ := range g.edges[cur.key] {
			if succ == start {
				ids := make([]int64, 0, len(cur.path))
				for _, k := range cur.path {
					if n, ok := g.nodes[k]; ok {
						ids = append(ids, n.objID)
					}
				}
				return ids
			}
			if !seen[succ] {
				seen[succ] = true
				np := append(append([]string{}, cur.path...), succ)
				q = append(q, qitem{key: succ, path: np})
			}
		}
	}
	if n, ok := g.nodes[start]; ok {
		return []int64{n.objID}
	}
	return nil
}

// filterFocus keeps only the nodes of objects whose id or type id equals
// focus; nodes that are merely reachable from them through contains or
// depends edges are dropped. focus==0, or a focus that matches no node,
// keeps the whole order.
func (g *graph) filterFocus(order []*dagNode, focus int64, byID map[int64]model.Object) []*dagNode {
	if focus == 0 {
		return order
	}
	keep := make(map[int64]bool)
	for _, n := range order {
		if n.objID == focus || n.typeID == focus {
			keep[n.objID] = true
		}
	}
	if len(keep) == 0 {
		return order
	}
	var out []*dagNode
	for _, n := range order {
		if keep[n.objID] {
			out = append(out, n)
		}
	}
	return out
}
