package web

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/model"
)

// actionEnvelope is the tagged-JSON wire shape for every inbound client
// action (spec §4.8's action list): {"type": "...", ...fields}.
type actionEnvelope struct {
	Type string `json:"type"`

	ID         int64              `json:"id,omitempty"`
	Host       int64              `json:"host,omitempty"`
	Name       string             `json:"name,omitempty"`
	Category   string             `json:"category,omitempty"`
	Content    model.ObjectContent `json:"content,omitempty"`
	ObjectType int64              `json:"objectType,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	Version    int64              `json:"version,omitempty"`
	Query      string             `json:"query,omitempty"`
	Focus      int64              `json:"focus,omitempty"`
	Enabled    bool               `json:"enabled,omitempty"`
	UpToID     int64              `json:"upToId,omitempty"`
	Path       string             `json:"path,omitempty"`
}

// actionPermission maps an action type to the permission required to
// perform it (spec §4.8 "non-admin clients are dropped on the first
// privileged action"). Read-only actions are omitted — they need only an
// authenticated session, already enforced by the /sysadmin route.
var actionPermission = map[string]auth.Permission{
	"SaveObject":             auth.PermObjectsEdit,
	"DeleteObject":           auth.PermObjectsEdit,
	"DeployObject":           auth.PermDeploymentRun,
	"StartDeployment":        auth.PermDeploymentRun,
	"StopDeployment":         auth.PermDeploymentRun,
	"CancelDeployment":       auth.PermDeploymentRun,
	"ToggleDeploymentObject": auth.PermDeploymentRun,
	"MarkDeployed":           auth.PermDeploymentRun,
}

// dispatchAction routes one decoded client action. Returns false when the
// client lacked the permission the action required, signalling the
// gateway to drop the connection.
func dispatchAction(c *client, env actionEnvelope) bool {
	if perm, ok := actionPermission[env.Type]; ok {
		if !c.rc.HasPermission(perm) {
			return false
		}
	}

	deps := c.gw.deps
	log := deps.Log

	switch env.Type {
	case "RequestInitialState":
		c.sendInitialState()

	case "SaveObject":
		author := "system"
		if c.rc.User != nil {
			author = c.rc.User.Username
		}
		id, _, err := deps.Store.InsertVersion(env.ID, env.Name, env.Category, env.Content, env.ObjectType, author, env.Comment)
		if err != nil {
			log.Error("SaveObject failed", "error", err)
			return true
		}
		obj, ok, err := deps.Store.GetNewest(id)
		if err == nil && ok {
			deps.EventBus.Publish(broadcastObjectChanged(obj))
		}

	case "DeleteObject":
		author := "system"
		if c.rc.User != nil {
			author = c.rc.User.Username
		}
		obj, ok, err := deps.Store.GetNewest(env.ID)
		if err != nil || !ok {
			return true
		}
		id, _, err := deps.Store.InsertVersion(env.ID, obj.Name, obj.Category, nil, obj.Type, author, "deleted")
		if err == nil {
			tombstone, ok, err := deps.Store.GetNewest(id)
			if err == nil && ok {
				deps.EventBus.Publish(broadcastObjectChanged(tombstone))
			}
		}

	case "FetchObject":
		obj, ok, err := deps.Store.GetNewest(env.ID)
		if err == nil && ok {
			deps.EventBus.Publish(broadcastObjectChanged(obj))
		}

	case "GetObjectHistory":
		history, err := deps.Store.GetHistory(env.ID)
		if err == nil {
			sendDirect(c, "ObjectHistory", history)
		}

	case "Search":
		results := searchObjects(deps, env.Query)
		sendDirect(c, "SearchResults", results)

	case "GetObjectId":
		id := lookupObjectIDByPath(deps, env.Path)
		sendDirect(c, "GetObjectIdRes", map[string]any{"id": id})

	case "StartDeployment":
		runPlan(c, env.Focus)

	case "StopDeployment":
		if deps.Executor != nil {
			deps.Executor.Stop()
		}

	case "CancelDeployment":
		if deps.Executor != nil {
			deps.Executor.Cancel()
		}

	case "ToggleDeploymentObject":
		if deps.Executor != nil {
			_ = deps.Executor.ToggleObject(env.Host, env.Name, env.Enabled)
		}

	case "MarkDeployed":
		if deps.Executor != nil {
			_ = deps.Executor.MarkDeployed(env.Host, env.Name)
		}

	case "DeployObject":
		runPlan(c, env.ID)

	case "SetMessagesDismissed":
		_ = deps.Store.SetMessagesDismissed(env.UpToID)
		deps.EventBus.Publish(broadcastMessagesDismissed(env.UpToID))

	default:
		log.Warn("unrecognized client action", "type", env.Type)
	}
	return true
}

func runPlan(c *client, focus int64) {
	deps := c.gw.deps
	if deps.Planner == nil {
		return
	}
	result, err := deps.Planner.Build(context.Background(), focus)
	if err != nil || result == nil {
		return
	}
	if len(result.Errors) > 0 {
		sendDirect(c, "SetDeploymentStatus", map[string]any{"status": ExecInvalidTree, "errors": result.Errors})
		return
	}
	sendDirect(c, "SetDeploymentObjects", result.Actions)
	if deps.Executor != nil {
		_ = deps.Executor.Start(context.Background(), result.Actions)
	}
}

func sendDirect(c *client, t string, payload any) {
	select {
	case c.out <- broadcastOf(t, payload):
	default:
	}
}

// lookupObjectIDByPath resolves a client's "jump to object" path of the
// form "<typePlural>/<objectName>" to an object id: first the named type
// within the type-of-types table, then the named object within that type
// (spec §4.8's GetObjectId). Returns nil if either lookup misses.
func lookupObjectIDByPath(deps Dependencies, path string) *int64 {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return nil
	}
	typeID, ok := findNewestIDByName(deps, model.TypeObjectID, parts[0])
	if !ok {
		return nil
	}
	objID, ok := findNewestIDByName(deps, typeID, parts[1])
	if !ok {
		return nil
	}
	return &objID
}

func findNewestIDByName(deps Dependencies, typeID int64, name string) (int64, bool) {
	objs, err := deps.Store.ListNewestByType(typeID)
	if err != nil {
		return 0, false
	}
	for _, o := range objs {
		if !o.Deleted() && o.Name == name {
			return o.ID, true
		}
	}
	return 0, false
}

func searchObjects(deps Dependencies, query string) []model.Object {
	all, err := deps.Store.ListNewest()
	if err != nil {
		return nil
	}
	if query == "" {
		return all
	}
	var out []model.Object
	for _, o := range all {
		if containsFold(o.Name, query) || containsFold(o.Comment, query) || containsFold(string(mustJSON(o.Content)), query) {
			out = append(out, o)
		}
	}
	return out
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	sl, tl := []rune(toLower(s)), []rune(toLower(substr))
	if len(tl) == 0 {
		return 0
	}
	for i := 0; i+len(tl) <= len(sl); i++ {
		match := true
		for j := range tl {
			if sl[i+j] != tl[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	r := []rune(s)
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			r[i] = c + ('a' - 'A')
		}
	}
	return string(r)
}
