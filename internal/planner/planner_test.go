package planner

import (
	"context"
	"testing"
	"time"

	"github.com/simpleadmin/sadmin/internal/model"
)

type fakeStore struct {
	objs        []model.Object
	deployments map[int64][]model.DeploymentRecord
}

func (f *fakeStore) ListNewest() ([]model.Object, error) { return f.objs, nil }
func (f *fakeStore) GetDeployments(host int64) ([]model.DeploymentRecord, error) {
	return f.deployments[host], nil
}

// typeObject hand-builds a type-of-types object's content without a JSON
// round trip, mirroring how the object store hands back decoded content.
func typeObject(id int64, name string, kind model.Kind, order int64, props ...model.PropertyDescriptor) model.Object {
	content := []any{}
	for _, pd := range props {
		content = append(content, map[string]any{
			"name": pd.Name, "kind": string(pd.Kind), "title": pd.Title,
			"variable": pd.Variable, "template": pd.Template,
		})
	}
	return model.Object{
		ID: id, Type: model.TypeObjectID, Name: name, Newest: true,
		Content: model.ObjectContent{
			"kind": string(kind), "deployOrder": float64(order), "content": content,
		},
	}
}

func TestBuildSimpleHostProducesAddAction(t *testing.T) {
	const hostTypeID, fileTypeID, hostID, fileID = 10, 11, 100, 101

	hostType := typeObject(hostTypeID, "host-type", model.KindHost, 0)
	fileType := typeObject(fileTypeID, "file-type", model.KindDelta, 5,
		model.PropertyDescriptor{Name: "path", Kind: model.PropText, Title: true})

	host := model.Object{
		ID: hostID, Type: hostTypeID, Name: "web1", Newest: true,
		Content: model.ObjectContent{"contains": []any{float64(fileID)}},
	}
	file := model.Object{
		ID: fileID, Type: fileTypeID, Name: "motd", Newest: true,
		Content: model.ObjectContent{"path": "/etc/motd"},
	}

	store := &fakeStore{objs: []model.Object{hostType, fileType, host, file}}
	p := New(store)

	result, err := p.Build(context.Background(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected plan errors: %v", result.Errors)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("want 1 action, got %d: %+v", len(result.Actions), result.Actions)
	}
	a := result.Actions[0]
	if a.Action != model.ActionAdd || a.Host != hostID || a.ObjectID != fileID {
		t.Errorf("unexpected action: %+v", a)
	}
}

func TestBuildDiffProducesModify(t *testing.T) {
	const hostTypeID, fileTypeID, hostID, fileID = 10, 11, 100, 101

	hostType := typeObject(hostTypeID, "host-type", model.KindHost, 0)
	fileType := typeObject(fileTypeID, "file-type", model.KindDelta, 5)

	host := model.Object{
		ID: hostID, Type: hostTypeID, Name: "web1", Newest: true,
		Content: model.ObjectContent{"contains": []any{float64(fileID)}},
	}
	file := model.Object{
		ID: fileID, Type: fileTypeID, Name: "motd", Newest: true,
		Content: model.ObjectContent{"path": "/etc/motd"},
	}

	store := &fakeStore{
		objs: []model.Object{hostType, fileType, host, file},
		deployments: map[int64][]model.DeploymentRecord{
			hostID: {{Host: hostID, Name: "motd", Content: []byte(`{"different":true}`), Time: time.Now()}},
		},
	}
	p := New(store)

	result, err := p.Build(context.Background(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action != model.ActionModify {
		t.Fatalf("want 1 Modify action, got %+v", result.Actions)
	}
}

func TestBuildRemovalForDroppedObject(t *testing.T) {
	const hostTypeID, hostID = 10, 100

	hostType := typeObject(hostTypeID, "host-type", model.KindHost, 0)
	host := model.Object{
		ID: hostID, Type: hostTypeID, Name: "web1", Newest: true,
		Content: model.ObjectContent{},
	}

	store := &fakeStore{
		objs: []model.Object{hostType, host},
		deployments: map[int64][]model.DeploymentRecord{
			hostID: {{Host: hostID, Name: "stale", Content: []byte(`{}`), Time: time.Now()}},
		},
	}
	p := New(store)

	result, err := p.Build(context.Background(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action != model.ActionRemove {
		t.Fatalf("want 1 Remove action, got %+v", result.Actions)
	}
}

// TestBuildRendersTriggerFromItsOwnType proves a fired trigger renders from
// its *target type's* script/content filled with the trigger's own values,
// not the declaring action's script/content: two declaring objects of
// different types and scripts both trigger the same restart-service type
// with different service names, and must yield two distinct Trigger
// actions carrying the trigger type's own "restart" script.
func TestBuildRendersTriggerFromItsOwnType(t *testing.T) {
	const hostTypeID, fileTypeID, triggerTypeID, hostID, nginxID, redisID = 10, 11, 12, 100, 101, 102

	hostType := typeObject(hostTypeID, "host-type", model.KindHost, 0)
	fileType := typeObject(fileTypeID, "file-type", model.KindDelta, 5)
	triggerType := typeObject(triggerTypeID, "restart-service", model.KindTrigger, 20,
		model.PropertyDescriptor{Name: "svcname", Kind: model.PropText, Title: true})
	triggerType.Content["script"] = "systemctl restart {{svcname}}... wait"

	host := model.Object{
		ID: hostID, Type: hostTypeID, Name: "web1", Newest: true,
		Content: model.ObjectContent{"contains": []any{float64(nginxID), float64(redisID)}},
	}
	nginxConf := model.Object{
		ID: nginxID, Type: fileTypeID, Name: "nginx-conf", Newest: true,
		Content: model.ObjectContent{
			"path": "/etc/nginx/nginx.conf",
			"triggers": []any{
				map[string]any{"id": float64(triggerTypeID), "values": map[string]any{"svcname": "nginx"}},
			},
		},
	}
	redisConf := model.Object{
		ID: redisID, Type: fileTypeID, Name: "redis-conf", Newest: true,
		Content: model.ObjectContent{
			"path": "/etc/redis/redis.conf",
			"triggers": []any{
				map[string]any{"id": float64(triggerTypeID), "values": map[string]any{"svcname": "redis"}},
			},
		},
	}

	store := &fakeStore{objs: []model.Object{hostType, fileType, triggerType, host, nginxConf, redisConf}}
	p := New(store)

	result, err := p.Build(context.Background(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected plan errors: %v", result.Errors)
	}

	var triggerActions []model.PlanAction
	for _, a := range result.Actions {
		if a.Action == model.ActionTrigger {
			triggerActions = append(triggerActions, a)
		}
	}
	if len(triggerActions) != 2 {
		t.Fatalf("want 2 distinct trigger actions, got %d: %+v", len(triggerActions), triggerActions)
	}
	for _, ta := range triggerActions {
		if ta.Script == "" || ta.Script == nginxConf.Content["path"] || ta.Script == redisConf.Content["path"] {
			t.Errorf("trigger action script should come from the trigger type, got %q", ta.Script)
		}
		if ta.TypeID != triggerTypeID {
			t.Errorf("trigger action type id = %d, want %d", ta.TypeID, triggerTypeID)
		}
	}
	if triggerActions[0].Title == triggerActions[1].Title {
		t.Errorf("the two triggers should render distinct titles from their own values, both got %q", triggerActions[0].Title)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	const hostTypeID, fileTypeID, hostID, aID, bID = 10, 11, 100, 101, 102

	hostType := typeObject(hostTypeID, "host-type", model.KindHost, 0)
	fileType := typeObject(fileTypeID, "file-type", model.KindDelta, 5)

	host := model.Object{
		ID: hostID, Type: hostTypeID, Name: "web1", Newest: true,
		Content: model.ObjectContent{"contains": []any{float64(aID)}},
	}
	a := model.Object{
		ID: aID, Type: fileTypeID, Name: "a", Newest: true,
		Content: model.ObjectContent{"contains": []any{float64(bID)}},
	}
	b := model.Object{
		ID: bID, Type: fileTypeID, Name: "b", Newest: true,
		Content: model.ObjectContent{"depends": []any{float64(aID)}},
	}

	store := &fakeStore{objs: []model.Object{hostType, fileType, host, a, b}}
	p := New(store)

	result, err := p.Build(context.Background(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Fatalf("want cycle error, got none; actions=%+v", result.Actions)
	}
}
