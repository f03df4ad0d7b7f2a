package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/simpleadmin/sadmin/internal/hostproto"
	"github.com/simpleadmin/sadmin/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDeployer records which method was called for each host so tests can
// assert the docker-kind dispatch without a real host connection.
type fakeDeployer struct {
	mu       sync.Mutex
	scripts  []string
	services []model.ServiceDescription
	fail     map[string]bool // script or service name -> force failure
}

func (f *fakeDeployer) Deploy(ctx context.Context, host int64, script string, stdin []byte, onLog func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	if f.fail[script] {
		return errTest
	}
	return nil
}

func (f *fakeDeployer) DeployService(ctx context.Context, host int64, desc model.ServiceDescription, auth *hostproto.DockerAuth, extraEnv map[string]string, user string, onLog func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = append(f.services, desc)
	if f.fail[desc.Name] {
		return errTest
	}
	return nil
}

var errTest = &testError{"deploy failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeStore struct {
	mu   sync.Mutex
	put  []model.DeploymentRecord
	gone []string
}

func (s *fakeStore) PutDeployment(rec model.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put = append(s.put, rec)
	return nil
}

func (s *fakeStore) DeleteDeployment(host int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = append(s.gone, name)
	return nil
}

func runAndWait(t *testing.T, e *Executor, actions []model.PlanAction) {
	t.Helper()
	if err := e.Start(context.Background(), actions); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status() != "Deploying" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("executor never finished deploying")
}

func TestDeployOneDispatchesRunScriptByDefault(t *testing.T) {
	dep := &fakeDeployer{fail: map[string]bool{}}
	store := &fakeStore{}
	e := New(dep, store, nil, testLogger())

	actions := []model.PlanAction{
		{Host: 1, Name: "app.conf", Enabled: true, Action: model.ActionAdd, Script: "deploy-conf", NextContent: json.RawMessage(`{"a":1}`), Kind: model.KindDelta},
	}
	runAndWait(t, e, actions)

	if len(dep.scripts) != 1 || dep.scripts[0] != "deploy-conf" {
		t.Fatalf("scripts = %v, want [deploy-conf]", dep.scripts)
	}
	if len(dep.services) != 0 {
		t.Fatalf("services = %v, want none", dep.services)
	}
	if len(store.put) != 1 {
		t.Fatalf("put = %d records, want 1", len(store.put))
	}
}

func TestDeployOneDispatchesDeployServiceForDockerKind(t *testing.T) {
	dep := &fakeDeployer{fail: map[string]bool{}}
	store := &fakeStore{}
	e := New(dep, store, nil, testLogger())

	content, _ := json.Marshal(model.ServiceDescription{Name: "web", Image: "registry.local/web:latest"})
	actions := []model.PlanAction{
		{Host: 1, Name: "web", Enabled: true, Action: model.ActionAdd, Script: "unused-for-docker", NextContent: content, Kind: model.KindDocker},
	}
	runAndWait(t, e, actions)

	if len(dep.services) != 1 {
		t.Fatalf("services = %d, want 1", len(dep.services))
	}
	if dep.services[0].Image != "registry.local/web:latest" {
		t.Errorf("Image = %q, want registry.local/web:latest", dep.services[0].Image)
	}
	if len(dep.scripts) != 0 {
		t.Fatalf("scripts = %v, want none (docker-kind shouldn't run a script)", dep.scripts)
	}
}

func TestDeployOneRemovalRunsPrevScript(t *testing.T) {
	dep := &fakeDeployer{fail: map[string]bool{}}
	store := &fakeStore{}
	e := New(dep, store, nil, testLogger())

	actions := []model.PlanAction{
		{Host: 1, Name: "old.conf", Enabled: true, Action: model.ActionRemove, PrevScript: "remove-conf", PrevContent: json.RawMessage(`{"a":1}`), Kind: model.KindDelta},
	}
	runAndWait(t, e, actions)

	if len(dep.scripts) != 1 || dep.scripts[0] != "remove-conf" {
		t.Fatalf("scripts = %v, want [remove-conf]", dep.scripts)
	}
	if len(store.gone) != 1 || store.gone[0] != "old.conf" {
		t.Fatalf("gone = %v, want [old.conf]", store.gone)
	}
}

func TestPoisonsHostOnFailure(t *testing.T) {
	dep := &fakeDeployer{fail: map[string]bool{"bad-script": true}}
	store := &fakeStore{}
	e := New(dep, store, nil, testLogger())

	actions := []model.PlanAction{
		{Host: 1, Name: "a", Enabled: true, Action: model.ActionAdd, Script: "bad-script", NextContent: json.RawMessage(`{}`)},
		{Host: 1, Name: "b", Enabled: true, Action: model.ActionAdd, Script: "good-script", NextContent: json.RawMessage(`{}`)},
	}
	runAndWait(t, e, actions)

	// Only the first action's script should have run; the host was
	// poisoned after it failed, so "b" never reaches the deployer.
	if len(dep.scripts) != 1 {
		t.Fatalf("scripts = %v, want exactly [bad-script]", dep.scripts)
	}
	if len(store.put) != 0 {
		t.Fatalf("put = %d records, want 0 (nothing succeeded)", len(store.put))
	}
}

func TestToggleObjectAndMarkDeployed(t *testing.T) {
	dep := &fakeDeployer{}
	store := &fakeStore{}
	e := New(dep, store, nil, testLogger())
	e.mu.Lock()
	e.actions = []model.PlanAction{{Host: 1, Name: "a", Enabled: true}}
	e.mu.Unlock()

	if err := e.ToggleObject(1, "a", false); err != nil {
		t.Fatalf("ToggleObject: %v", err)
	}
	if e.actions[0].Enabled {
		t.Error("action still enabled after ToggleObject(false)")
	}

	if err := e.MarkDeployed(1, "a"); err != nil {
		t.Fatalf("MarkDeployed: %v", err)
	}
	if len(store.put) != 1 {
		t.Fatalf("put = %d records, want 1", len(store.put))
	}

	if err := e.ToggleObject(1, "missing", true); err == nil {
		t.Error("ToggleObject(missing) should error")
	}
}

func TestCoalesceSums(t *testing.T) {
	a := []model.PlanAction{
		{Host: 1, Name: "x", TypeID: 10, SumKind: true, NextContent: json.RawMessage(`{"a":1}`)},
		{Host: 1, Name: "y", TypeID: 10, SumKind: true, NextContent: json.RawMessage(`{"b":2}`)},
		{Host: 1, Name: "z", TypeID: 20, NextContent: json.RawMessage(`{"c":3}`)},
	}
	out := coalesceSums(a)
	if len(out) != 2 {
		t.Fatalf("coalesceSums produced %d actions, want 2", len(out))
	}
}
