// Package executor drives a built deployment plan to completion (spec
// §4.3): Done -> BuildingTree -> (InvalidTree | ReviewChanges) -> (Done |
// Deploying) -> Done, running each enabled action against its host through
// the host protocol in strict sequence, poisoning a host's remaining
// actions on first failure, and broadcasting log/status transitions as it
// goes (grounded on internal/events.Bus's broadcast-on-transition
// discipline and internal/engine/rollback.go's sequential undo-log style
// action application).
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/hostproto"
	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/web"
)

// Deployer runs one rendered action on a host through the host protocol,
// streaming log chunks to onLog as they arrive and blocking until the job
// reaches Success or Failure. Deploy sends the generic RunScript job
// (spec §4.3/§4.4); DeployService sends the docker-kind job that drives
// the agent's service supervisor instead (spec §4.5).
type Deployer interface {
	Deploy(ctx context.Context, host int64, script string, stdin []byte, onLog func(line string)) error
	DeployService(ctx context.Context, host int64, desc model.ServiceDescription, auth *hostproto.DockerAuth, extraEnv map[string]string, user string, onLog func(line string)) error
}

// Store is the subset of internal/store.Store the executor writes to on
// completion of each action (spec §4.3: "write the new DeploymentRecord ...
// or delete it when next is null").
type Store interface {
	PutDeployment(rec model.DeploymentRecord) error
	DeleteDeployment(host int64, name string) error
}

// Executor is the web.Executor implementation.
type Executor struct {
	deployer Deployer
	store    Store
	bus      *events.Bus
	log      *slog.Logger

	mu      sync.Mutex
	status  web.ExecutorStatus
	actions []model.PlanAction
	cancel  context.CancelFunc
	poisoned map[int64]bool
}

// New constructs an Executor. deployer may be nil in which case every
// Deploy/Trigger action fails immediately (no host protocol wired yet).
func New(deployer Deployer, store Store, bus *events.Bus, log *slog.Logger) *Executor {
	return &Executor{deployer: deployer, store: store, bus: bus, log: log, status: web.ExecIdle}
}

// Status implements web.Executor.
func (e *Executor) Status() web.ExecutorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start implements web.Executor: enters Deploying from the actions handed
// back by the planner and runs them sequentially in a background
// goroutine, returning once the run has been accepted (not once it
// finishes).
func (e *Executor) Start(ctx context.Context, actions []model.PlanAction) error {
	e.mu.Lock()
	if e.status == web.ExecDeploying {
		e.mu.Unlock()
		return fmt.Errorf("executor: deployment already in progress")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.actions = actions
	e.poisoned = make(map[int64]bool)
	e.status = web.ExecDeploying
	e.mu.Unlock()

	e.publish("SetDeploymentStatus", map[string]any{"status": web.ExecDeploying})
	e.publish("SetDeploymentObjects", actions)

	go e.run(runCtx)
	return nil
}

// Stop implements web.Executor (only legal mid-Deploying per spec §4.3).
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel implements web.Executor (only legal in ReviewChanges per spec
// §4.3; outside a running deploy this is equivalent to discarding the
// built plan).
func (e *Executor) Cancel() {
	e.mu.Lock()
	e.status = web.ExecIdle
	e.actions = nil
	e.mu.Unlock()
	e.publish("SetDeploymentStatus", map[string]any{"status": web.ExecIdle})
	e.publish("ClearDeploymentLog", nil)
}

// ToggleObject implements web.Executor: flips an action's Enabled flag
// ahead of a Start call (spec §4.8 ToggleDeploymentObject).
func (e *Executor) ToggleObject(host int64, name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.actions {
		if e.actions[i].Host == host && e.actions[i].Name == name {
			e.actions[i].Enabled = enabled
			e.publish("SetDeploymentObjectStatus", e.actions[i])
			return nil
		}
	}
	return fmt.Errorf("executor: no action for host %d name %q", host, name)
}

// MarkDeployed implements web.Executor: records an action as deployed
// without running its script (spec §4.3 "mark_deployed runs the same loop
// but skips the network call").
func (e *Executor) MarkDeployed(host int64, name string) error {
	e.mu.Lock()
	var match *model.PlanAction
	for i := range e.actions {
		if e.actions[i].Host == host && e.actions[i].Name == name {
			match = &e.actions[i]
			break
		}
	}
	e.mu.Unlock()
	if match == nil {
		return fmt.Errorf("executor: no action for host %d name %q", host, name)
	}
	return e.writeRecord(*match)
}

func (e *Executor) run(ctx context.Context) {
	e.mu.Lock()
	actions := e.actions
	e.mu.Unlock()

	actions = coalesceSums(actions)

	var lastHost int64 = -1
	for _, a := range actions {
		select {
		case <-ctx.Done():
			e.finish(web.ExecIdle)
			return
		default:
		}
		if !a.Enabled {
			continue
		}
		if a.Host != lastHost {
			e.log.Info("==== deploying host ====", "host", a.Host)
			lastHost = a.Host
		}

		e.mu.Lock()
		poisoned := e.poisoned[a.Host]
		e.mu.Unlock()
		if poisoned {
			a.Status = model.StatusFailure
			e.publish("SetDeploymentObjectStatus", a)
			continue
		}

		a.Status = model.StatusDeploying
		e.publish("SetDeploymentObjectStatus", a)

		if err := e.deployOne(ctx, a); err != nil {
			a.Status = model.StatusFailure
			e.publish("AddDeploymentLog", fmt.Sprintf("host %d action %s failed: %v", a.Host, a.Name, err))
			e.mu.Lock()
			e.poisoned[a.Host] = true
			e.mu.Unlock()
			e.publish("SetDeploymentObjectStatus", a)
			continue
		}

		a.Status = model.StatusSuccess
		e.publish("SetDeploymentObjectStatus", a)
		if err := e.writeRecord(a); err != nil {
			e.log.Error("write deployment record failed", "host", a.Host, "name", a.Name, "error", err)
		}
	}
	e.finish(web.ExecDone)
}

// deployOne implements spec §4.3's per-kind payload construction and the
// RunScript streaming call. Sum-kind coalescing across contiguous same-
// (host,type) actions is done by run (coalesceSums) before deployOne is
// called; deployOne runs one, possibly merged, action through the
// Delta/Trigger/default path.
// Docker-kind actions with a non-empty NextContent are dispatched as a
// DeployService job instead of RunScript (spec §4.5's "Deploying a
// service (DeployService or local CLI)" — this is the DeployService
// trigger, the generic planner/executor carrying it the same way as any
// other object's deploy).
func (e *Executor) deployOne(ctx context.Context, a model.PlanAction) error {
	if a.Action == model.ActionRemove && len(a.NextContent) == 0 {
		return e.runScript(ctx, a.Host, a.PrevScript, a.PrevContent)
	}

	if a.Kind == model.KindDocker && a.Action != model.ActionTrigger && len(a.NextContent) > 0 {
		return e.deployDockerService(ctx, a)
	}

	var stdin []byte
	switch {
	case a.Action == model.ActionTrigger:
		stdin = a.NextContent
	default:
		payload := struct {
			Old json.RawMessage `json:"old"`
			New json.RawMessage `json:"new"`
		}{Old: a.PrevContent, New: a.NextContent}
		stdin, _ = json.Marshal(payload)
	}
	return e.runScript(ctx, a.Host, a.Script, stdin)
}

func (e *Executor) deployDockerService(ctx context.Context, a model.PlanAction) error {
	if e.deployer == nil {
		return fmt.Errorf("no host connection available")
	}
	var desc model.ServiceDescription
	if err := json.Unmarshal(a.NextContent, &desc); err != nil {
		return fmt.Errorf("decode service description: %w", err)
	}
	if desc.Name == "" {
		desc.Name = a.Name
	}
	return e.deployer.DeployService(ctx, a.Host, desc, nil, nil, "", func(line string) {
		e.publish("AddDeploymentLog", line)
	})
}

func (e *Executor) runScript(ctx context.Context, host int64, script string, stdin []byte) error {
	if e.deployer == nil {
		return fmt.Errorf("no host connection available")
	}
	return e.deployer.Deploy(ctx, host, script, stdin, func(line string) {
		e.publish("AddDeploymentLog", line)
	})
}

func (e *Executor) writeRecord(a model.PlanAction) error {
	var err error
	if a.Action == model.ActionRemove {
		err = e.store.DeleteDeployment(a.Host, a.Name)
	} else {
		err = e.store.PutDeployment(model.DeploymentRecord{
			Host: a.Host, Name: a.Name, Content: a.NextContent, Script: a.Script,
			Triggers: a.Triggers, DeploymentOrder: a.DeploymentOrder,
			TypeName: a.TypeName, ObjectID: a.ObjectID, Title: a.Title,
		})
	}
	if err == nil && a.Kind == model.KindDocker {
		e.publish("DockerDeploymentsChanged", map[string]any{"host": a.Host, "name": a.Name})
	}
	return err
}

func (e *Executor) finish(status web.ExecutorStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.publish("SetDeploymentStatus", map[string]any{"status": status})
}

func (e *Executor) publish(t string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Broadcast{Type: events.EventType(t), Payload: payload})
}

// coalesceSums groups contiguous actions sharing (host, typeID) and flagged
// SumKind into one action whose NextContent is the merged "objects"
// dictionary (spec §4.3 "coalesce every contiguous action sharing (host,
// type) into one call").
func coalesceSums(actions []model.PlanAction) []model.PlanAction {
	out := make([]model.PlanAction, 0, len(actions))
	i := 0
	for i < len(actions) {
		a := actions[i]
		if !a.SumKind {
			out = append(out, a)
			i++
			continue
		}
		j := i + 1
		objects := map[string]json.RawMessage{a.Name: a.NextContent}
		for j < len(actions) && actions[j].Host == a.Host && actions[j].TypeID == a.TypeID && actions[j].SumKind {
			if actions[j].Action != model.ActionRemove {
				objects[actions[j].Name] = actions[j].NextContent
			}
			j++
		}
		merged, _ := json.Marshal(objects)
		a.NextContent = merged
		out = append(out, a)
		i = j
	}
	return out
}
