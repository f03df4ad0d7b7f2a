// Package supervisor runs services on behalf of the host-agent (spec
// §4.5): deploying a new version with an undo log on failure, starting and
// supervising the instance (cgroup, notify socket), stopping it,
// and reattaching to still-running instances across an agent restart via
// the persistence daemon.
//
// Grounded on internal/engine/rollback.go's sequential undo-log-in-reverse
// shape for the deploy orchestration, and internal/docker/*.go for the
// throwaway-container extract_files step (spec §4.5 step 5), repurposed
// from "check and restart containers" to "install a new service version".
package supervisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/simpleadmin/sadmin/internal/docker"
	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/persistclient"
)

// Supervisor owns every service this agent runs.
type Supervisor struct {
	docker  docker.API
	persist *persistclient.Client
	dataDir string // local state directory: services.json and auth/
	log     *slog.Logger

	mu       sync.Mutex
	services map[string]*serviceRuntime
}

// serviceRuntime is the in-memory half of one service's state; Status is
// the half that is also persisted to disk (state.go) so Deploy/Stop
// survive an agent restart via reattach (spec §4.5.4).
type serviceRuntime struct {
	Status model.ServiceStatus
	cancel context.CancelFunc
}

// New constructs a Supervisor. dataDir is the local state directory, e.g.
// /var/lib/simpleadmin/agent.
func New(dockerAPI docker.API, persist *persistclient.Client, dataDir string, log *slog.Logger) *Supervisor {
	return &Supervisor{
		docker:   dockerAPI,
		persist:  persist,
		dataDir:  dataDir,
		log:      log.With("component", "supervisor"),
		services: make(map[string]*serviceRuntime),
	}
}

// undoStep is one reversible action taken during Deploy.
type undoStep struct {
	name string
	undo func()
}

// Deploy implements spec §4.5 steps 1-7. ctx bounds the whole deploy,
// including any pre_deploy scripts and the throwaway-container file
// extraction; the resulting instance's own supervision loop outlives ctx.
func (s *Supervisor) Deploy(ctx context.Context, desc model.ServiceDescription, image string, auth *DockerAuth, extraEnv map[string]string, user string) (err error) {
	var undo []undoStep
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				s.log.Warn("deploy failed, undoing step", "service", desc.Name, "step", undo[i].name)
				undo[i].undo()
			}
		}
	}()

	// Step 2-3: one-shot registry auth file, optional pull.
	if image != "" {
		_, cleanup, aerr := writeAuthFile(s.dataDir, desc.Name, auth, user)
		if aerr != nil {
			return fmt.Errorf("supervisor: write auth file: %w", aerr)
		}
		undo = append(undo, undoStep{"auth file", cleanup})

		if err := s.docker.PullImage(ctx, image); err != nil {
			return fmt.Errorf("supervisor: pull %s: %w", image, err)
		}
	}

	// Step 4: stop a non-overlapping prior instance first.
	s.mu.Lock()
	prior, hadPrior := s.services[desc.Name]
	s.mu.Unlock()
	if hadPrior && !desc.Overlap && isRunningState(prior.Status.State) {
		if err := s.stopRuntime(ctx, prior, stopSignal(desc)); err != nil {
			return fmt.Errorf("supervisor: stop prior instance: %w", err)
		}
		undo = append(undo, undoStep{"stop prior", func() {
			_, _ = s.startInstance(context.Background(), prior.Status.Description, prior.Status.ExtraEnv, prior.Status.Image, prior.Status.DeployUser)
		}})
	}

	// Step 5: pre_deploy scripts, then extract_files via a throwaway
	// container.
	for _, script := range desc.PreDeploy {
		if err := runShell(ctx, script); err != nil {
			return fmt.Errorf("supervisor: pre_deploy: %w", err)
		}
	}
	if len(desc.ExtractFiles) > 0 && image != "" {
		restore, eerr := s.extractFiles(ctx, image, desc.ExtractFiles)
		if eerr != nil {
			return fmt.Errorf("supervisor: extract_files: %w", eerr)
		}
		undo = append(undo, undoStep{"extract_files", restore})
	}

	// Step 6: start the new instance.
	status, serr := s.startInstance(ctx, desc, extraEnv, image, user)
	if serr != nil {
		return fmt.Errorf("supervisor: start instance: %w", serr)
	}
	undo = append(undo, undoStep{"start instance", func() {
		_ = s.killInstance(status)
	}})

	s.mu.Lock()
	s.services[desc.Name] = &serviceRuntime{Status: *status}
	s.mu.Unlock()
	s.persistState()

	// Step 7: overlap stop of the previous instance, soft-timed.
	if hadPrior && desc.Overlap && isRunningState(prior.Status.State) {
		go s.overlapStop(prior, stopSignal(desc))
	}

	return nil
}

// stopSignal returns the configured stop signal, defaulting to SIGTERM
// (spec §4.5.3).
func stopSignal(desc model.ServiceDescription) string {
	if desc.StopSignal != "" {
		return desc.StopSignal
	}
	return "SIGTERM"
}

func (s *Supervisor) overlapStop(prior *serviceRuntime, signal string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := s.stopRuntime(ctx, prior, signal); err != nil {
		s.log.Warn("overlap stop exceeded soft timeout, continuing in background", "service", prior.Status.Name, "error", err)
		// Soft timeout: move the stop fully to background rather than
		// block whatever is waiting on Deploy's return (spec §4.5 step 7).
		go func() {
			bg, bgCancel := context.WithTimeout(context.Background(), time.Minute)
			defer bgCancel()
			_ = s.stopRuntime(bg, prior, signal)
		}()
	}
}

func isRunningState(st model.ServiceState) bool {
	switch st {
	case model.ServiceRunning, model.ServiceReady, model.ServiceReloading, model.ServiceStarting:
		return true
	default:
		return false
	}
}

// killInstance is the undo path for a just-started instance that must be
// torn down because a later deploy step failed.
func (s *Supervisor) killInstance(status *model.ServiceStatus) error {
	err := s.persist.SignalProcess(status.ProcessKey, int(syscall.SIGKILL))
	removeCgroup(status.CgroupPath)
	return err
}

func runShell(ctx context.Context, script string) error {
	return runShellCmd(ctx, script)
}

// ListServices returns a snapshot of every service this agent knows about,
// for the local control-plane CLI (spec §3's control.socket).
func (s *Supervisor) ListServices() []model.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ServiceStatus, 0, len(s.services))
	for _, rt := range s.services {
		out = append(out, rt.Status)
	}
	return out
}

// GetService returns one service's status by name.
func (s *Supervisor) GetService(name string) (model.ServiceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.services[name]
	if !ok {
		return model.ServiceStatus{}, false
	}
	return rt.Status, true
}

// StopService stops a running service by name, for a local operator
// command rather than a server-originated DeployService job.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no such service %q", name)
	}
	return s.stopRuntime(ctx, rt, stopSignal(rt.Status.Description))
}

// RestartService stops and redeploys a service from its last known
// description, for a local operator command.
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	s.mu.Lock()
	rt, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no such service %q", name)
	}
	return s.Deploy(ctx, rt.Status.Description, rt.Status.Image, nil, rt.Status.ExtraEnv, rt.Status.DeployUser)
}

func (s *Supervisor) persistState() {
	s.mu.Lock()
	snapshot := make(map[string]model.ServiceStatus, len(s.services))
	for name, rt := range s.services {
		snapshot[name] = rt.Status
	}
	s.mu.Unlock()
	if err := saveState(filepath.Join(s.dataDir, "services.json"), snapshot); err != nil {
		s.log.Error("persist service state failed", "error", err)
	}
}

// DockerAuth mirrors hostproto.DockerAuth without importing hostproto
// from this package (supervisor is a lower-level package than hostproto;
// the agent's job dispatcher converts between the two).
type DockerAuth struct {
	Username string
	Password string
	Registry string
}

func writeAuthFile(dataDir, serviceName string, auth *DockerAuth, user string) (string, func(), error) {
	if auth == nil {
		return "", func() {}, nil
	}
	dir := filepath.Join(dataDir, "auth")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", nil, err
	}
	path := filepath.Join(dir, serviceName+".json")
	token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
	content := fmt.Sprintf(`{"auths":{%q:{"auth":%q}}}`, auth.Registry, token)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", nil, err
	}
	if user != "" {
		if uid, gid, err := lookupUser(user); err == nil {
			_ = os.Chown(path, uid, gid)
		}
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}
