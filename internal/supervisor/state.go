package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"

	"github.com/simpleadmin/sadmin/internal/model"
)

// saveState writes snapshot to path via a temp-file-then-rename so a crash
// mid-write never leaves a truncated state file behind (spec §4.5.4 needs
// this file intact across agent restarts to reattach running services).
func saveState(path string, snapshot map[string]model.ServiceStatus) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadState reads back a state file written by saveState. A missing file
// is not an error — it means this is the agent's first run.
func loadState(path string) (map[string]model.ServiceStatus, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]model.ServiceStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot map[string]model.ServiceStatus
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Reattach implements spec §4.5.4: on agent startup, reload the last known
// service table and, for each entry whose process key is still alive in
// the persistence daemon, resume supervision without restarting it;
// entries whose process is gone are restarted if they were enabled.
func (s *Supervisor) Reattach(ctx context.Context) error {
	snapshot, err := loadState(filepath.Join(s.dataDir, "services.json"))
	if err != nil {
		return err
	}

	live, err := s.persist.ListProcesses("service.")
	if err != nil {
		return err
	}
	liveSet := make(map[string]bool, len(live))
	for _, k := range live {
		liveSet[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, status := range snapshot {
		status := status
		if liveSet[status.ProcessKey] {
			s.log.Info("reattaching to running service", "service", name)
			s.services[name] = &serviceRuntime{Status: status}
			go s.reattachSupervision(name, status)
			continue
		}
		if status.Enabled {
			s.log.Info("service process gone on restart, redeploying", "service", name)
			go func() {
				if newStatus, err := s.startInstance(context.Background(), status.Description, status.ExtraEnv, status.Image, status.DeployUser); err == nil {
					s.mu.Lock()
					s.services[name] = &serviceRuntime{Status: *newStatus}
					s.mu.Unlock()
					s.persistState()
				} else {
					s.log.Error("reattach restart failed", "service", name, "error", err)
				}
			}()
		}
	}
	return nil
}

// reattachSupervision resumes stdout/stderr forwarding and death-watching
// for a service instance that outlived an agent restart, by fetching its
// fds back from the persistence daemon.
func (s *Supervisor) reattachSupervision(name string, status model.ServiceStatus) {
	stdoutF, err := s.persist.GetFd(status.StdoutKey)
	if err != nil {
		s.log.Warn("reattach: could not recover stdout fd", "service", name, "error", err)
		return
	}
	stderrF, err := s.persist.GetFd(status.StderrKey)
	if err != nil {
		s.log.Warn("reattach: could not recover stderr fd", "service", name, "error", err)
		return
	}

	var notifyConn *net.UnixConn
	if status.Description.Notify && status.NotifyKey != "" {
		if f, err := s.persist.GetFd(status.NotifyKey); err == nil {
			if uc, err := net.FileConn(f); err == nil {
				notifyConn, _ = uc.(*net.UnixConn)
			}
			f.Close()
		}
	}

	s.superviseLoop(name, status.ProcessKey, notifyConn, stdoutF, stderrF)
}
