package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/simpleadmin/sadmin/internal/guardian"
	"github.com/simpleadmin/sadmin/internal/model"
)

// extractFiles implements spec §4.5 step 5: start a throwaway container
// from image, copy each listed file out onto the host, and return a
// restore func that undoes the installs if a later deploy step fails.
//
// docker.API here only exposes ExecContainer (no CopyFromContainer), so
// extraction runs "cat <source>" inside the container and writes the
// captured stdout to the target path. That is fine for the text configs
// and small binaries these deploys extract in practice; a container image
// whose extracted files contain embedded NUL bytes would need a real
// copy-out API instead, which the docker.API subset does not carry.
func (s *Supervisor) extractFiles(ctx context.Context, image string, files []model.ExtractFile) (func(), error) {
	name := fmt.Sprintf("sadmin-extract-%d", time.Now().UnixNano())
	id, err := s.docker.CreateContainer(ctx, name, &container.Config{
		Image:      image,
		Entrypoint: []string{"/bin/sh"},
		Cmd:        []string{"-c", "sleep 300"},
		Labels:     map[string]string{guardian.MaintenanceLabel: "true"},
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create extract container: %w", err)
	}
	defer func() { _ = s.docker.RemoveContainerWithVolumes(context.Background(), id) }()

	if err := s.docker.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("start extract container: %w", err)
	}

	type installed struct {
		target  string
		backup  string
		existed bool
	}
	var done []installed
	restore := func() {
		for i := len(done) - 1; i >= 0; i-- {
			d := done[i]
			_ = os.Remove(d.target)
			if d.existed {
				_ = os.Rename(d.backup, d.target)
			}
		}
	}

	for _, f := range files {
		code, out, err := s.docker.ExecContainer(ctx, id, []string{"cat", f.Source}, 30)
		if err != nil || code != 0 {
			restore()
			return nil, fmt.Errorf("extract %s: exit %d: %w", f.Source, code, err)
		}

		backup := f.Target + ".sadmin_backup_" + name + "~"
		existed := false
		if _, statErr := os.Stat(f.Target); statErr == nil {
			if err := os.Rename(f.Target, backup); err != nil {
				restore()
				return nil, fmt.Errorf("backup %s: %w", f.Target, err)
			}
			existed = true
		}

		if err := os.MkdirAll(filepath.Dir(f.Target), 0755); err != nil {
			restore()
			return nil, err
		}
		mode := os.FileMode(0644)
		if f.Mode != 0 {
			mode = os.FileMode(f.Mode)
		}
		if err := os.WriteFile(f.Target, []byte(out), mode); err != nil {
			restore()
			return nil, fmt.Errorf("write %s: %w", f.Target, err)
		}

		done = append(done, installed{target: f.Target, backup: backup, existed: existed})
	}

	return restore, nil
}
