package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/simpleadmin/sadmin/internal/model"
	"github.com/simpleadmin/sadmin/internal/persistproto"
)

// startInstance implements spec §4.5.1: allocate an instance id, create
// the per-instance cgroup/pipes/notify socket, hand every fd to the
// persistence daemon, start the process through it, and (for Notify-type
// services) wait for readiness.
func (s *Supervisor) startInstance(ctx context.Context, desc model.ServiceDescription, extraEnv map[string]string, image, user string) (*model.ServiceStatus, error) {
	instanceID := time.Now().UnixMilli()
	runDir := filepath.Join("/run/simpleadmin/services", desc.Name, strconv.FormatInt(instanceID, 10))
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	cgroupPath, err := ensureCgroup(desc.Name, instanceID, desc.MemoryLimit)
	if err != nil {
		s.log.Warn("cgroup setup failed, continuing without a memory cap", "service", desc.Name, "error", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	stdoutKey := fmt.Sprintf("service.%s.stdout", desc.Name)
	stderrKey := fmt.Sprintf("service.%s.stderr", desc.Name)
	notifyKey := fmt.Sprintf("service.%s.notify", desc.Name)
	processKey := fmt.Sprintf("service.%s.process", desc.Name)

	if err := s.persist.PutFd(stdoutKey, stdoutW); err != nil {
		return nil, fmt.Errorf("put stdout fd: %w", err)
	}
	if err := s.persist.PutFd(stderrKey, stderrW); err != nil {
		return nil, fmt.Errorf("put stderr fd: %w", err)
	}

	var notifyConn *net.UnixConn
	if desc.Notify {
		notifyPath := filepath.Join(runDir, "notify.socket")
		addr, err := net.ResolveUnixAddr("unixgram", notifyPath)
		if err != nil {
			return nil, err
		}
		notifyConn, err = net.ListenUnixgram("unixgram", addr)
		if err != nil {
			return nil, fmt.Errorf("notify socket: %w", err)
		}
		if f, err := notifyConn.File(); err == nil {
			_ = s.persist.PutFd(notifyKey, f)
			f.Close()
		}
	}

	fds := []persistproto.FdMapping{
		{Key: stdoutKey, TargetFd: 1},
		{Key: stderrKey, TargetFd: 2},
	}
	nextFd := 3
	for _, bind := range desc.Binds {
		key := fmt.Sprintf("service.%s.bind.%s", desc.Name, bind)
		if !s.persist.HasFd(key) {
			ln, err := openBind(bind)
			if err != nil {
				return nil, fmt.Errorf("bind %s: %w", bind, err)
			}
			if err := s.persist.PutFd(key, ln); err != nil {
				return nil, fmt.Errorf("put bind fd: %w", err)
			}
			ln.Close()
		}
		fds = append(fds, persistproto.FdMapping{Key: key, TargetFd: nextFd})
		nextFd++
	}

	path, args := commandFor(desc, image)
	env := mergeEnv(desc.Env, extraEnv)
	if desc.Notify {
		env = append(env, "NOTIFY_SOCKET="+filepath.Join(runDir, "notify.socket"))
	}

	spec := persistproto.StartProcessSpec{
		Key:    processKey,
		Path:   path,
		Args:   args,
		Env:    env,
		Cwd:    runDir,
		Cgroup: cgroupPath,
		Fds:    fds,
	}
	if user != "" {
		if uid, gid, err := lookupUser(user); err == nil {
			u32, g32 := uint32(uid), uint32(gid)
			spec.UID, spec.GID = &u32, &g32
		}
	}

	pid, err := s.persist.StartProcess(spec)
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	_ = pid

	status := &model.ServiceStatus{
		Name:        desc.Name,
		Description: desc,
		ExtraEnv:    extraEnv,
		InstanceID:  instanceID,
		Enabled:     true,
		StdoutKey:   stdoutKey,
		StderrKey:   stderrKey,
		NotifyKey:   notifyKey,
		ProcessKey:  processKey,
		StartTime:   time.Now(),
		DeployTime:  time.Now(),
		DeployUser:  user,
		Image:       image,
		CgroupPath:  cgroupPath,
	}

	if desc.Notify {
		status.State = model.ServiceStarting
		if err := waitReady(notifyConn, desc.StartTimeout); err != nil {
			_ = s.persist.SignalProcess(processKey, int(syscall.SIGKILL))
			notifyConn.Close()
			return nil, fmt.Errorf("service did not signal READY within %s: %w", desc.StartTimeout, err)
		}
		status.State = model.ServiceRunning
	} else {
		status.State = model.ServiceRunning
	}

	go s.superviseLoop(desc.Name, status.ProcessKey, notifyConn, stdoutR, stderrR)

	return status, nil
}

// waitReady blocks until READY=1 arrives on conn or timeout elapses (spec
// §4.5.1/4.5.2's sd_notify-style protocol).
func waitReady(conn *net.UnixConn, timeout time.Duration) error {
	if conn == nil {
		return fmt.Errorf("no notify socket")
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out")
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		if strings.Contains(string(buf[:n]), "READY=1") {
			return nil
		}
	}
}

// superviseLoop implements spec §4.5.2: forward stdout/stderr, watch the
// notify socket for state transitions, and restart 5s after an unexpected
// exit. When the process dies while the service is Stopping or Stopped (an
// intentional stop through stopRuntime), it returns without restarting.
func (s *Supervisor) superviseLoop(name, processKey string, notifyConn *net.UnixConn, stdoutR, stderrR *os.File) {
	died := s.persist.Subscribe()
	go forwardLines(stdoutR, s.log.With("service", name, "stream", "stdout"))
	go forwardLines(stderrR, s.log.With("service", name, "stream", "stderr"))

	var watchdogTimer *time.Timer
	if notifyConn != nil {
		go s.watchNotify(name, processKey, notifyConn, &watchdogTimer)
	}

	for ev := range died {
		if ev.Key != processKey {
			continue
		}
		s.mu.Lock()
		rt, ok := s.services[name]
		s.mu.Unlock()
		if !ok || rt.Status.State == model.ServiceStopping || rt.Status.State == model.ServiceStopped {
			return // intentional stop, nothing to restart
		}
		s.log.Warn("service exited unexpectedly, restarting after 5s", "service", name, "exitCode", ev.ExitCode)
		time.Sleep(5 * time.Second)
		s.mu.Lock()
		desc := rt.Status.Description
		extraEnv := rt.Status.ExtraEnv
		image := rt.Status.Image
		user := rt.Status.DeployUser
		s.mu.Unlock()
		if status, err := s.startInstance(context.Background(), desc, extraEnv, image, user); err == nil {
			s.mu.Lock()
			s.services[name] = &serviceRuntime{Status: *status}
			s.mu.Unlock()
			s.persistState()
		} else {
			s.log.Error("restart failed", "service", name, "error", err)
		}
		return
	}
}

// watchNotify applies STOPPING=1, RELOADING=1 and READY=1 to the service's
// state (spec §4.5.2). WATCHDOG=1 pings are read and ignored: no watchdog
// deadline is kept, so a service that stops pinging is neither killed nor
// restarted.
func (s *Supervisor) watchNotify(name, processKey string, conn *net.UnixConn, timer **time.Timer) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		switch {
		case strings.Contains(msg, "WATCHDOG=1"):
			// No watchdog deadline is tracked; only process death
			// (superviseLoop) leads to a restart.
		case strings.Contains(msg, "STOPPING=1"):
			s.setState(name, model.ServiceStopping)
		case strings.Contains(msg, "RELOADING=1"):
			s.setState(name, model.ServiceReloading)
		case strings.Contains(msg, "READY=1"):
			s.setState(name, model.ServiceRunning)
		}
	}
}

func (s *Supervisor) setState(name string, state model.ServiceState) {
	s.mu.Lock()
	if rt, ok := s.services[name]; ok {
		rt.Status.State = state
	}
	s.mu.Unlock()
}

func forwardLines(f *os.File, log interface {
	Info(msg string, args ...any)
}) {
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			log.Info(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// stopRuntime implements spec §4.5.3: signal, wait up to stop_timeout,
// else SIGKILL and wait up to 10s.
func (s *Supervisor) stopRuntime(ctx context.Context, rt *serviceRuntime, signal string) error {
	s.setState(rt.Status.Name, model.ServiceStopping)
	sig := signalByName(signal)
	if err := s.persist.SignalProcess(rt.Status.ProcessKey, int(sig)); err != nil {
		return err
	}

	timeout := rt.Status.Description.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if waitExit(s.persist, rt.Status.ProcessKey, timeout) {
		s.setState(rt.Status.Name, model.ServiceStopped)
		removeCgroup(rt.Status.CgroupPath)
		return nil
	}

	_ = s.persist.SignalProcess(rt.Status.ProcessKey, int(syscall.SIGKILL))
	waitExit(s.persist, rt.Status.ProcessKey, 10*time.Second)
	s.setState(rt.Status.Name, model.ServiceStopped)
	removeCgroup(rt.Status.CgroupPath)
	return nil
}

func waitExit(persist interface {
	Subscribe() <-chan persistproto.Response
}, processKey string, timeout time.Duration) bool {
	died := persist.Subscribe()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-died:
			if ev.Key == processKey {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func signalByName(name string) syscall.Signal {
	switch strings.ToUpper(name) {
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGINT":
		return syscall.SIGINT
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGQUIT":
		return syscall.SIGQUIT
	default:
		return syscall.SIGTERM
	}
}

func commandFor(desc model.ServiceDescription, image string) (string, []string) {
	if len(desc.Exec) > 0 {
		return desc.Exec[0], desc.Exec[1:]
	}
	args := []string{"run", "--rm", "--name", desc.Name}
	if image != "" {
		args = append(args, image)
	}
	return "/usr/bin/podman", args
}

func mergeEnv(base, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func openBind(addr string) (*os.File, error) {
	if strings.HasPrefix(addr, "unix:") {
		ln, err := net.Listen("unix", strings.TrimPrefix(addr, "unix:"))
		if err != nil {
			return nil, err
		}
		defer ln.Close()
		return ln.(*net.UnixListener).File()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return ln.(*net.TCPListener).File()
}
