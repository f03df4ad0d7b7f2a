// Package persistd implements the persistence daemon (spec §4.6): a
// single local process that outlives agent restarts, owning file
// descriptors and supervised child processes by string key so the agent
// can reconnect to in-flight services after its own process is replaced.
//
// Built from spec §4.6 and original_source/src/bin/sadmin/
// persist_daemon.rs's documented shape, in the idiom the rest of this
// codebase uses for daemons (slog logging, mutex-guarded maps,
// context-based shutdown).
package persistd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/simpleadmin/sadmin/internal/persistproto"
)

// reservedLowFds is how many /dev/null handles are opened and held at
// boot; they take the lowest fd numbers still free, so later dup2
// target-fd slots requested by StartProcess never collide with a fd the Go
// runtime or a library opened incidentally at boot (spec §4.6 "reserves
// low fd numbers at boot").
const reservedLowFds = 10

// Daemon is the persistence daemon's in-memory state.
type Daemon struct {
	socketPath string
	log        *slog.Logger

	fdMu sync.Mutex
	fds  map[string]*os.File

	procMu sync.Mutex
	procs  map[string]*process

	clientsMu sync.Mutex
	clients   map[*net.UnixConn]struct{}

	reserved []*os.File
}

type process struct {
	key string
	pid int
	cmd *os.Process
}

// New constructs a Daemon bound to socketPath (not yet listening).
func New(socketPath string, log *slog.Logger) *Daemon {
	return &Daemon{
		socketPath: socketPath,
		log:        log.With("component", "persistd"),
		fds:        make(map[string]*os.File),
		procs:      make(map[string]*process),
		clients:    make(map[*net.UnixConn]struct{}),
	}
}

// Run reserves low fds, listens on the daemon socket (mode 0600), and
// serves connections until the listener is closed.
func (d *Daemon) Run() error {
	for i := 0; i < reservedLowFds; i++ {
		f, err := os.Open(os.DevNull)
		if err != nil {
			break
		}
		d.reserved = append(d.reserved, f)
	}

	_ = os.Remove(d.socketPath)
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("persistd: listen: %w", err)
	}
	defer ln.Close()
	if err := os.Chmod(d.socketPath, 0600); err != nil {
		return fmt.Errorf("persistd: chmod socket: %w", err)
	}

	d.log.Info("persistence daemon listening", "socket", d.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("persistd: accept: %w", err)
		}
		uconn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		d.clientsMu.Lock()
		d.clients[uconn] = struct{}{}
		d.clientsMu.Unlock()
		go d.handleConn(uconn)
	}
}

func (d *Daemon) handleConn(conn *net.UnixConn) {
	defer func() {
		d.clientsMu.Lock()
		delete(d.clients, conn)
		d.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		var req persistproto.Request
		fd, err := persistproto.ReadMessage(conn, &req)
		if err != nil {
			return
		}
		resp, respFd := d.handle(req, fd)
		if err := persistproto.WriteMessage(conn, resp, respFd); err != nil {
			return
		}
	}
}

func (d *Daemon) handle(req persistproto.Request, fd int) (persistproto.Response, int) {
	switch req.Op {
	case persistproto.OpGetProtocolVersion:
		return persistproto.Response{Type: persistproto.RespProtocolVersionResult, Version: persistproto.ProtocolVersion}, -1

	case persistproto.OpPutFd:
		if fd < 0 {
			return failure("PutFd requires an attached fd"), -1
		}
		d.fdMu.Lock()
		if old, ok := d.fds[req.Key]; ok {
			old.Close()
		}
		d.fds[req.Key] = os.NewFile(uintptr(fd), req.Key)
		d.fdMu.Unlock()
		return persistproto.Response{Type: persistproto.RespSuccess}, -1

	case persistproto.OpGetFd:
		d.fdMu.Lock()
		f, ok := d.fds[req.Key]
		d.fdMu.Unlock()
		if !ok {
			return failure("no fd for key " + req.Key), -1
		}
		dup, err := unix.Dup(int(f.Fd()))
		if err != nil {
			return failure(err.Error()), -1
		}
		return persistproto.Response{Type: persistproto.RespSuccessWithFd, Key: req.Key}, dup

	case persistproto.OpHasFd:
		d.fdMu.Lock()
		_, ok := d.fds[req.Key]
		d.fdMu.Unlock()
		if !ok {
			return failure("no fd for key " + req.Key), -1
		}
		return persistproto.Response{Type: persistproto.RespSuccess}, -1

	case persistproto.OpCloseFd:
		d.fdMu.Lock()
		if f, ok := d.fds[req.Key]; ok {
			f.Close()
			delete(d.fds, req.Key)
		}
		d.fdMu.Unlock()
		return persistproto.Response{Type: persistproto.RespSuccess}, -1

	case persistproto.OpListFds:
		d.fdMu.Lock()
		keys := make([]string, 0, len(d.fds))
		for k := range d.fds {
			if req.Prefix == "" || hasPrefix(k, req.Prefix) {
				keys = append(keys, k)
			}
		}
		d.fdMu.Unlock()
		return persistproto.Response{Type: persistproto.RespKeyList, Keys: keys}, -1

	case persistproto.OpListProcesses:
		d.procMu.Lock()
		keys := make([]string, 0, len(d.procs))
		for k := range d.procs {
			if req.Prefix == "" || hasPrefix(k, req.Prefix) {
				keys = append(keys, k)
			}
		}
		d.procMu.Unlock()
		return persistproto.Response{Type: persistproto.RespKeyList, Keys: keys}, -1

	case persistproto.OpSignalProcess:
		d.procMu.Lock()
		p, ok := d.procs[req.Key]
		d.procMu.Unlock()
		if !ok {
			return failure("no process for key " + req.Key), -1
		}
		if err := p.cmd.Signal(syscall.Signal(req.Signal)); err != nil {
			return failure(err.Error()), -1
		}
		return persistproto.Response{Type: persistproto.RespSuccess}, -1

	case persistproto.OpStartProcess:
		if req.Start == nil {
			return failure("StartProcess requires a spec"), -1
		}
		pid, err := d.startProcess(*req.Start)
		if err != nil {
			return failure(err.Error()), -1
		}
		return persistproto.Response{Type: persistproto.RespSuccess, Pid: pid}, -1

	default:
		return failure("unknown op " + string(req.Op)), -1
	}
}

func failure(msg string) persistproto.Response {
	return persistproto.Response{Type: persistproto.RespFailure, Error: msg}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// broadcastProcessDied fans a ProcessDied push out to every connected
// client (spec §4.6: "fanned out to all connected clients").
func (d *Daemon) broadcastProcessDied(key string, exitCode int) {
	d.clientsMu.Lock()
	conns := make([]*net.UnixConn, 0, len(d.clients))
	for c := range d.clients {
		conns = append(conns, c)
	}
	d.clientsMu.Unlock()

	msg := persistproto.Response{Type: persistproto.RespProcessDied, Key: key, ExitCode: exitCode}
	for _, c := range conns {
		_ = persistproto.WriteMessage(c, msg, -1)
	}
}
