package agent

import (
	"bufio"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

// commands tracks spawned interactive commands by job id, so later
// CommandStdin/CommandSignal messages on the same id reach the right
// process (spec §4.4's command ops).
type commands struct {
	mu   sync.Mutex
	cmds map[string]*runningCommand
}

type runningCommand struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newCommands() *commands {
	return &commands{cmds: make(map[string]*runningCommand)}
}

func (c *commands) put(id string, rc *runningCommand) {
	c.mu.Lock()
	c.cmds[id] = rc
	c.mu.Unlock()
}

func (c *commands) get(id string) (*runningCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.cmds[id]
	return rc, ok
}

func (c *commands) remove(id string) {
	c.mu.Lock()
	delete(c.cmds, id)
	c.mu.Unlock()
}

func (a *Agent) handleCommandSpawn(serverConn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.CommandSpawn
	if err := msg.Decode(&job); err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: "bad CommandSpawn payload: " + err.Error()})
		return
	}

	cmd := exec.Command(job.Path, job.Args...)
	if job.Cwd != "" {
		cmd.Dir = job.Cwd
	}
	if len(job.Env) > 0 {
		cmd.Env = job.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		a.sendFailure(serverConn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	a.commands.put(msg.ID, &runningCommand{cmd: cmd, stdin: stdin})

	go a.pumpCommand(serverConn, w, msg.ID, cmd, stdout)
}

func (a *Agent) pumpCommand(serverConn net.Conn, w *hostproto.Writer, id string, cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		data, err := hostproto.Encode(id, hostproto.TypeData, hostproto.Data{Data: append([]byte(nil), scanner.Bytes()...)})
		if err == nil {
			_ = a.writeWithDeadline(serverConn, w, data)
		}
	}

	err := cmd.Wait()
	a.commands.remove(id)
	if err != nil {
		failure := hostproto.Failure{Message: err.Error()}
		if exitErr, ok := err.(*exec.ExitError); ok {
			failure.Code = exitErr.ExitCode()
			failure.FailureType = "ProcessExited"
		}
		a.sendFailure(serverConn, w, id, failure)
		return
	}
	reply, encErr := hostproto.Encode(id, hostproto.TypeSuccess, hostproto.Success{})
	if encErr == nil {
		_ = a.writeWithDeadline(serverConn, w, reply)
	}
}

func (a *Agent) handleCommandStdin(msg hostproto.Message) {
	var job hostproto.CommandStdin
	if err := msg.Decode(&job); err != nil {
		return
	}
	rc, ok := a.commands.get(msg.ID)
	if !ok {
		return
	}
	if len(job.Data) > 0 {
		_, _ = rc.stdin.Write(job.Data)
	}
	if job.EOF {
		_ = rc.stdin.Close()
	}
}

func (a *Agent) handleCommandSignal(msg hostproto.Message) {
	var job hostproto.CommandSignal
	if err := msg.Decode(&job); err != nil {
		return
	}
	rc, ok := a.commands.get(msg.ID)
	if !ok || rc.cmd.Process == nil {
		return
	}
	_ = rc.cmd.Process.Signal(signalByName(job.Signal))
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
