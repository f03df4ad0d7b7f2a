package agent

import (
	"bufio"
	"net"
	"os/exec"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

// handleRunInstant runs a one-shot job through the named interpreter
// (e.g. "python3", "/bin/sh") with Content piped in as a temp-free script
// on the interpreter's own stdin, rather than RunScript's fixed "/bin/sh
// -c" (spec §4.4 distinguishes the two: RunInstant names its interpreter
// explicitly instead of always shelling out).
func (a *Agent) handleRunInstant(conn net.Conn, w *hostproto.Writer, msg hostproto.Message) {
	var job hostproto.RunInstant
	if err := msg.Decode(&job); err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: "bad RunInstant payload: " + err.Error()})
		return
	}

	cmd := exec.Command(job.Interpreter, job.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		a.sendFailure(conn, w, msg.ID, hostproto.Failure{Message: err.Error()})
		return
	}
	go func() {
		defer stdin.Close()
		_, _ = stdin.Write([]byte(job.Content))
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		data, err := hostproto.Encode(msg.ID, hostproto.TypeData, hostproto.Data{Data: append([]byte(nil), scanner.Bytes()...)})
		if err != nil {
			continue
		}
		_ = a.writeWithDeadline(conn, w, data)
	}

	if err := cmd.Wait(); err != nil {
		failure := hostproto.Failure{Message: err.Error()}
		if exitErr, ok := err.(*exec.ExitError); ok {
			failure.Code = exitErr.ExitCode()
			failure.FailureType = "ScriptFailed"
		}
		a.sendFailure(conn, w, msg.ID, failure)
		return
	}
	reply, err := hostproto.Encode(msg.ID, hostproto.TypeSuccess, hostproto.Success{})
	if err != nil {
		return
	}
	_ = a.writeWithDeadline(conn, w, reply)
}
