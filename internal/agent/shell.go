package agent

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"

	"github.com/simpleadmin/sadmin/internal/hostproto"
)

// ShellRunner executes RunScript jobs via /bin/sh, feeding InputJSON on
// stdin and streaming combined stdout/stderr lines to onData (spec §4.3's
// action scripts are posix shell, invoked with the old/new or sum-kind
// JSON payload on stdin).
type ShellRunner struct {
	Shell string // defaults to /bin/sh
}

func (s ShellRunner) shell() string {
	if s.Shell == "" {
		return "/bin/sh"
	}
	return s.Shell
}

// RunScript implements Runner.
func (s ShellRunner) RunScript(ctx context.Context, job hostproto.RunScript, onData func(line []byte)) (hostproto.Success, *hostproto.Failure) {
	cmd := exec.CommandContext(ctx, s.shell(), "-c", job.Script)
	cmd.Stdin = bytes.NewReader(job.InputJSON)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return hostproto.Success{}, &hostproto.Failure{Message: err.Error()}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return hostproto.Success{}, &hostproto.Failure{Message: err.Error()}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		onData(line)
	}

	err = cmd.Wait()
	if err != nil {
		failure := hostproto.Failure{Message: err.Error()}
		if exitErr, ok := err.(*exec.ExitError); ok {
			failure.Code = exitErr.ExitCode()
			failure.FailureType = "ScriptFailed"
		}
		return hostproto.Success{}, &failure
	}
	return hostproto.Success{Code: 0}, nil
}
