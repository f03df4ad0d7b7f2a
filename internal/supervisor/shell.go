package supervisor

import (
	"context"
	"os/exec"
	"os/user"
	"strconv"
)

// runShellCmd runs one pre_deploy script to completion (spec §4.5 step 5).
func runShellCmd(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	return cmd.Run()
}

// lookupUser resolves a posix username to (uid, gid) (spec §4.5 step 1
// "resolve optional posix user").
func lookupUser(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}
