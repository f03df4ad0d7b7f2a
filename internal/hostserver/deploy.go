package hostserver

import (
	"context"
	"fmt"

	"github.com/simpleadmin/sadmin/internal/hostproto"
	"github.com/simpleadmin/sadmin/internal/model"
)

// Deploy implements executor.Deployer: run a script on host, streaming log
// lines via onLog, and block until the agent reports Success or Failure.
// Grounded on internal/cluster/server/server.go's ListContainersSync /
// UpdateContainerSync synchronous request/response pattern, generalized
// from a single RPC call to a streamed job delivered over hostproto.
func (s *Server) Deploy(ctx context.Context, host int64, script string, stdin []byte, onLog func(line string)) error {
	return s.runJob(ctx, host, hostproto.TypeRunScript, hostproto.RunScript{
		Script:    script,
		InputJSON: stdin,
	}, onLog)
}

// DeployService implements executor.Deployer's docker-kind path: dispatch a
// DeployService job (spec §4.4/§4.5) rather than RunScript, so the agent's
// supervisor runs its pull/stop-prior/extract_files/start sequence instead
// of a plain shell script.
func (s *Server) DeployService(ctx context.Context, host int64, desc model.ServiceDescription, auth *hostproto.DockerAuth, extraEnv map[string]string, user string, onLog func(line string)) error {
	return s.runJob(ctx, host, hostproto.TypeDeployService, hostproto.DeployService{
		Description: desc,
		Image:       desc.Image,
		DockerAuth:  auth,
		ExtraEnv:    extraEnv,
		User:        user,
	}, onLog)
}

// runJob sends one job to host and blocks until the agent reports Success
// or Failure, forwarding any Data replies to onLog as they arrive.
func (s *Server) runJob(ctx context.Context, host int64, typ hostproto.Type, body any, onLog func(line string)) error {
	c, ok := s.reg.get(host)
	if !ok {
		return fmt.Errorf("hostserver: host %d is not connected", host)
	}

	id := generateID()
	handle, err := c.jobs.Register(id)
	if err != nil {
		return fmt.Errorf("hostserver: %w", err)
	}
	defer c.jobs.Close(id)

	msg, err := hostproto.Encode(id, typ, body)
	if err != nil {
		return fmt.Errorf("hostserver: encode job: %w", err)
	}
	if err := c.send(msg); err != nil {
		return fmt.Errorf("hostserver: send job: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.send(hostproto.Message{ID: id, Type: hostproto.TypeKill})
			return ctx.Err()
		case reply, ok := <-handle.Recv():
			if !ok {
				return fmt.Errorf("hostserver: host %d disconnected mid-job", host)
			}
			switch reply.Type {
			case hostproto.TypeData:
				var d hostproto.Data
				if err := reply.Decode(&d); err == nil && onLog != nil {
					onLog(string(d.Data))
				}
			case hostproto.TypeSuccess:
				return nil
			case hostproto.TypeFailure:
				var f hostproto.Failure
				_ = reply.Decode(&f)
				if f.Message != "" {
					return fmt.Errorf("hostserver: job failed: %s", f.Message)
				}
				return fmt.Errorf("hostserver: job failed")
			}
		}
	}
}
