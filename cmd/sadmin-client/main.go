// Command sadmin-client is the host-agent daemon: it dials the control
// plane and executes jobs dispatched over the host protocol (spec §4.4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/simpleadmin/sadmin/internal/agent"
	"github.com/simpleadmin/sadmin/internal/control"
	"github.com/simpleadmin/sadmin/internal/docker"
	"github.com/simpleadmin/sadmin/internal/logging"
	"github.com/simpleadmin/sadmin/internal/persistclient"
	"github.com/simpleadmin/sadmin/internal/supervisor"
)

func main() {
	serverAddr := envStr("SADMIN_SERVER_ADDR", "127.0.0.1:8888")
	hostname := envStr("SADMIN_HOSTNAME", "")
	password := envStr("SADMIN_HOST_PASSWORD", "")
	insecure := envStr("SADMIN_INSECURE_SKIP_VERIFY", "") == "1"
	jsonLog := envStr("SADMIN_LOG_JSON", "true") == "true"
	persistSocket := envStr("SADMIN_PERSIST_SOCKET", "/run/simpleadmin/persist.socket")
	dockerSock := envStr("SADMIN_DOCKER_SOCK", "unix:///var/run/docker.sock")
	dataDir := envStr("SADMIN_AGENT_DATA_DIR", "/var/lib/simpleadmin/agent")
	controlSocket := envStr("SADMIN_CONTROL_SOCKET", "/run/simpleadmin/control.socket")

	if hostname == "" || password == "" {
		fmt.Fprintln(os.Stderr, "SADMIN_HOSTNAME and SADMIN_HOST_PASSWORD are required")
		os.Exit(1)
	}

	log := logging.New(jsonLog)
	log.Info("starting sadmin-client", "server", serverAddr, "hostname", hostname)

	var deploy agent.Deployer
	persist, err := persistclient.Dial(persistSocket)
	if err != nil {
		log.Warn("persistence daemon unavailable, DeployService jobs will fail", "error", err)
	} else {
		defer persist.Close()
		dockerAPI, err := docker.NewClient(dockerSock, nil)
		if err != nil {
			log.Warn("docker client unavailable, DeployService jobs will fail", "error", err)
		} else {
			defer dockerAPI.Close()
			sup := supervisor.New(dockerAPI, persist, dataDir, log.Logger)
			if err := sup.Reattach(context.Background()); err != nil {
				log.Warn("service reattach failed", "error", err)
			}
			deploy = sup

			ctl := control.New(sup, log.Logger)
			if err := ctl.Start(controlSocket); err != nil {
				log.Warn("control socket unavailable", "error", err)
			} else {
				defer ctl.Stop()
			}
		}
	}

	a := agent.New(agent.Config{
		ServerAddr:         serverAddr,
		Hostname:           hostname,
		Password:           password,
		InsecureSkipVerify: insecure,
	}, agent.ShellRunner{}, deploy, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Run(ctx)
	log.Info("sadmin-client shutdown complete")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
