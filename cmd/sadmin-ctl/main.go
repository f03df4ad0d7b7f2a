// Command sadmin-ctl is a local operator tool that talks to a running
// sadmin-client over its control socket (spec §3's
// "/run/simpleadmin/control.socket — agent control plane for local CLI").
// Usage: sadmin-ctl -socket /run/simpleadmin/control.socket list|status|stop|restart [name]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/simpleadmin/sadmin/internal/control"
)

func main() {
	socketPath := flag.String("socket", "/run/simpleadmin/control.socket", "path to the agent's control socket")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sadmin-ctl [-socket path] list|status|stop|restart [name]")
		os.Exit(2)
	}

	c := control.NewClient(*socketPath)
	cmd := args[0]

	var resp control.Response
	var err error
	switch cmd {
	case "list":
		resp, err = c.ListServices()
	case "status":
		requireName(args)
		resp, err = c.GetService(args[1])
	case "stop":
		requireName(args)
		resp, err = c.StopService(args[1])
	case "restart":
		requireName(args)
		resp, err = c.RestartService(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sadmin-ctl: %v\n", err)
		os.Exit(1)
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "sadmin-ctl: %s\n", resp.Error)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

func requireName(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "this command requires a service name")
		os.Exit(2)
	}
}
