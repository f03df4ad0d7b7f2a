// Command sadmin-persistd is the persistence daemon (spec §4.6): it owns
// file descriptors and supervised processes across agent restarts.
package main

import (
	"os"

	"github.com/simpleadmin/sadmin/internal/logging"
	"github.com/simpleadmin/sadmin/internal/persistd"
)

func main() {
	socketPath := envStr("SADMIN_PERSIST_SOCKET", "/run/simpleadmin/persist.socket")
	jsonLog := envStr("SADMIN_LOG_JSON", "true") == "true"

	log := logging.New(jsonLog)
	d := persistd.New(socketPath, log.Logger)
	if err := d.Run(); err != nil {
		log.Error("persistd exited", "error", err)
		os.Exit(1)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
