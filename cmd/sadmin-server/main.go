// Command sadmin-server runs the sadmin control plane: the object store,
// the web action gateway, the deployment planner/executor, the host-agent
// listener and the image registry with its pruner.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/simpleadmin/sadmin/internal/auth"
	"github.com/simpleadmin/sadmin/internal/certs"
	"github.com/simpleadmin/sadmin/internal/config"
	"github.com/simpleadmin/sadmin/internal/events"
	"github.com/simpleadmin/sadmin/internal/executor"
	"github.com/simpleadmin/sadmin/internal/hostserver"
	"github.com/simpleadmin/sadmin/internal/logging"
	"github.com/simpleadmin/sadmin/internal/planner"
	"github.com/simpleadmin/sadmin/internal/registry"
	"github.com/simpleadmin/sadmin/internal/store"
	"github.com/simpleadmin/sadmin/internal/web"
)

// setupScriptTemplate is the bootstrap script served at GET /setup.sh,
// grounded on original_source/src/bin/server/webclient.rs's setup.sh
// route (a stub there). This script installs nothing: it prints the
// control plane address and the environment variables sadmin-client needs.
const setupScriptTemplate = `#!/bin/sh
set -e
echo "Installing sadmin-client, control plane at {{.Host}}"
echo "Set SADMIN_SERVER_ADDR, SADMIN_HOSTNAME and SADMIN_HOST_PASSWORD, then run sadmin-client."
`

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("starting sadmin-server", "version", version, "commit", commit)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.New()

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:          st,
		Sessions:       st,
		Roles:          st,
		Tokens:         st,
		Settings:       st,
		Log:            log.Logger,
		CookieSecure:   cfg.CookieSecure,
		SessionExpiry:  cfg.SessionExpiry,
		AuthEnabledEnv: cfg.AuthEnabled,
	})

	reloader, err := certs.EnsureReloader(cfg.HostAgentCertDir, log.Logger)
	if err != nil {
		log.Error("host-agent certificate setup failed", "error", err)
		os.Exit(1)
	}
	hostSrv := hostserver.New(st, bus, reloader, log.Logger)
	if err := hostSrv.Start(":" + cfg.HostAgentPort); err != nil {
		log.Error("host-agent listener failed", "error", err)
		os.Exit(1)
	}
	defer hostSrv.Stop()

	planSvc := planner.New(st)
	execSvc := executor.New(hostSrv, st, bus, log.Logger)

	srv := web.NewServer(web.Dependencies{
		Store:          st,
		EventBus:       bus,
		Auth:           authSvc,
		Planner:        planSvc,
		Executor:       execSvc,
		Hosts:          hostSrv,
		MetricsEnabled: cfg.MetricsEnabled,
		CookieSecure:   cfg.CookieSecure,
		Version:        version,
		Commit:         commit,
		Log:            log.Logger,
	})

	blobs, err := registry.OpenBlobStore(cfg.RegistryBlobsDir)
	if err != nil {
		log.Error("registry blob store failed", "error", err)
		os.Exit(1)
	}
	regSrv, err := registry.New(registry.Dependencies{
		Manifests:  st,
		Blobs:      blobs,
		Hosts:      hostSrv,
		Messages:   st,
		EventBus:   bus,
		Auth:       authSvc,
		AgentSetup: setupScriptTemplate,
		Log:        log.Logger,
	}, cfg.RegistryUploadsDir)
	if err != nil {
		log.Error("registry server setup failed", "error", err)
		os.Exit(1)
	}
	regSrv.RegisterRoutes(srv.Mux())

	pruner := registry.NewPruner(st, blobs, cfg.RegistryPruneEvery, log.Logger)
	pruner.Start()
	defer pruner.Stop()

	if cfg.TLSAuto && cfg.TLSCert == "" {
		certPath, keyPath, err := web.EnsureSelfSignedCert(filepath.Dir(cfg.DBPath))
		if err != nil {
			log.Warn("self-signed cert generation failed, falling back to plain HTTP", "error", err)
		} else {
			srv.SetTLS(certPath, keyPath)
		}
	} else if cfg.TLSCert != "" {
		srv.SetTLS(cfg.TLSCert, cfg.TLSKey)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.WebPort
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("web server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
