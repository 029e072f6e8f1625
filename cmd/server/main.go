// Package main is the entry point for the vmsnap-mcp server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/vmsnap-mcp/internal/auth"
	"github.com/jamesprial/vmsnap-mcp/internal/config"
	"github.com/jamesprial/vmsnap-mcp/internal/monitor"
	"github.com/jamesprial/vmsnap-mcp/internal/safety"
	"github.com/jamesprial/vmsnap-mcp/internal/snapshot"
	"github.com/jamesprial/vmsnap-mcp/internal/storage"
	"github.com/jamesprial/vmsnap-mcp/internal/tools"
	"github.com/jamesprial/vmsnap-mcp/internal/vm"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

const defaultConfigPath = "/etc/vmsnap/config.yaml"

func main() {
	cfg := loadConfig()
	config.ApplyEnvOverrides(cfg)

	logger := newLogger()

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.Printf("warning: could not generate auth token: %v — running without authentication", err)
	} else if tokenBefore == "" {
		log.Printf("generated auth token (set VMSNAP_MCP_AUTH_TOKEN to persist): %s", token)
	}

	// Open audit log writer if enabled.
	var auditLogger *safety.AuditLogger
	if cfg.Audit.Enabled {
		f, err := os.OpenFile(cfg.Audit.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			log.Printf("warning: could not open audit log %q: %v — audit logging disabled", cfg.Audit.LogPath, err)
		} else {
			auditLogger = safety.NewAuditLogger(f)
			defer f.Close()
		}
	}

	// Build safety components.
	vmFilter := safety.NewFilter(
		cfg.Safety.VMs.Allowlist,
		cfg.Safety.VMs.Denylist,
	)
	confirm := safety.NewConfirmationTracker(snapshot.DestructiveTools)

	// Config store: one YAML document per VM id.
	store, err := vmconf.NewFileStore(cfg.Paths.ConfDir)
	if err != nil {
		log.Fatalf("failed to open VM config store at %q: %v", cfg.Paths.ConfDir, err)
	}

	// Storage backend over the configured directory pools.
	pools := make(map[string]storage.Pool, len(cfg.Pools))
	for name, pool := range cfg.Pools {
		pools[name] = storage.Pool{Shared: pool.Shared}
	}
	backend, err := storage.NewDirBackend(cfg.Paths.StorageDir, pools)
	if err != nil {
		log.Fatalf("failed to open storage backend at %q: %v", cfg.Paths.StorageDir, err)
	}

	// Monitor channel to the per-VM QMP / guest agent sockets.
	channel, err := monitor.NewQMPChannel(cfg.Paths.QMPSocketDir)
	if err != nil {
		log.Fatalf("failed to open monitor channel at %q: %v", cfg.Paths.QMPSocketDir, err)
	}

	// VM runtime: attempt real libvirt connection; fall back gracefully if
	// the libvirt build tag is absent or the socket is unavailable.
	var runtime vm.Runtime
	if rawRuntime, vmErr := vm.NewLibvirtRuntime(cfg.Paths.LibvirtSocket); vmErr != nil {
		log.Printf("warning: VM runtime unavailable (%v) — snapshot tools will not be registered", vmErr)
	} else {
		runtime = rawRuntime
	}

	// Build MCP server.
	mcpServer := server.NewMCPServer(
		"vmsnap-mcp",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	// Register all tools.
	var registrations []tools.Registration
	if runtime != nil {
		ctl := snapshot.NewController(store, backend, channel, runtime, logger)
		registrations = append(registrations, snapshot.Tools(ctl, store, vmFilter, confirm, auditLogger)...)
	}

	tools.RegisterAll(mcpServer, registrations)

	// Build Streamable HTTP server and wrap with auth middleware.
	httpHandler := server.NewStreamableHTTPServer(mcpServer)
	authMiddleware := auth.NewAuthMiddleware(cfg.Server.AuthToken)
	wrappedHandler := authMiddleware(httpHandler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           wrappedHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("vmsnap-mcp listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-stop
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
	log.Println("server stopped")
}

// newLogger builds the structured logger the snapshot controller uses,
// backed by the standard library log package.
func newLogger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Printf("%s: %s", prefix, args)
		} else {
			log.Print(args)
		}
	}, funcr.Options{})
}

// loadConfig attempts to read the config file from the path specified by
// VMSNAP_MCP_CONFIG_PATH or the default /etc/vmsnap/config.yaml. If the
// file cannot be read, DefaultConfig is returned.
func loadConfig() *config.Config {
	path := os.Getenv("VMSNAP_MCP_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Printf("could not load config from %q (%v), using defaults", path, err)
		return config.DefaultConfig()
	}

	log.Printf("loaded config from %q", path)
	return cfg
}
