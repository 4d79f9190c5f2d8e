// ABOUTME: CLI entrypoint for the Mandrake session coordinator, wiring workspace bootstrap, the Service Registry, and the HTTP surface.
// ABOUTME: Grounded on teacher cmd/mammoth/main.go's flag parsing, signal handling, and graceful http.Server shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/coordinator"
	"github.com/strangelove-ventures/mandrake/internal/httpapi"
	"github.com/strangelove-ventures/mandrake/internal/registry"
	"github.com/strangelove-ventures/mandrake/internal/workspace"
)

var version = "dev"

// config holds all CLI configuration parsed from flags.
type config struct {
	port        int
	dataDir     string
	toolConfigSet string
	showVersion bool
}

func main() {
	loadDotEnvAuto()

	cfg := parseFlags()
	if cfg.showVersion {
		fmt.Printf("mandrake %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("mandrake", flag.ContinueOnError)
	fs.IntVar(&cfg.port, "port", 7771, "HTTP server port")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Root directory holding workspaces (default: $XDG_DATA_HOME/mandrake)")
	fs.StringVar(&cfg.toolConfigSet, "tool-config-set", "default", "Named tool-server configuration set to activate per workspace")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "mandrake %s — extensible AI-assistant session coordinator\n\n", version)
		fmt.Fprintln(os.Stderr, "Usage: mandrake [flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	return cfg
}

func run(cfg config) int {
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		return 1
	}

	reg := registry.New(registry.Config{
		NewCoordinator: newCoordinatorFor(cfg.toolConfigSet),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Initialize(ctx)
	defer reg.Dispose()

	resolvePath := func(workspaceID string) (string, error) {
		path := filepath.Join(dataDir, workspaceID)
		layout := workspace.New(path)
		if err := layout.Bootstrap(workspace.Manifest{ID: workspaceID, Name: workspaceID}); err != nil {
			return "", err
		}
		return path, nil
	}

	server := httpapi.NewServer(reg, resolvePath)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("component=main action=shutdown_signal")
		cancel()
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("component=main action=listening addr=%s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// newCoordinatorFor returns a registry.Config.NewCoordinator callback that
// starts the workspace's configured tool servers and resolves its active
// model before building a Coordinator, per spec.md §4.9's dependency on a
// caller-supplied construction policy.
func newCoordinatorFor(toolConfigSet string) func(ws *registry.WorkspaceResources, sessionID string) *coordinator.Coordinator {
	return func(ws *registry.WorkspaceResources, sessionID string) *coordinator.Coordinator {
		layout := workspace.New(ws.Path)

		if tools, err := layout.LoadToolsConfig(); err == nil {
			for id, cfg := range tools.ServersFor(toolConfigSet) {
				if _, err := ws.Manager.StartServer(context.Background(), cfg); err != nil {
					log.Printf("component=main action=start_server_err workspace=%s server=%s err=%v", ws.ID, id, err)
				}
			}
		}

		providerName, model := "local", "mandrake-local-fixture"
		if models, err := layout.LoadModelsConfig(); err == nil && models.Active != "" {
			if mc, ok := models.Models[models.Active]; ok {
				providerName, model = mc.ProviderID, mc.ModelID
			}
		}

		promptCfg := registry.DefaultPromptConfig(ws)
		if pc, err := layout.LoadPromptConfig(); err == nil && pc.Instructions != "" {
			promptCfg.Instructions = pc.Instructions
			promptCfg.IncludeWorkspaceMetadata = pc.IncludeWorkspaceMetadata
			promptCfg.IncludeSystemInfo = pc.IncludeSystemInfo
			promptCfg.IncludeDateTime = pc.IncludeDateTime
		}

		return coordinator.New(coordinator.Config{
			Store:        ws.Storage,
			Manager:      ws.Manager,
			Provider:     ws.Provider,
			ProviderName: providerName,
			Model:        model,
			PromptConfig: promptCfg,
			Approve:      autoApproveNone,
		})
	}
}

// autoApproveNone denies any tool call not already covered by a server's
// AutoApprove set; a real deployment would wire this to a human-in-the-loop
// prompt or a policy engine instead.
func autoApproveNone(ctx context.Context, serverID, tool string, args map[string]any) error {
	return fmt.Errorf("tool %s on server %s requires interactive approval, which this CLI does not provide", tool, serverID)
}
