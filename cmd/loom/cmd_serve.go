package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/config"
	"loom/pkg/eventbus"
	"loom/pkg/gateway"
	"loom/pkg/guardian"
	"loom/pkg/httpapi"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/store"
)

const drainTimeout = 30 * time.Second

// newServeCmd creates the "loom serve" subcommand: the foreground daemon.
func newServeCmd() *cobra.Command {
	var stub bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline daemon in the foreground",
		Long:  "Builds the pipeline from config, binds the HTTP API and runs until\nSIGTERM/SIGINT. On shutdown, in-flight jobs drain before exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stub)
		},
	}
	cmd.Flags().BoolVar(&stub, "stub-providers", false, "replace provider adapters with offline stubs")
	return cmd
}

func runServe(parent context.Context, stub bool) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(paths.LoomHome, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	if status, pid, err := DaemonStatus(paths.PIDPath); err != nil {
		return err
	} else if status == StatusRunning {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}

	ctx, cleanup := SetupSignalHandler(parent, paths.PIDPath)
	defer cleanup()

	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return err
	}

	st, err := store.Open(paths.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(eventbus.Config{}, st)
	defer bus.Close()

	guard := guardian.New(cfg.GuardianConfig(), st, bus)
	callers, err := buildCallers(cfg, stub)
	if err != nil {
		return err
	}
	gw := gateway.New(cfg.GatewayConfig(), callers, guard, bus)

	graph, err := loadGraph(paths.StagesPath)
	if err != nil {
		return err
	}
	orch := pipeline.New(cfg.PipelineConfig(), graph, gw, st, bus, cfg.AccessController())

	api := &httpapi.Server{
		Orch:            orch,
		Jobs:            st,
		Providers:       gw,
		Budget:          guard,
		Events:          bus,
		SubmitPerMinute: cfg.SubmitPerMinute,
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		guard.Run(ctx) // periodic usage-sample pruning
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Hot reload: budget limits and rate tables swap in place; anything
		// structural (stages, providers) needs a restart.
		_ = config.Watch(ctx, paths.ConfigPath, func(next *config.Config) {
			guard.SetLimits(next.GuardianConfig())
			gw.SetRateLimits(next.GatewayConfig().RequestsPerMinute)
			bus.Publish(protocol.Event{Type: protocol.EventConfigReloaded})
			log.Printf("[loom] config reloaded from %s", paths.ConfigPath)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[loom] listening on %s (state: %s)", cfg.HTTPAddr, paths.LoomHome)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[loom] shutting down: draining in-flight jobs")
	_ = orch.Apply(protocol.DirectiveDrain)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := orch.AwaitIdle(drainCtx); err != nil {
		log.Printf("[loom] drain timed out, exiting with jobs in flight")
	}
	cancelDrain()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	_ = server.Shutdown(shutCtx)
	cancelShut()

	wg.Wait()
	log.Printf("[loom] stopped")
	return nil
}

// buildCallers constructs one provider adapter per configured provider.
func buildCallers(cfg *config.Config, stub bool) (map[string]gateway.Caller, error) {
	callers := make(map[string]gateway.Caller, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if stub {
			callers[name] = &gateway.StubCaller{Name: name}
			continue
		}
		apiKey := ""
		if p.APIKeyEnv != "" {
			apiKey = os.Getenv(p.APIKeyEnv)
		}
		switch p.Type {
		case "anthropic":
			base := p.BaseURL
			if base == "" {
				base = "https://api.anthropic.com"
			}
			callers[name] = &gateway.AnthropicCaller{Name: name, BaseURL: base, APIKey: apiKey}
		case "openai":
			base := p.BaseURL
			if base == "" {
				base = "https://api.openai.com"
			}
			callers[name] = &gateway.OpenAICaller{Name: name, BaseURL: base, APIKey: apiKey}
		case "stub":
			callers[name] = &gateway.StubCaller{Name: name}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, p.Type)
		}
	}
	return callers, nil
}

// loadGraph reads the stages file when present, otherwise the built-in
// pipeline.
func loadGraph(path string) (*pipeline.Graph, error) {
	if _, err := os.Stat(path); err != nil {
		return pipeline.NewGraph(pipeline.DefaultStages())
	}
	return pipeline.LoadGraph(path)
}
