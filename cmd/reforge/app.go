package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sternelee/reforge-sub005/pkg/agent/middleware/metrics"
	"github.com/sternelee/reforge-sub005/pkg/agent/provider"
	"github.com/sternelee/reforge-sub005/pkg/config"
	"github.com/sternelee/reforge-sub005/pkg/logx"
	"github.com/sternelee/reforge-sub005/pkg/mcp"
	"github.com/sternelee/reforge-sub005/pkg/orchestrator"
	"github.com/sternelee/reforge-sub005/pkg/persistence"
	"github.com/sternelee/reforge-sub005/pkg/policy"
	"github.com/sternelee/reforge-sub005/pkg/snapshot"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

// app holds the process-wide collaborators. It is built once per command and
// closed before exit.
//
//nolint:govet // fieldalignment: readability over layout
type app struct {
	settings      *config.Settings
	db            *sql.DB
	workflows     *config.Store
	conversations *persistence.ConversationStore
	credentials   *persistence.CredentialStore
	registry      *tools.Registry
	gateway       *mcp.Gateway
	gate          *policy.Gate
	prom          *prometheus.Registry
	recorder      metrics.Recorder
	factory       *provider.Factory
	logger        *logx.Logger
}

// openDB opens the settings database, creating its directory.
func openDB(ctx context.Context, s *config.Settings) (*sql.DB, error) {
	if s.DBPath != persistence.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := persistence.Open(ctx, s.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.DBPath, err)
	}
	return db, nil
}

// newApp loads the workflow and wires storage, tools, policy and providers.
// MCP servers are discovered and their tools registered up front.
func newApp(ctx context.Context, s *config.Settings) (*app, error) {
	db, err := openDB(ctx, s)
	if err != nil {
		return nil, err
	}
	a := &app{
		settings:      s,
		db:            db,
		conversations: persistence.NewConversationStore(db),
		credentials:   persistence.NewCredentialStore(db),
		registry:      tools.NewRegistry(),
		prom:          prometheus.NewRegistry(),
		logger:        logx.NewLogger("reforge"),
	}

	a.workflows, err = config.NewStore(s.WorkflowPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	w := a.workflows.Current()

	cp, err := w.CompilePolicy()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.gate = policy.NewGate(cp)
	a.workflows.OnReload(func(w *config.Workflow) {
		cp, err := w.CompilePolicy()
		if err != nil {
			a.logger.Warn("keeping previous policy: %v", err)
			return
		}
		a.gate.SetPolicy(cp)
	})

	if err := tools.RegisterBuiltins(a.registry); err != nil {
		_ = db.Close()
		return nil, logx.Wrap(err, "register builtin tools")
	}
	if len(w.MCPServers) > 0 {
		a.gateway = mcp.NewGateway(mcp.StdioConnector{WorkDir: s.WorkDir}, w.MCPServers, map[string]string{"WORKDIR": s.WorkDir})
		n := a.gateway.Register(ctx, a.registry)
		a.logger.Info("registered %d mcp tools from %d servers", n, len(w.MCPServers))
	}

	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewPrometheusRecorder(a.prom)
	a.factory = provider.NewFactory(ctx, a.recorder, provider.WithCredentials(a.credentials))
	return a, nil
}

// orchestrator builds the turn runner over the app's collaborators.
func (a *app) orchestrator(progress func(tools.Progress)) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(orchestrator.Services{
		Config:        a.workflows,
		Clients:       a.factory,
		Registry:      a.registry,
		Conversations: a.conversations,
		AgentID:       a.settings.AgentID,
		Env: tools.Env{
			WorkDir:           a.settings.WorkDir,
			Snapshots:         snapshot.NewRepository(a.db),
			ShellOutputLimit:  a.workflows.Current().Tools.ShellOutputLimit,
			FetchContentLimit: a.workflows.Current().Tools.FetchContentLimit,
		},
		Gate:     a.gate,
		Recorder: a.recorder,
		Logger:   a.logger,
		Progress: progress,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return o, nil
}

// health reports 200 while the database answers pings.
func (a *app) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if err := a.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// serveMetrics exposes /metrics and /health on addr until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{Registry: a.prom}))
	mux.HandleFunc("/health", a.health)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server: %v", err)
		}
	}()
	a.logger.Info("serving metrics on %s/metrics", addr)
}

// watch reloads the workflow on change until ctx is done.
func (a *app) watch(ctx context.Context) {
	go func() {
		if err := a.workflows.Watch(ctx); err != nil {
			a.logger.Warn("workflow watch stopped: %v", err)
		}
	}()
}

func (a *app) Close() error {
	var errs []error
	if a.gateway != nil {
		errs = append(errs, a.gateway.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
