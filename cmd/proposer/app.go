package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/proposer/internal/logx"
	"github.com/danshapiro/proposer/internal/metrics"
	"github.com/danshapiro/proposer/internal/pipeline/artifact"
	"github.com/danshapiro/proposer/internal/pipeline/engine"
	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/schema"
	"github.com/danshapiro/proposer/internal/pipeline/stages"
	"github.com/danshapiro/proposer/internal/pipeline/store"
)

func loadConfig(path string) (*engine.RunConfigFile, error) {
	if path == "" {
		return engine.DefaultRunConfig(), nil
	}
	return engine.LoadRunConfigFile(path)
}

func loadValidator(cfg *engine.RunConfigFile) (*schema.Schema, error) {
	if cfg.Schema.Path != "" {
		return schema.Load(cfg.Schema.Path)
	}
	return schema.Default()
}

// app is the wired pipeline for one CLI invocation.
type app struct {
	cfg       *engine.RunConfigFile
	logger    hclog.Logger
	store     store.Store
	engine    *engine.Engine
	engineCfg engine.Config
	metrics   *metrics.Pipeline
	server    *http.Server
}

func newApp(configPath, metricsAddr string, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, usageErr("load config: %v", err)
	}
	logger, err := logx.New(logx.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, Output: stderr})
	if err != nil {
		return nil, usageErr("%v", err)
	}
	g, err := graph.Compile(cfg.GraphSpec())
	if err != nil {
		return nil, err
	}
	validator, err := loadValidator(cfg)
	if err != nil {
		return nil, err
	}
	persister, err := artifact.NewFSPersister(cfg.Artifacts.Dir, cfg.Artifacts.Exclude)
	if err != nil {
		return nil, err
	}
	reg := engine.NewRegistry()
	if err := stages.Register(reg, stages.Deps{Persister: persister}); err != nil {
		return nil, err
	}
	kind, err := store.ParseKind(cfg.Checkpoint.Backend)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(kind, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, metrics: metrics.New()}
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		if err := a.serveMetrics(metricsAddr); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	a.engineCfg = engine.Config{
		Graph:     g,
		Registry:  reg,
		Validator: validator,
		Store:     st,
		Limits:    cfg.Limits,
		Settings:  cfg.StageSettings(),
		LogsRoot:  cfg.LogsRoot,
		Logger:    logger,
		Metrics:   a.metrics,
	}
	a.engine, err = a.newEngine(nil)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// newEngine returns an engine sharing the app's store and metrics whose
// progress events also go to sink.
func (a *app) newEngine(sink func(map[string]any)) (*engine.Engine, error) {
	cfg := a.engineCfg
	cfg.ProgressSink = sink
	return engine.New(cfg)
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("checkpoint store close", "error", err)
	}
}
