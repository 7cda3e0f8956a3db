// cmd/app.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/internal/bus"
	"github.com/openfleetlabs/fleetmind/internal/config"
	"github.com/openfleetlabs/fleetmind/internal/decision"
	"github.com/openfleetlabs/fleetmind/internal/fleet"
	"github.com/openfleetlabs/fleetmind/internal/handlers"
	"github.com/openfleetlabs/fleetmind/internal/notify"
	"github.com/openfleetlabs/fleetmind/internal/orchestrator"
	"github.com/openfleetlabs/fleetmind/internal/registry"
	"github.com/openfleetlabs/fleetmind/internal/store"
	"github.com/openfleetlabs/fleetmind/internal/ueba"
)

// appRuntime bundles the assembled components for one process lifetime.
type appRuntime struct {
	Bus          *bus.ActionBus
	Registry     *registry.Registry
	Repo         *fleet.Repository
	Notifier     *notify.Sink
	Orchestrator *orchestrator.Orchestrator
	Monitor      *ueba.Monitor
	Archiver     *store.Archiver

	pool   *pgxpool.Pool
	logger *zap.Logger
}

// buildRuntime wires the full pipeline: fleet data, handlers, orchestrator,
// behavior monitor, and optional audit persistence.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*appRuntime, error) {
	b := bus.New(logger, cfg.Engine.BusBufferSize)
	reg := registry.New(logger)

	repo, err := fleet.NewRepository(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load fleet data: %w", err)
	}

	decide, err := decision.New(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build decision backend: %w", err)
	}
	notifier := notify.NewSink(cfg.Notify, logger)

	if err := handlers.RegisterAll(reg, handlers.Deps{
		Logger:   logger,
		Repo:     repo,
		Decide:   decide,
		Notifier: notifier,
	}); err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(cfg, logger, reg, b)
	if err != nil {
		return nil, err
	}

	monitor, err := ueba.NewMonitor(cfg.UEBA, logger, b, reg, orch, notifier)
	if err != nil {
		return nil, err
	}
	// Granted tools are known-good behavior; seed them so the learned
	// baseline starts from the capability grant rather than from zero.
	for _, h := range handlerIDs() {
		if tools := reg.GrantedTools(h); len(tools) > 0 {
			monitor.Baselines().Seed(h, tools, nil)
		}
	}

	rt := &appRuntime{
		Bus:          b,
		Registry:     reg,
		Repo:         repo,
		Notifier:     notifier,
		Orchestrator: orch,
		Monitor:      monitor,
		logger:       logger,
	}

	if cfg.Database.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		rt.pool = pool
		rt.Archiver = store.NewArchiver(st, b, logger)
		rt.Archiver.Start(ctx)
	}

	monitor.Start(ctx)
	orch.Start(ctx)
	return rt, nil
}

// Shutdown settles running tasks, drains the bus, and waits for the
// consumers to exit.
func (rt *appRuntime) Shutdown() {
	rt.Orchestrator.Stop()
	rt.Bus.Shutdown()
	rt.Monitor.Wait()
	if rt.Archiver != nil {
		rt.Archiver.Wait()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

// handlerIDs lists the built-in roster for baseline seeding.
func handlerIDs() []string {
	return []string{
		"data_analysis_agent", "diagnosis_agent", "customer_outreach_agent",
		"engagement_agent", "scheduling_agent", "logistics_agent",
		"technician_agent", "emergency_agent", "feedback_agent",
		"forecasting_agent", "insights_agent", "retraining_agent",
	}
}
