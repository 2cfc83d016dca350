package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/escalation"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/logging"
	"github.com/kingrea/tally/internal/orchestrator"
	"github.com/kingrea/tally/internal/redflag"
	"github.com/kingrea/tally/internal/scheduler"
	"github.com/kingrea/tally/internal/telemetry"
	"github.com/kingrea/tally/plugins"
)

// stack is every long-lived component behind one orchestrator.
type stack struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	telemetry *telemetry.Aggregator
	sched     *scheduler.Scheduler
	orch      *orchestrator.Orchestrator
}

// buildStack wires config, telemetry, red-flag profiles, the scheduler and
// the orchestrator for the project. exec serves every tier; stream may be nil.
func buildStack(cfg *config.Config, exec executor.Executor, logger *logging.Logger, stream *telemetry.Stream) (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)
	telemetryOpts := []telemetry.Option{telemetry.WithMetrics(metrics)}
	if stream != nil {
		telemetryOpts = append(telemetryOpts, telemetry.WithStream(stream))
	}
	agg, err := telemetry.FromConfig(cfg, logger.With("telemetry"), telemetryOpts...)
	if err != nil {
		return nil, err
	}

	base := redflag.DefaultProfileFromConfig(cfg)
	filters := redflag.NewRegistry(base)
	n, err := plugins.RegisterProfiles(filters, cfg, base)
	if err != nil {
		_ = agg.Close()
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	logger.Printf("registered %d red-flag profile(s) from %s", n, cfg.ProfilesDir())

	ladder, err := executor.LadderFromConfig(cfg, func(string) executor.Executor { return exec })
	if err != nil {
		_ = agg.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.SettingsFromConfig(cfg), scheduler.WithLogger(logger.With("scheduler")))
	opts := append(orchestrator.ConfigOptions(cfg),
		orchestrator.WithLogger(logger.With("orchestrator")),
		orchestrator.WithStore(orchestrator.NewFileStore(cfg.ResultsDir())),
	)
	orch, err := orchestrator.New(ladder, filters, sched, agg, escalation.PolicyFromConfig(cfg, agg), opts...)
	if err != nil {
		_ = agg.Close()
		return nil, err
	}
	return &stack{
		cfg:       cfg,
		registry:  reg,
		metrics:   metrics,
		telemetry: agg,
		sched:     sched,
		orch:      orch,
	}, nil
}

// refreshInFlight copies scheduler occupancy into the in-flight gauges.
func (s *stack) refreshInFlight() {
	for _, stat := range s.sched.Stats() {
		s.metrics.SetInFlight(stat.Tier, stat.InFlight)
	}
}

// close drains running tasks, then flushes telemetry.
func (s *stack) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(s.orch.Shutdown(ctx), s.telemetry.Close())
}
