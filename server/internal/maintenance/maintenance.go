// Package maintenance runs the Management Server's periodic upkeep jobs on
// a gocron scheduler: retention sweep, the OperationRouter stream GC
// backstop, and the agent-offline notification sweep. Grounded on the
// teacher's scheduler.Scheduler (same gocron wiring, singleton-mode jobs
// identified by a tag) but retargeted from policy-triggered backup
// dispatch to fixed-interval server upkeep -- there is nothing here that
// corresponds to a user-defined schedule, so every job runs on a constant
// interval set at construction time.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/agentmanager"
	"github.com/circlesabound/fctrl/server/internal/notification"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// DefaultRetentionDays is used by the retention sweep when no
// "metrics.retention_days" setting has been configured by an operator.
const DefaultRetentionDays = 30

const (
	metricRetentionDaysKey = "metrics.retention_days"

	// offlineGracePeriod is how long an agent must stay in the Dead status
	// before the offline sweep sends a notification. This absorbs routine
	// reconnect blips (the Supervisor itself retries every 3s) so operators
	// are only paged for agents that are genuinely down.
	offlineGracePeriod = 2 * time.Minute

	// operationGCGrace is added on top of the router's own unconnected-stream
	// timeout before the GC sweep considers an OperationRecord abandoned.
	// The router's in-memory timers are the primary mechanism; this sweep
	// only catches rows left non-terminal by a server restart that dropped
	// those timers mid-flight.
	operationGCGrace = 30 * time.Second
)

// Maintenance wraps gocron and owns the Management Server's background
// upkeep jobs.
type Maintenance struct {
	cron gocron.Scheduler

	metrics    repositories.MetricRepository
	settings   repositories.SettingsRepository
	agents     repositories.AgentRepository
	operations repositories.OperationRepository
	registry   *agentmanager.Registry
	notifier   notification.Service

	logger *zap.Logger

	// offlineSince tracks, per agent address, the first observed instant an
	// agent's live status read as Dead. Set to the zero time once a
	// notification fires for the episode, and deleted once the agent
	// recovers.
	offlineSince map[string]time.Time
}

// New creates and configures a new Maintenance scheduler. Call Start to
// begin running jobs.
func New(
	metrics repositories.MetricRepository,
	settings repositories.SettingsRepository,
	agents repositories.AgentRepository,
	operations repositories.OperationRepository,
	registry *agentmanager.Registry,
	notifier notification.Service,
	logger *zap.Logger,
) (*Maintenance, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Maintenance{
		cron:         s,
		metrics:      metrics,
		settings:     settings,
		agents:       agents,
		operations:   operations,
		registry:     registry,
		notifier:     notifier,
		logger:       logger.Named("maintenance"),
		offlineSince: make(map[string]time.Time),
	}, nil
}

// Start registers every upkeep job and starts the underlying gocron
// scheduler. Should be called once at server startup.
func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() { m.runRetentionSweep(ctx) }),
		gocron.WithTags("metric-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule metric retention sweep: %w", err)
	}

	if _, err := m.cron.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { m.runOfflineSweep(ctx) }),
		gocron.WithTags("agent-offline-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule agent-offline sweep: %w", err)
	}

	if _, err := m.cron.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() { m.runOperationGCSweep(ctx) }),
		gocron.WithTags("operation-gc-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule operation GC sweep: %w", err)
	}

	m.logger.Info("maintenance scheduler started")
	m.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (m *Maintenance) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance shutdown error: %w", err)
	}
	m.logger.Info("maintenance scheduler stopped")
	return nil
}

// runRetentionSweep deletes MetricPoint rows older than the configured
// retention window. Falls back to DefaultRetentionDays when the operator
// has not set "metrics.retention_days".
func (m *Maintenance) runRetentionSweep(ctx context.Context) {
	days := DefaultRetentionDays
	if setting, err := m.settings.Get(ctx, metricRetentionDaysKey); err == nil {
		var parsed int
		if _, scanErr := fmt.Sscanf(string(setting.Value), "%d", &parsed); scanErr == nil && parsed > 0 {
			days = parsed
		}
	}

	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	if err := m.metrics.DeleteOlderThan(ctx, cutoff); err != nil {
		m.logger.Error("metric retention sweep failed", zap.Error(err))
		return
	}
	m.logger.Info("metric retention sweep complete", zap.Int("retention_days", days))
}

// runOfflineSweep scans every known agent's live Supervisor status and
// notifies admins the first time an agent has been Dead for longer than
// offlineGracePeriod. An agent only triggers one notification per
// offline episode -- offlineSince is cleared once it recovers.
func (m *Maintenance) runOfflineSweep(ctx context.Context) {
	records, _, err := m.agents.List(ctx, repositories.ListOptions{Limit: 10_000})
	if err != nil {
		m.logger.Error("failed to list agents for offline sweep", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(records))

	for i := range records {
		rec := &records[i]
		seen[rec.Address] = struct{}{}

		status, ok := m.registry.Status(rec.Address)
		if !ok || status != agentlink.StatusDead {
			delete(m.offlineSince, rec.Address)
			continue
		}

		since, tracked := m.offlineSince[rec.Address]
		if !tracked {
			m.offlineSince[rec.Address] = now
			continue
		}

		if since.IsZero() {
			// Already notified for this offline episode.
			continue
		}
		if now.Sub(since) < offlineGracePeriod {
			continue
		}

		if err := m.notifier.NotifyAgentOffline(ctx, rec.ID, rec.Name); err != nil {
			m.logger.Warn("failed to send agent-offline notification",
				zap.String("agent_id", rec.ID.String()),
				zap.Error(err),
			)
		}
		// Consume the episode so a single sustained outage pages once, not
		// every 30s until the agent recovers.
		m.offlineSince[rec.Address] = time.Time{}
	}

	// Drop tracking for any address no longer in the registry (deleted agents).
	for addr := range m.offlineSince {
		if _, ok := seen[addr]; !ok {
			delete(m.offlineSince, addr)
		}
	}
}

// runOperationGCSweep marks OperationRecord rows Failed when they have sat
// non-terminal for longer than the router's own unconnected-stream timeout
// plus a grace margin. The OperationRouter already garbage-collects its
// in-memory pending ops via per-operation timers; this sweep only exists to
// catch rows a server restart left stranded with no timer to fire.
func (m *Maintenance) runOperationGCSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-(operationrouter.DefaultUnconnectedTimeout + operationGCGrace))

	records, _, err := m.operations.List(ctx, repositories.ListOptions{Limit: 10_000})
	if err != nil {
		m.logger.Error("failed to list operations for GC sweep", zap.Error(err))
		return
	}

	for i := range records {
		rec := &records[i]
		if rec.EndedAt != nil {
			continue
		}
		if rec.StartedAt.After(cutoff) {
			continue
		}

		endedAt := time.Now().UTC()
		if err := m.operations.UpdateStatus(ctx, rec.ID, "Failed", &endedAt, "operation abandoned: no terminal response before server restart"); err != nil {
			m.logger.Warn("failed to mark abandoned operation as Failed",
				zap.String("operation_id", rec.ID.String()),
				zap.Error(err),
			)
			continue
		}
		m.logger.Info("garbage collected abandoned operation",
			zap.String("operation_id", rec.ID.String()),
			zap.String("kind", rec.Kind),
		)
	}
}
