package authkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetentionReport counts rows removed by one sweep.
type RetentionReport struct {
	RefreshCredentials int64
	BlacklistEntries   int64
	RecoverySessions   int64
	SsoSessions        int64
}

// Total sums every purged row.
func (report RetentionReport) Total() int64 {
	return report.RefreshCredentials + report.BlacklistEntries + report.RecoverySessions + report.SsoSessions
}

// RetentionSweeper physically removes rows that can no longer affect any decision: expired refresh
// credentials, ended blacklist entries, and expired recovery or SSO sessions.
type RetentionSweeper struct {
	refresh   RefreshCredentialStore
	blacklist BlacklistStore
	recovery  RecoverySessionStore
	sso       SsoSessionStore
	interval  time.Duration
	clock     Clock
	logger    *zap.Logger
	metrics   MetricsRecorder
}

// NewRetentionSweeper builds a sweeper over the given stores.
func NewRetentionSweeper(refresh RefreshCredentialStore, blacklist BlacklistStore, recovery RecoverySessionStore, sso SsoSessionStore, interval time.Duration, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionSweeper{
		refresh:   refresh,
		blacklist: blacklist,
		recovery:  recovery,
		sso:       sso,
		interval:  interval,
		clock:     clockOrSystem(clock),
		logger:    logger,
		metrics:   metricsOrNop(metrics),
	}
}

// SweepOnce purges every store and reports what was removed. Store failures are joined, not short-circuited.
func (sweeper *RetentionSweeper) SweepOnce(ctx context.Context) (RetentionReport, error) {
	now := sweeper.clock.Now()
	var report RetentionReport
	var failures []error

	purged, err := sweeper.refresh.PurgeExpired(ctx, now)
	report.RefreshCredentials = purged
	failures = append(failures, err)

	purged, err = sweeper.blacklist.Purge(ctx, now)
	report.BlacklistEntries = purged
	failures = append(failures, err)

	purged, err = sweeper.recovery.PurgeExpired(ctx, now)
	report.RecoverySessions = purged
	failures = append(failures, err)

	purged, err = sweeper.sso.PurgeExpired(ctx, now)
	report.SsoSessions = purged
	failures = append(failures, err)

	sweeper.metrics.Add(metricRetentionPurged, report.Total())
	return report, errors.Join(failures...)
}

// Run sweeps on every tick until the context ends.
func (sweeper *RetentionSweeper) Run(ctx context.Context) {
	if sweeper.interval <= 0 {
		return
	}
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := sweeper.SweepOnce(ctx)
			if err != nil {
				sweeper.logger.Error("retention sweep failed",
					zap.String("code", "retention.sweep_failed"),
					zap.Error(err))
			}
			if report.Total() > 0 {
				sweeper.logger.Info("retention sweep",
					zap.String("code", "retention.swept"),
					zap.Int64("refresh_credentials", report.RefreshCredentials),
					zap.Int64("blacklist_entries", report.BlacklistEntries),
					zap.Int64("recovery_sessions", report.RecoverySessions),
					zap.Int64("sso_sessions", report.SsoSessions))
			}
		}
	}
}
