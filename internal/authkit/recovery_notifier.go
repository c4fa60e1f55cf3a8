package authkit

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RecoveryNotifier delivers a started recovery session to its owner out of band.
type RecoveryNotifier interface {
	NotifyRecovery(ctx context.Context, user User, session RecoverySession) error
}

// LoggingRecoveryNotifier records recovery sessions in the log instead of sending them.
type LoggingRecoveryNotifier struct {
	logger *zap.Logger
}

// NewLoggingRecoveryNotifier constructs a notifier backed by the logger.
func NewLoggingRecoveryNotifier(logger *zap.Logger) *LoggingRecoveryNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingRecoveryNotifier{logger: logger}
}

// NotifyRecovery logs a digest of the session identifier at info level.
// The raw identifier is a bearer credential and only reaches debug output.
func (notifier *LoggingRecoveryNotifier) NotifyRecovery(ctx context.Context, user User, session RecoverySession) error {
	notifier.logger.Info("recovery session started",
		zap.String("code", "recovery.notify"),
		zap.String("user_id", user.ID),
		zap.String("recovery_session_hash", hashOpaque(session.ID)),
		zap.Time("expires_at", session.ExpiryDate))
	notifier.logger.Debug("recovery session delivery",
		zap.String("code", "recovery.notify_debug"),
		zap.String("user_id", user.ID),
		zap.String("recovery_session_id", session.ID))
	return nil
}

const recoveryThrottlePruneThreshold = 1024

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// recoveryThrottle spaces recovery requests per normalized email.
type recoveryThrottle struct {
	mutex    sync.Mutex
	interval time.Duration
	entries  map[string]*throttleEntry
	clock    Clock
}

func newRecoveryThrottle(interval time.Duration, clock Clock) *recoveryThrottle {
	return &recoveryThrottle{
		interval: interval,
		entries:  make(map[string]*throttleEntry),
		clock:    clockOrSystem(clock),
	}
}

func (throttle *recoveryThrottle) Allow(email string) bool {
	if throttle.interval <= 0 {
		return true
	}
	key := strings.ToLower(strings.TrimSpace(email))
	now := throttle.clock.Now()
	throttle.mutex.Lock()
	defer throttle.mutex.Unlock()
	if len(throttle.entries) >= recoveryThrottlePruneThreshold {
		for candidate, entry := range throttle.entries {
			if now.Sub(entry.lastSeen) > throttle.interval {
				delete(throttle.entries, candidate)
			}
		}
	}
	entry, ok := throttle.entries[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(rate.Every(throttle.interval), 1)}
		throttle.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
