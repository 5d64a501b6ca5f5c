package service

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/TheHypedge/riviso-sub001/internal/repository"
)

// Sweep defaults: hourly pass over every record expiring within 15 minutes.
const (
	defaultSweepInterval  = time.Hour
	defaultSweepLookahead = 15 * time.Minute
)

// tokenRefresher is the slice of LinkService the scheduler needs.
type tokenRefresher interface {
	RefreshIfExpiring(ctx context.Context, accountID uuid.UUID, window time.Duration) error
}

// RefreshScheduler proactively refreshes tokens nearing expiry so request-time
// callers rarely pay the refresh latency.
type RefreshScheduler struct {
	store     repository.CredentialStore
	tokens    tokenRefresher
	interval  time.Duration
	lookahead time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewRefreshScheduler constructs a scheduler with default interval and look-ahead.
func NewRefreshScheduler(store repository.CredentialStore, tokens tokenRefresher, log *zap.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		store:     store,
		tokens:    tokens,
		interval:  defaultSweepInterval,
		lookahead: defaultSweepLookahead,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
// In-flight refreshes are left to finish or time out on their own.
func (s *RefreshScheduler) Run(ctx context.Context) {
	s.sweep(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

// sweep refreshes every account whose token expires inside the look-ahead
// window. One account's failure never aborts the rest of the pass.
func (s *RefreshScheduler) sweep(ctx context.Context) {
	ids, err := s.store.AccountsExpiringBefore(ctx, s.now().Add(s.lookahead))
	if err != nil {
		s.log.Error("refresh sweep: list accounts", zap.Error(err))
		return
	}

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := s.tokens.RefreshIfExpiring(ctx, id, s.lookahead); err != nil {
			s.log.Warn("proactive refresh failed",
				zap.String("account", id.String()),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}

	if len(ids) > 0 {
		s.log.Info("refresh sweep complete",
			zap.Int("due", len(ids)),
			zap.Int("refreshed", refreshed),
		)
	}
}
