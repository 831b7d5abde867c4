// Package retention runs the periodic TTL cleanup spec.md section 3/6
// names for the remote-app-execution dedup table: rows older than the
// configured TTL are deleted so the table doesn't grow unbounded. The
// ticker-driven Start/sweep shape is grounded on internal/assembler's
// periodic-scan component.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/monai-gateway/informatics-gateway/pkg/component"
)

// RemoteAppExecutions is the subset of store.RemoteAppExecutionRepository
// the sweeper needs.
type RemoteAppExecutions interface {
	Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}

// Sweeper periodically deletes remote-app-execution records older than ttl.
type Sweeper struct {
	component.Base
	name      string
	repo      RemoteAppExecutions
	ttl       time.Duration
	tickEvery time.Duration
	log       zerolog.Logger
}

// New builds a Sweeper. ttl is the age (7 days per spec.md section 3) past
// which a record is deleted; tickEvery is how often it checks.
func New(repo RemoteAppExecutions, ttl, tickEvery time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		name:      "remote-app-execution-sweeper",
		repo:      repo,
		ttl:       ttl,
		tickEvery: tickEvery,
		log:       log.With().Str("component", "remote-app-execution-sweeper").Logger(),
	}
}

func (s *Sweeper) Name() string { return s.name }

func (s *Sweeper) Start(ctx context.Context) error {
	runCtx, done := s.BeginRun(ctx)
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.Sweep(runCtx, time.Now(), s.ttl)
				if err != nil {
					s.log.Error().Err(err).Msg("sweeping remote app executions")
					continue
				}
				if n > 0 {
					s.log.Info().Int64("count", n).Msg("swept expired remote app executions")
				}
			}
		}
	}()
	return nil
}

func (s *Sweeper) Stop(gracePeriod time.Duration) error {
	return s.StopAndWait(gracePeriod)
}
