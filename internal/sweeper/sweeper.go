package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
)

// Sweeper periodically force-expires deposits whose proof window has lapsed.
// Withdrawals never expire, so only the deposit machine is swept. Each pass
// is idempotent: the expiry precondition lives inside the deposit service's
// CAS, so concurrent sweeps or a sweep racing an admin action settle each
// record exactly once.
type Sweeper struct {
	deposits *deposit.Service
	cfg      config.SweepConfig
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func New(deposits *deposit.Service, cfg config.SweepConfig, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		deposits: deposits,
		cfg:      cfg,
		log:      observability.NewLogger("sweeper"),
		metrics:  metrics,
	}
}

// Result summarizes one sweep pass. Succeeded counts records this pass
// actually expired; a record that lost the race to an admin action counts as
// processed only.
type Result struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SweepOnce expires one batch of overdue deposits. Per-record failures are
// logged and skipped so one bad row cannot stall the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := time.Now()

	ids, err := s.deposits.DueForExpiry(ctx, s.cfg.BatchSize)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SweepFailures.Inc()
		}
		return Result{}, err
	}

	var res Result
	for _, id := range ids {
		res.Processed++
		expired, err := s.deposits.Expire(ctx, id)
		if err != nil {
			res.Failed++
			if s.metrics != nil {
				s.metrics.SweepFailures.Inc()
			}
			s.log.Error().Err(err).Str("deposit_id", id.String()).Msg("expire failed")
			continue
		}
		if expired {
			res.Succeeded++
		}
	}

	if s.metrics != nil {
		s.metrics.SweepRuns.Inc()
		s.metrics.SweepExpired.Add(float64(res.Succeeded))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if res.Processed > 0 {
		s.log.Info().
			Int("processed", res.Processed).
			Int("expired", res.Succeeded).
			Int("failed", res.Failed).
			Msg("sweep pass finished")
	}
	return res, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep pass failed")
			}
		}
	}
}
