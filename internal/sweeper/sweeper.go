package sweeper

import (
	"context"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/service"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type SweepArchiver interface {
	SweepAndArchive(ctx context.Context) (service.SweepResult, error)
}

// Sweeper periodically moves closed tickets past retention out of the cache
// and into the archive.
type Sweeper struct {
	target   SweepArchiver
	interval time.Duration
	timeout  time.Duration
	clock    clock.WithTicker
	logger   *log.Logger
}

func NewSweeper(target SweepArchiver, interval time.Duration, clk clock.WithTicker, logger *log.Logger) *Sweeper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		timeout:  interval / 2,
		clock:    clk,
		logger:   logger.Named("sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down")
			return
		case <-ticker.C():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.target.SweepAndArchive(ctx)
	if err != nil {
		s.logger.Error("Sweep failed", zap.Int("removed", res.Removed), zap.Int("archived", res.Archived), zap.Error(err))
		return
	}
	if res.Removed > 0 {
		s.logger.Info("Sweep complete", zap.Int("removed", res.Removed), zap.Int("archived", res.Archived))
	}
}
