package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/optimizer"
)

// SchedulerConfig tunes the background loops.
type SchedulerConfig struct {
	VoteInterval  time.Duration `yaml:"vote_interval"`
	BatchInterval time.Duration `yaml:"batch_interval"` // batch re-optimization cadence
}

// DefaultSchedulerConfig votes every minute and re-optimizes daily.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		VoteInterval:  time.Minute,
		BatchInterval: 24 * time.Hour,
	}
}

// Scheduler drives the recurring voting rounds and the off-hot-path batch
// optimizer job.
type Scheduler struct {
	cfg         SchedulerConfig
	engine      *Engine
	opt         *optimizer.Optimizer
	instruments []string
	afterBatch  func(context.Context, map[string]optimizer.BatchResult)
}

// NewScheduler creates a scheduler for the given instruments.
func NewScheduler(cfg SchedulerConfig, e *Engine, opt *optimizer.Optimizer, instruments []string) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.VoteInterval <= 0 {
		cfg.VoteInterval = def.VoteInterval
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = def.BatchInterval
	}
	return &Scheduler{cfg: cfg, engine: e, opt: opt, instruments: instruments}
}

// AfterBatch registers a hook called with each batch run's results, used
// to persist the newly committed weight vectors.
func (s *Scheduler) AfterBatch(fn func(context.Context, map[string]optimizer.BatchResult)) {
	s.afterBatch = fn
}

// Run blocks until ctx is canceled, driving both loops. The batch job is
// cancellable between generations, so shutdown never waits for a full run.
func (s *Scheduler) Run(ctx context.Context) {
	voteTick := time.NewTicker(s.cfg.VoteInterval)
	batchTick := time.NewTicker(s.cfg.BatchInterval)
	defer voteTick.Stop()
	defer batchTick.Stop()

	log.Info().
		Dur("vote_interval", s.cfg.VoteInterval).
		Dur("batch_interval", s.cfg.BatchInterval).
		Int("instruments", len(s.instruments)).
		Msg("scheduler running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-voteTick.C:
			for _, instrument := range s.instruments {
				if ctx.Err() != nil {
					return
				}
				if _, err := s.engine.RunRound(ctx, instrument); err != nil {
					log.Error().Err(err).Str("instrument", instrument).Msg("voting round failed")
				}
			}
		case <-batchTick.C:
			results := s.opt.RunBatchAll(ctx)
			if s.afterBatch != nil {
				s.afterBatch(ctx, results)
			}
		}
	}
}
