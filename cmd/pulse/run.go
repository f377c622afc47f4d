package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vxmarkets/pulse/internal/alignment"
	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/cache"
	"github.com/vxmarkets/pulse/internal/config"
	"github.com/vxmarkets/pulse/internal/consensus"
	"github.com/vxmarkets/pulse/internal/engine"
	"github.com/vxmarkets/pulse/internal/httpapi"
	"github.com/vxmarkets/pulse/internal/metrics"
	"github.com/vxmarkets/pulse/internal/optimizer"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/persistence"
	"github.com/vxmarkets/pulse/internal/persistence/postgres"
	"github.com/vxmarkets/pulse/internal/registry"
	"github.com/vxmarkets/pulse/internal/stream"
	"github.com/vxmarkets/pulse/internal/weights"
)

func runCmd(ctx context.Context) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consensus engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/pulse.yaml", "config file path")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	weightsRepo := postgres.NewWeightsRepo(db, cfg.Postgres.Timeout)
	breakerRepo := postgres.NewBreakerRepo(db, cfg.Postgres.Timeout)
	decisionsRepo := postgres.NewDecisionsRepo(db, cfg.Postgres.Timeout)

	bank := breaker.NewBank(cfg.Breaker)
	if states, err := breakerRepo.LoadStates(ctx); err != nil {
		log.Warn().Err(err).Msg("breaker state restore failed, starting cold")
	} else if len(states) > 0 {
		bank.Restore(states)
		log.Info().Int("layers", len(states)).Msg("breaker states restored")
	}

	store := weights.NewStore()
	if vectors, err := weightsRepo.LoadAll(ctx); err != nil {
		log.Warn().Err(err).Msg("weight restore failed, starting uniform")
	} else {
		for _, v := range vectors {
			if err := store.Commit(v); err != nil {
				// Refuse to vote on a corrupt vector; the operator must
				// repair from the last valid checkpoint.
				return fmt.Errorf("restore weights for %s: %w", v.Instrument, err)
			}
		}
		log.Info().Int("instruments", len(vectors)).Msg("weight vectors restored")
	}

	reg := registry.New(bank.RecordSuccess)
	reg.SetTTLResolver(cfg.TTLForLayer)
	recorder := outcome.NewRecorder(cfg.OutcomeWindow)
	feed := anomaly.NewFeed(cfg.Anomaly.SignalTTL)
	m := metrics.NewRegistry(prometheus.DefaultRegisterer)

	eng := engine.New(cfg.Engine, reg, bank,
		alignment.New(cfg.Alignment),
		anomaly.NewGate(cfg.Anomaly),
		consensus.NewVoter(cfg.Voter),
		store, recorder, m)
	eng.SetAnomalySource(feed)

	opt := optimizer.New(store, recorder, cfg.Optimizer.Online, cfg.Optimizer.Batch)
	recorder.OnClosed(func(rec outcome.Record) {
		if err := opt.ApplyOutcome(rec); err != nil {
			log.Error().Err(err).Msg("online weight update failed")
			return
		}
		persistWeights(ctx, weightsRepo, store, rec.Decision.Instrument)
		if err := decisionsRepo.AttachOutcome(ctx, rec.Outcome); err != nil {
			log.Error().Err(err).Msg("outcome persistence failed")
		}
	})

	decisionCache := cache.NewDecisionCache(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
	defer decisionCache.Close()
	broadcaster := stream.NewBroadcaster()

	eng.AddSink(persistence.DecisionSink{Repo: decisionsRepo})
	eng.AddSink(decisionCache)
	eng.AddSink(broadcaster)
	eng.AddSink(breakerSink{repo: breakerRepo, bank: bank})

	sched := engine.NewScheduler(cfg.Scheduler, eng, opt, cfg.Instruments)
	sched.AfterBatch(func(ctx context.Context, results map[string]optimizer.BatchResult) {
		for instrument, res := range results {
			if !res.Committed {
				m.OptimizerRuns.WithLabelValues("retained").Inc()
				continue
			}
			m.OptimizerRuns.WithLabelValues("committed").Inc()
			persistWeights(ctx, weightsRepo, store, instrument)
		}
	})

	srv := httpapi.New(cfg.HTTP.Addr, decisionCache, broadcaster, reg, recorder, feed)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()

	sched.Run(ctx)
	return nil
}

func persistWeights(ctx context.Context, repo persistence.WeightsRepo, store *weights.Store, instrument string) {
	v, err := store.Get(instrument)
	if err != nil {
		return
	}
	if err := repo.SaveVector(ctx, v); err != nil {
		log.Error().Err(err).Str("instrument", instrument).Msg("weight persistence failed")
	}
}
