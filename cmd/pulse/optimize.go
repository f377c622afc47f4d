package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vxmarkets/pulse/internal/config"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/optimizer"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/persistence"
	"github.com/vxmarkets/pulse/internal/persistence/postgres"
	"github.com/vxmarkets/pulse/internal/weights"
)

func optimizeCmd(ctx context.Context) *cobra.Command {
	var (
		configPath string
		instrument string
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one batch weight re-optimization against stored outcome history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if seed != 0 {
				cfg.Optimizer.Batch.Seed = seed
			}
			return optimize(cmd.Context(), cfg, instrument)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/pulse.yaml", "config file path")
	cmd.Flags().StringVarP(&instrument, "instrument", "i", "", "instrument to optimize (default: all)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "fixed RNG seed for a reproducible run")
	return cmd
}

func optimize(ctx context.Context, cfg *config.Config, instrument string) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	weightsRepo := postgres.NewWeightsRepo(db, cfg.Postgres.Timeout)
	decisionsRepo := postgres.NewDecisionsRepo(db, cfg.Postgres.Timeout)

	store := weights.NewStore()
	vectors, err := weightsRepo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	for _, v := range vectors {
		if err := store.Commit(v); err != nil {
			return fmt.Errorf("restore weights for %s: %w", v.Instrument, err)
		}
	}

	recorder := outcome.NewRecorder(cfg.OutcomeWindow)
	targets := cfg.Instruments
	if instrument != "" {
		targets = []string{instrument}
	}
	for _, target := range targets {
		if err := replayHistory(ctx, decisionsRepo, recorder, target, cfg.OutcomeWindow); err != nil {
			return err
		}
	}

	opt := optimizer.New(store, recorder, cfg.Optimizer.Online, cfg.Optimizer.Batch)
	for _, target := range targets {
		res, err := opt.RunBatch(ctx, target)
		switch {
		case errors.Is(err, optimizer.ErrDiverged):
			log.Warn().Str("instrument", target).Msg("no improvement, weights retained")
			continue
		case err != nil:
			log.Error().Err(err).Str("instrument", target).Msg("batch run failed")
			continue
		}
		v, err := store.Get(target)
		if err != nil {
			return err
		}
		if err := weightsRepo.SaveVector(ctx, v); err != nil {
			return fmt.Errorf("persist weights for %s: %w", target, err)
		}
		log.Info().
			Str("instrument", target).
			Float64("fitness", res.BestFitness).
			Float64("improvement", res.BestFitness-res.InitialFitness).
			Msg("weights committed")
	}
	return nil
}

// replayHistory rebuilds the recorder's trailing window from stored
// decisions and outcomes.
func replayHistory(ctx context.Context, repo persistence.DecisionsRepo, recorder *outcome.Recorder, instrument string, window int) error {
	outcomes, err := repo.ListOutcomes(ctx, instrument, window)
	if err != nil {
		return fmt.Errorf("load outcomes for %s: %w", instrument, err)
	}

	// Oldest first so the trailing window keeps the newest records.
	byDecision := make(map[uuid.UUID]domain.TradeOutcome, len(outcomes))
	ordered := make([]domain.TradeOutcome, 0, len(outcomes))
	for i := len(outcomes) - 1; i >= 0; i-- {
		byDecision[outcomes[i].DecisionID] = outcomes[i]
		ordered = append(ordered, outcomes[i])
	}

	for _, o := range ordered {
		d, err := repo.Get(ctx, o.DecisionID)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		recorder.TrackDecision(*d)
		if err := recorder.RecordOutcome(byDecision[o.DecisionID]); err != nil {
			return err
		}
	}
	return nil
}
