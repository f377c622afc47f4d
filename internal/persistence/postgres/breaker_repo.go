package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vxmarkets/pulse/internal/breaker"
	"github.com/vxmarkets/pulse/internal/persistence"
)

// breakerRepo implements BreakerRepo for PostgreSQL.
type breakerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBreakerRepo creates a PostgreSQL-backed breaker state repository.
func NewBreakerRepo(db *sqlx.DB, timeout time.Duration) persistence.BreakerRepo {
	return &breakerRepo{db: db, timeout: timeout}
}

type breakerRow struct {
	LayerID             string     `db:"layer_id"`
	State               string     `db:"state"`
	ConsecutiveFailures int64      `db:"consecutive_failures"`
	LastFailureAt       *time.Time `db:"last_failure_at"`
}

// SaveStates upserts the current state of every breaker, keyed by layer.
func (r *breakerRepo) SaveStates(ctx context.Context, states []breaker.State) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO breaker_states (layer_id, state, consecutive_failures, last_failure_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (layer_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_failure_at = EXCLUDED.last_failure_at`

	for _, s := range states {
		var lastFailure *time.Time
		if !s.LastFailureAt.IsZero() {
			t := s.LastFailureAt
			lastFailure = &t
		}
		if _, err := r.db.ExecContext(ctx, query,
			s.LayerID, s.State, int64(s.ConsecutiveFailures), lastFailure); err != nil {
			return fmt.Errorf("upsert breaker state %s: %w", s.LayerID, err)
		}
	}
	return nil
}

// LoadStates returns every persisted breaker state.
func (r *breakerRepo) LoadStates(ctx context.Context) ([]breaker.State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []breakerRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT layer_id, state, consecutive_failures, last_failure_at
		FROM breaker_states
		ORDER BY layer_id`)
	if err != nil {
		return nil, fmt.Errorf("load breaker states: %w", err)
	}

	out := make([]breaker.State, 0, len(rows))
	for _, row := range rows {
		s := breaker.State{
			LayerID:             row.LayerID,
			State:               row.State,
			ConsecutiveFailures: uint32(row.ConsecutiveFailures),
		}
		if row.LastFailureAt != nil {
			s.LastFailureAt = *row.LastFailureAt
		}
		out = append(out, s)
	}
	return out, nil
}
