package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/persistence"
	"github.com/vxmarkets/pulse/internal/weights"
)

// weightsRepo implements WeightsRepo for PostgreSQL.
type weightsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWeightsRepo creates a PostgreSQL-backed weights repository.
func NewWeightsRepo(db *sqlx.DB, timeout time.Duration) persistence.WeightsRepo {
	return &weightsRepo{db: db, timeout: timeout}
}

type weightRow struct {
	Instrument  string    `db:"instrument"`
	LayerID     string    `db:"layer_id"`
	Weight      float64   `db:"weight"`
	Velocity    float64   `db:"velocity"`
	Version     int64     `db:"version"`
	UpdatedAt   time.Time `db:"updated_at"`
	LastUpdated time.Time `db:"last_updated"`
}

// SaveVector stores a committed vector in one transaction: every layer row
// is upserted under the same version so a reader never sees a mixed
// vector.
func (r *weightsRepo) SaveVector(ctx context.Context, v weights.Vector) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid vector: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin weights tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO layer_weights (instrument, layer_id, weight, velocity, version, updated_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instrument, layer_id) DO UPDATE SET
			weight = EXCLUDED.weight,
			velocity = EXCLUDED.velocity,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at,
			last_updated = EXCLUDED.last_updated`

	for layerID, lw := range v.Weights {
		if _, err := tx.ExecContext(ctx, query,
			v.Instrument, layerID, lw.Weight, lw.Velocity, v.Version, v.UpdatedAt, lw.LastUpdated); err != nil {
			return fmt.Errorf("upsert weight %s/%s: %w", v.Instrument, layerID, err)
		}
	}

	// Rows from superseded layer sets are removed with the same commit.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM layer_weights WHERE instrument = $1 AND version < $2`,
		v.Instrument, v.Version); err != nil {
		return fmt.Errorf("prune stale weights for %s: %w", v.Instrument, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit weights tx: %w", err)
	}
	return nil
}

// LoadVector returns the latest committed vector for an instrument.
func (r *weightsRepo) LoadVector(ctx context.Context, instrument string) (*weights.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []weightRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT instrument, layer_id, weight, velocity, version, updated_at, last_updated
		FROM layer_weights
		WHERE instrument = $1`, instrument)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load weights for %s: %w", instrument, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v := vectorFromRows(rows)
	return &v, nil
}

// LoadAll returns the latest committed vector per instrument.
func (r *weightsRepo) LoadAll(ctx context.Context) ([]weights.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []weightRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT instrument, layer_id, weight, velocity, version, updated_at, last_updated
		FROM layer_weights
		ORDER BY instrument`)
	if err != nil {
		return nil, fmt.Errorf("load all weights: %w", err)
	}

	byInstrument := make(map[string][]weightRow)
	var order []string
	for _, row := range rows {
		if _, ok := byInstrument[row.Instrument]; !ok {
			order = append(order, row.Instrument)
		}
		byInstrument[row.Instrument] = append(byInstrument[row.Instrument], row)
	}

	out := make([]weights.Vector, 0, len(order))
	for _, instrument := range order {
		out = append(out, vectorFromRows(byInstrument[instrument]))
	}
	return out, nil
}

func vectorFromRows(rows []weightRow) weights.Vector {
	v := weights.Vector{
		Instrument: rows[0].Instrument,
		Weights:    make(map[string]domain.LayerWeight, len(rows)),
		Version:    rows[0].Version,
		UpdatedAt:  rows[0].UpdatedAt,
	}
	for _, row := range rows {
		v.Weights[row.LayerID] = domain.LayerWeight{
			LayerID:     row.LayerID,
			Weight:      row.Weight,
			Velocity:    row.Velocity,
			LastUpdated: row.LastUpdated,
		}
		if row.Version > v.Version {
			v.Version = row.Version
		}
	}
	return v
}
