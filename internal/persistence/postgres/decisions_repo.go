package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/persistence"
)

// decisionsRepo implements DecisionsRepo for PostgreSQL.
type decisionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionsRepo creates a PostgreSQL-backed decisions repository.
func NewDecisionsRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionsRepo {
	return &decisionsRepo{db: db, timeout: timeout}
}

type decisionRow struct {
	ID                 string    `db:"id"`
	Instrument         string    `db:"instrument"`
	DecidedAt          time.Time `db:"decided_at"`
	AggregatedScore    float64   `db:"aggregated_score"`
	Signal             string    `db:"signal"`
	Confidence         float64   `db:"confidence"`
	ContributingLayers []byte    `db:"contributing_layers"`
	AlignmentScore     float64   `db:"alignment_score"`
	AnomalyOverridden  bool      `db:"anomaly_overridden"`
	InsufficientQuorum bool      `db:"insufficient_quorum"`
}

// Insert stores an emitted decision. Decisions are terminal; there is no
// update path.
func (r *decisionsRepo) Insert(ctx context.Context, d domain.ConsensusDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	layersJSON, err := json.Marshal(d.ContributingLayers)
	if err != nil {
		return fmt.Errorf("marshal contributing layers: %w", err)
	}

	query := `
		INSERT INTO decisions
		(id, instrument, decided_at, aggregated_score, signal, confidence,
		 contributing_layers, alignment_score, anomaly_overridden, insufficient_quorum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := r.db.ExecContext(ctx, query,
		d.ID.String(), d.Instrument, d.DecidedAt, d.AggregatedScore,
		d.Signal.String(), d.Confidence, layersJSON, d.AlignmentScore,
		d.AnomalyOverridden, d.InsufficientQuorum); err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	return nil
}

// Get returns one decision by id, or nil when not found.
func (r *decisionsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.ConsensusDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row decisionRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, instrument, decided_at, aggregated_score, signal, confidence,
		       contributing_layers, alignment_score, anomaly_overridden, insufficient_quorum
		FROM decisions WHERE id = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	d, err := decisionFromRow(row)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListByInstrument returns decisions for an instrument within a time
// range, newest first.
func (r *decisionsRepo) ListByInstrument(ctx context.Context, instrument string, tr persistence.TimeRange, limit int) ([]domain.ConsensusDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []decisionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, instrument, decided_at, aggregated_score, signal, confidence,
		       contributing_layers, alignment_score, anomaly_overridden, insufficient_quorum
		FROM decisions
		WHERE instrument = $1 AND decided_at >= $2 AND decided_at <= $3
		ORDER BY decided_at DESC
		LIMIT $4`, instrument, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", instrument, err)
	}

	out := make([]domain.ConsensusDecision, 0, len(rows))
	for _, row := range rows {
		d, err := decisionFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// AttachOutcome records the realized outcome of a decision.
func (r *decisionsRepo) AttachOutcome(ctx context.Context, o domain.TradeOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trade_outcomes (decision_id, instrument, realized_pnl, is_correct, closed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (decision_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		o.DecisionID.String(), o.Instrument, o.RealizedPnL, o.IsCorrect, o.ClosedAt); err != nil {
		return fmt.Errorf("attach outcome for %s: %w", o.DecisionID, err)
	}
	return nil
}

// ListOutcomes returns the latest outcomes for an instrument, newest
// first.
func (r *decisionsRepo) ListOutcomes(ctx context.Context, instrument string, limit int) ([]domain.TradeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcomeRow struct {
		DecisionID  string    `db:"decision_id"`
		Instrument  string    `db:"instrument"`
		RealizedPnL float64   `db:"realized_pnl"`
		IsCorrect   bool      `db:"is_correct"`
		ClosedAt    time.Time `db:"closed_at"`
	}
	var rows []outcomeRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT decision_id, instrument, realized_pnl, is_correct, closed_at
		FROM trade_outcomes
		WHERE instrument = $1
		ORDER BY closed_at DESC
		LIMIT $2`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes for %s: %w", instrument, err)
	}

	out := make([]domain.TradeOutcome, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.DecisionID)
		if err != nil {
			return nil, fmt.Errorf("parse decision id %q: %w", row.DecisionID, err)
		}
		out = append(out, domain.TradeOutcome{
			DecisionID:  id,
			Instrument:  row.Instrument,
			RealizedPnL: row.RealizedPnL,
			IsCorrect:   row.IsCorrect,
			ClosedAt:    row.ClosedAt,
		})
	}
	return out, nil
}

func decisionFromRow(row decisionRow) (domain.ConsensusDecision, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return domain.ConsensusDecision{}, fmt.Errorf("parse decision id %q: %w", row.ID, err)
	}
	var layers []domain.ContributingLayer
	if len(row.ContributingLayers) > 0 {
		if err := json.Unmarshal(row.ContributingLayers, &layers); err != nil {
			return domain.ConsensusDecision{}, fmt.Errorf("unmarshal contributing layers: %w", err)
		}
	}
	return domain.ConsensusDecision{
		ID:                 id,
		Instrument:         row.Instrument,
		DecidedAt:          row.DecidedAt,
		AggregatedScore:    row.AggregatedScore,
		Signal:             domain.ParseSignal(row.Signal),
		Confidence:         row.Confidence,
		ContributingLayers: layers,
		AlignmentScore:     row.AlignmentScore,
		AnomalyOverridden:  row.AnomalyOverridden,
		InsufficientQuorum: row.InsufficientQuorum,
	}, nil
}
