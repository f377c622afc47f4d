package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/registry"
)

type apiHarness struct {
	srv      *Server
	registry *registry.Registry
	recorder *outcome.Recorder
	feed     *anomaly.Feed
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	reg := registry.New(nil)
	rec := outcome.NewRecorder(10)
	feed := anomaly.NewFeed(time.Minute)
	return &apiHarness{
		srv:      New(":0", nil, nil, reg, rec, feed),
		registry: reg,
		recorder: rec,
		feed:     feed,
	}
}

func (h *apiHarness) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	h.srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func apiScore(layerID string) domain.LayerScore {
	return domain.LayerScore{
		LayerID:      layerID,
		Instrument:   "BTC-USD",
		Timeframe:    "1h",
		RawScore:     72,
		Signal:       domain.SignalLong,
		Confidence:   0.8,
		ObservedAt:   time.Now(),
		StalenessTTL: 5 * time.Minute,
	}
}

func TestSubmitScore_AcceptedIntoRegistry(t *testing.T) {
	h := newAPIHarness(t)

	w := h.postJSON(t, "/scores", apiScore("rsi"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, h.registry.Len())

	snap := h.registry.Snapshot("BTC-USD", "1h")
	require.Len(t, snap, 1)
	assert.Equal(t, 72.0, snap["rsi"].RawScore)
}

func TestSubmitScore_OutOfRangeRejected(t *testing.T) {
	h := newAPIHarness(t)

	s := apiScore("rsi")
	s.RawScore = 140
	w := h.postJSON(t, "/scores", s)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, h.registry.Len())
}

func TestSubmitScore_StaleRejected(t *testing.T) {
	h := newAPIHarness(t)

	s := apiScore("rsi")
	s.ObservedAt = time.Now().Add(-20 * time.Minute)
	w := h.postJSON(t, "/scores", s)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitScore_MalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/scores", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportOutcome_ClosesTrackedDecision(t *testing.T) {
	h := newAPIHarness(t)

	d := domain.ConsensusDecision{
		ID:         uuid.New(),
		Instrument: "BTC-USD",
		Signal:     domain.SignalLong,
		DecidedAt:  time.Now(),
	}
	h.recorder.TrackDecision(d)

	var closed []outcome.Record
	h.recorder.OnClosed(func(rec outcome.Record) { closed = append(closed, rec) })

	w := h.postJSON(t, "/outcomes", domain.TradeOutcome{
		DecisionID:  d.ID,
		Instrument:  "BTC-USD",
		RealizedPnL: 120,
		IsCorrect:   true,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, closed, 1)
	assert.Equal(t, d.ID, closed[0].Outcome.DecisionID)
	assert.False(t, closed[0].Outcome.ClosedAt.IsZero(), "omitted close time gets the server clock")
	assert.Len(t, h.recorder.History("BTC-USD"), 1)
}

func TestReportOutcome_UnknownDecision(t *testing.T) {
	h := newAPIHarness(t)

	w := h.postJSON(t, "/outcomes", domain.TradeOutcome{
		DecisionID: uuid.New(),
		Instrument: "BTC-USD",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportAnomalies_FeedsTheGateSource(t *testing.T) {
	h := newAPIHarness(t)

	w := h.postJSON(t, "/anomalies", anomalyReport{
		Instrument: "BTC-USD",
		Signals: []domain.AnomalySignal{
			{Type: domain.AnomalyLiquidationCascade, Severity: 95},
			{Type: domain.AnomalyFlashCrash, Severity: 90},
		},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	got := h.feed.Signals(context.Background(), "BTC-USD")
	require.Len(t, got, 2)
	assert.Equal(t, 95.0, got[0].Severity)
}

func TestReportAnomalies_RequiresInstrument(t *testing.T) {
	h := newAPIHarness(t)

	w := h.postJSON(t, "/anomalies", anomalyReport{
		Signals: []domain.AnomalySignal{{Type: domain.AnomalyVolumeSpike, Severity: 50}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntakeRoutesSkippedWhenUnwired(t *testing.T) {
	srv := New(":0", nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/scores", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
