// Package httpapi serves the engine's HTTP boundary: score, outcome and
// anomaly intake for external producers, plus the ops surface of health,
// metrics, the latest decision per instrument, and the websocket feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/anomaly"
	"github.com/vxmarkets/pulse/internal/cache"
	"github.com/vxmarkets/pulse/internal/domain"
	"github.com/vxmarkets/pulse/internal/outcome"
	"github.com/vxmarkets/pulse/internal/registry"
	"github.com/vxmarkets/pulse/internal/stream"
)

// Server is the engine's HTTP server.
type Server struct {
	httpServer *http.Server
	cache      *cache.DecisionCache
	stream     *stream.Broadcaster
	registry   *registry.Registry
	recorder   *outcome.Recorder
	feed       *anomaly.Feed
}

// New builds the server. Any collaborator may be nil; its routes are
// skipped.
func New(addr string, decisionCache *cache.DecisionCache, broadcaster *stream.Broadcaster,
	reg *registry.Registry, recorder *outcome.Recorder, feed *anomaly.Feed) *Server {

	s := &Server{
		cache:    decisionCache,
		stream:   broadcaster,
		registry: reg,
		recorder: recorder,
		feed:     feed,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if reg != nil {
		r.HandleFunc("/scores", s.handleSubmitScore).Methods(http.MethodPost)
	}
	if recorder != nil {
		r.HandleFunc("/outcomes", s.handleReportOutcome).Methods(http.MethodPost)
	}
	if feed != nil {
		r.HandleFunc("/anomalies", s.handleReportAnomalies).Methods(http.MethodPost)
	}
	if decisionCache != nil {
		r.HandleFunc("/decisions/{instrument}/latest", s.handleLatest).Methods(http.MethodGet)
	}
	if broadcaster != nil {
		r.HandleFunc("/ws/decisions", broadcaster.HandleWS)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.cache != nil {
		status["cache"] = s.cache.Health(r.Context())
	}
	if s.stream != nil {
		status["subscribers"] = s.stream.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSubmitScore accepts one layer observation. Producers that omit
// ObservedAt get the server clock; producers that omit the TTL get their
// layer's configured class default inside the registry.
func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	var score domain.LayerScore
	if err := json.NewDecoder(r.Body).Decode(&score); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed score: " + err.Error()})
		return
	}
	if score.ObservedAt.IsZero() {
		score.ObservedAt = time.Now()
	}
	if err := s.registry.Submit(score); err != nil {
		switch {
		case errors.Is(err, registry.ErrScoreOutOfRange):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, registry.ErrScoreStale):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			log.Error().Err(err).Str("layer", score.LayerID).Msg("score intake failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "score intake failed"})
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleReportOutcome closes the loop on an emitted decision.
func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	var o domain.TradeOutcome
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed outcome: " + err.Error()})
		return
	}
	if o.ClosedAt.IsZero() {
		o.ClosedAt = time.Now()
	}
	if err := s.recorder.RecordOutcome(o); err != nil {
		if errors.Is(err, outcome.ErrUnknownDecision) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown decision " + o.DecisionID.String()})
			return
		}
		log.Error().Err(err).Stringer("decision", o.DecisionID).Msg("outcome intake failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "outcome intake failed"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type anomalyReport struct {
	Instrument string                 `json:"instrument"`
	Signals    []domain.AnomalySignal `json:"signals"`
}

// handleReportAnomalies replaces the instrument's detector batch.
func (s *Server) handleReportAnomalies(w http.ResponseWriter, r *http.Request) {
	var rep anomalyReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed report: " + err.Error()})
		return
	}
	if rep.Instrument == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument is required"})
		return
	}
	s.feed.Report(rep.Instrument, rep.Signals)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	d, err := s.cache.Latest(r.Context(), instrument)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no decision for " + instrument})
			return
		}
		log.Error().Err(err).Str("instrument", instrument).Msg("latest decision lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
