// Package ops exposes the daemon's read-only operational endpoints: health,
// registry statistics, and the agreement list. It is an observability seam,
// not a user-facing API; nothing here mutates state.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"escrowflow/custody"
	"escrowflow/engine"
	"escrowflow/ledger"
)

// RegistryView is the read-only slice of the ledger the endpoints serve.
type RegistryView interface {
	Stats(ctx context.Context) (custody.Stats, error)
	Deployed(ctx context.Context) ([]ledger.Address, error)
	Details(ctx context.Context, addr ledger.Address) (custody.Details, error)
	Balance(ctx context.Context, addr ledger.Address) (uint64, error)
}

// EngineView reports the settlement engine's counters.
type EngineView interface {
	Stats() engine.Stats
}

// Server serves the ops endpoints.
type Server struct {
	log      zerolog.Logger
	registry RegistryView
	engine   EngineView
}

func NewServer(log zerolog.Logger, registry RegistryView, eng EngineView) *Server {
	return &Server{
		log:      log.With().Str("component", "ops").Logger(),
		registry: registry,
		engine:   eng,
	}
}

// Router builds the chi router for the ops surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/registry/stats", s.handleStats)
	r.Get("/agreements", s.handleAgreements)
	return r
}

type healthResponse struct {
	Status            string    `json:"status"`
	CyclesRun         uint64    `json:"cycles_run"`
	LastCycleAt       time.Time `json:"last_cycle_at"`
	AgreementsSettled uint64    `json:"agreements_settled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		CyclesRun:         stats.CyclesRun,
		LastCycleAt:       stats.LastCycleAt,
		AgreementsSettled: stats.AgreementsSettled,
	})
}

type statsResponse struct {
	TotalAgreements uint64 `json:"total_agreements"`
	TotalVolume     uint64 `json:"total_volume"`
	CreationFee     uint64 `json:"creation_fee"`
	SettlementFee   uint64 `json:"settlement_fee"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalAgreements: stats.TotalAgreements,
		TotalVolume:     stats.TotalVolume,
		CreationFee:     stats.CreationFee,
		SettlementFee:   stats.SettlementFee,
	})
}

type agreementResponse struct {
	Address     string `json:"address"`
	Depositor   string `json:"depositor"`
	Beneficiary string `json:"beneficiary"`
	Amount      uint64 `json:"amount"`
	Balance     uint64 `json:"balance"`
	Condition   string `json:"condition"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	SettledAt   string `json:"settled_at,omitempty"`
}

func (s *Server) handleAgreements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deployed, err := s.registry.Deployed(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]agreementResponse, 0, len(deployed))
	for _, addr := range deployed {
		d, err := s.registry.Details(ctx, addr)
		if err != nil {
			s.log.Warn().Err(err).Str("agreement", addr.String()).Msg("read agreement for listing")
			continue
		}
		balance, err := s.registry.Balance(ctx, addr)
		if err != nil {
			s.log.Warn().Err(err).Str("agreement", addr.String()).Msg("read agreement balance")
			continue
		}
		resp := agreementResponse{
			Address:     addr.String(),
			Depositor:   d.Depositor.String(),
			Beneficiary: d.Beneficiary.String(),
			Amount:      d.Amount,
			Balance:     balance,
			Condition:   d.Condition.String(),
			Fingerprint: d.Fingerprint.String(),
			Status:      d.Status.String(),
			CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
		}
		if !d.SettledAt.IsZero() {
			resp.SettledAt = d.SettledAt.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("ops request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
