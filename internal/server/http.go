package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/market"
	"speedmarkets/internal/observability"
	"speedmarkets/internal/query"
	"speedmarkets/internal/risk"
)

// EngineExec runs fn on the engine goroutine and returns after fn completes.
// Every engine touch from an HTTP handler goes through it; the engine itself
// is not safe for concurrent use.
type EngineExec func(fn func())

// Deps holds everything the HTTP API serves from.
type Deps struct {
	Log     zerolog.Logger
	Query   *query.Service
	Engine  *engine.Engine
	Risk    *risk.Registry
	Exec    EngineExec
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
}

// HTTPServer exposes market queries and admin operations over JSON.
type HTTPServer struct {
	srv  *http.Server
	log  zerolog.Logger
	deps *Deps
}

func New(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{log: deps.Log, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.observe)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{id}", s.getMarket)
		r.Get("/markets/{id}/journals", s.getJournals)
		r.Get("/stats", s.getStats)
		r.Get("/risk", s.getRisk)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.verifyIntegrity)
			r.Post("/pause", s.setPaused)
			r.Post("/resolve", s.resolveManually)
			r.Post("/capital/deposit", s.depositCapital)
			r.Post("/capital/withdraw", s.withdrawCapital)
		})
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.deps.Metrics != nil {
			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).
				Observe(time.Since(start).Seconds())
		}
	})
}

// --- query handlers ---

func (s *HTTPServer) listMarkets(w http.ResponseWriter, r *http.Request) {
	var f query.MarketFilter
	q := r.URL.Query()
	if v := q.Get("owner"); v != "" {
		if !common.IsHexAddress(v) {
			s.writeError(w, http.StatusBadRequest, "owner is not a hex address")
			return
		}
		owner := common.HexToAddress(v).Hex()
		f.Owner = &owner
	}
	if v := q.Get("asset"); v != "" {
		f.Asset = &v
	}
	if v := q.Get("resolved"); v != "" {
		resolved := v == "true"
		f.Resolved = &resolved
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		f.CreatedBefore = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = limit
	}

	records, err := s.deps.Query.ListMarkets(r.Context(), f)
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"markets": records})
}

func (s *HTTPServer) getMarket(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	rec, err := s.deps.Query.GetMarket(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) getJournals(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	entries, err := s.deps.Query.GetJournals(r.Context(), id.String())
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Query.GetStats(r.Context())
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type riskEntry struct {
	Asset           string `json:"asset"`
	Current         string `json:"current"`
	Max             string `json:"max"`
	CurrentUp       string `json:"current_up"`
	CurrentDown     string `json:"current_down"`
	MaxDirectional  string `json:"max_directional"`
	UtilizationUp   string `json:"utilization_up"`
	UtilizationDown string `json:"utilization_down"`
}

// getRisk reads live engine exposure, serialized onto the engine goroutine.
func (s *HTTPServer) getRisk(w http.ResponseWriter, r *http.Request) {
	var entries []riskEntry
	s.deps.Exec(func() {
		for _, asset := range s.deps.Risk.Assets() {
			entries = append(entries, riskEntry{
				Asset:           asset,
				Current:         s.deps.Risk.Current(asset).String(),
				Max:             s.deps.Risk.MaxRisk(asset).String(),
				CurrentUp:       s.deps.Risk.CurrentDirectional(asset, market.DirectionUp).String(),
				CurrentDown:     s.deps.Risk.CurrentDirectional(asset, market.DirectionDown).String(),
				MaxDirectional:  s.deps.Risk.MaxDirectionalRisk(asset, market.DirectionUp).String(),
				UtilizationUp:   s.deps.Risk.Utilization(asset, market.DirectionUp).String(),
				UtilizationDown: s.deps.Risk.Utilization(asset, market.DirectionDown).String(),
			})
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"risk": entries})
}

func (s *HTTPServer) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		s.queryError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- admin handlers ---
// Authorization lives in the engine: callers identify themselves by address
// and the engine rejects anyone outside the admin or resolver set.

type pauseRequest struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

func (s *HTTPServer) setPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.parseCaller(w, req.Caller)
	if !ok {
		return
	}

	var err error
	s.deps.Exec(func() {
		err = s.deps.Engine.SetPaused(caller, req.Paused)
	})
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

type manualResolveRequest struct {
	Caller      string   `json:"caller"`
	MarketID    string   `json:"market_id"`
	FinalPrices []string `json:"final_prices"`
}

func (s *HTTPServer) resolveManually(w http.ResponseWriter, r *http.Request) {
	var req manualResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.parseCaller(w, req.Caller)
	if !ok {
		return
	}
	id, err := uuid.Parse(req.MarketID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	if len(req.FinalPrices) == 0 {
		s.writeError(w, http.StatusBadRequest, "final_prices is required")
		return
	}
	prices := make([]*big.Int, len(req.FinalPrices))
	for i, p := range req.FinalPrices {
		v, ok := new(big.Int).SetString(p, 10)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "final_prices must be base-10 integers")
			return
		}
		prices[i] = v
	}

	var res *engine.ResolutionResult
	s.deps.Exec(func() {
		now := time.Now()
		res, err = s.deps.Engine.ResolveMarketManually(id, prices[0], caller, now)
		if errors.Is(err, engine.ErrMarketNotFound) {
			res, err = s.deps.Engine.ResolveChainedMarketManually(id, prices, caller, now)
		}
	})
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id":   res.MarketID.String(),
		"user_won":    res.IsUserWinner,
		"payout_paid": res.PayoutPaid.String(),
	})
}

type capitalRequest struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *HTTPServer) depositCapital(w http.ResponseWriter, r *http.Request) {
	s.capitalOp(w, r, func(caller, token common.Address, amount *big.Int, now time.Time) error {
		return s.deps.Engine.DepositCapital(caller, token, amount, now)
	})
}

func (s *HTTPServer) withdrawCapital(w http.ResponseWriter, r *http.Request) {
	s.capitalOp(w, r, func(caller, token common.Address, amount *big.Int, now time.Time) error {
		return s.deps.Engine.WithdrawCapital(caller, token, amount, now)
	})
}

func (s *HTTPServer) capitalOp(
	w http.ResponseWriter,
	r *http.Request,
	op func(caller, token common.Address, amount *big.Int, now time.Time) error,
) {
	var req capitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := s.parseCaller(w, req.Caller)
	if !ok {
		return
	}
	if !common.IsHexAddress(req.Token) {
		s.writeError(w, http.StatusBadRequest, "token is not a hex address")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive base-10 integer")
		return
	}

	var err error
	s.deps.Exec(func() {
		err = op(caller, common.HexToAddress(req.Token), amount, time.Now())
	})
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func (s *HTTPServer) parseCaller(w http.ResponseWriter, caller string) (common.Address, bool) {
	if !common.IsHexAddress(caller) {
		s.writeError(w, http.StatusBadRequest, "caller is not a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(caller), true
}

func (s *HTTPServer) engineError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, engine.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrMarketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrNotYetMaturable),
		errors.Is(err, engine.ErrPaused):
		status = http.StatusConflict
	}
	s.writeError(w, status, err.Error())
}

func (s *HTTPServer) queryError(w http.ResponseWriter, r *http.Request, err error) {
	if s.deps.Metrics != nil {
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, "500").Inc()
	}
	s.log.Error().Err(err).Msg("query failed")
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
