// Package server is the HTTP presentation shell over one escrow coordinator.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowdesk/internal/config"
	"escrowdesk/internal/escrow"
	"escrowdesk/internal/events"
	"escrowdesk/internal/hmacauth"
	"escrowdesk/internal/idempotency"
	"escrowdesk/internal/idgen"
	"escrowdesk/internal/ledger"
	"escrowdesk/internal/model"
)

const idempotencyHeader = "X-Idempotency-Key"

// Deps are the collaborators the shell is built on. Ledger and Events are
// only consulted for health reporting.
type Deps struct {
	Coordinator *escrow.Coordinator
	Store       idempotency.Store
	Ledger      ledger.Gateway
	Events      events.Publisher
	Logger      *slog.Logger
}

type Server struct {
	cfg        *config.AppConfig
	coord      *escrow.Coordinator
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *slog.Logger
	now        func() time.Time

	rpcHealthFn    func(context.Context) error
	dbHealthFn     func(context.Context) error
	eventsHealthFn func(context.Context) error
}

type pinger interface {
	Ping(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		coord: deps.Coordinator,
		store: deps.Store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: newMetricsRegistry(),
		log:     logger,
		now:     time.Now,
	}

	if checker, ok := deps.Store.(pinger); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Ledger.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if checker, ok := deps.Events.(pinger); ok {
		s.eventsHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	signed := s.hmac.Middleware

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.HandleFunc("GET /api/v1/escrows", s.handleListEscrows)
	mux.HandleFunc("POST /api/v1/escrows/refresh", s.handleRefresh)
	mux.Handle("POST /api/v1/escrows", signed(http.HandlerFunc(s.handleCreate)))
	mux.Handle("POST /api/v1/escrows/{id}/approve", signed(http.HandlerFunc(s.handleApprove)))
	mux.Handle("POST /api/v1/approvals", signed(http.HandlerFunc(s.handleApproveBatch)))
	mux.HandleFunc("GET /api/v1/actions", s.handleListActions)
	mux.HandleFunc("GET /api/v1/actions/{id}", s.handleGetAction)
	mux.HandleFunc("DELETE /api/v1/actions/{id}", s.handleAcknowledge)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return s.requestIDMiddleware(mux)
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.coord.Session(r.Context())
	if err != nil {
		s.log.Warn("session balance read failed", "err", err)
		writeJSON(w, http.StatusBadGateway, struct {
			escrow.SessionInfo
			Error string `json:"error"`
		}{info, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type listsResponse struct {
	Mine         []model.Agreement `json:"mine"`
	ToApprove    []model.Agreement `json:"toApprove"`
	WrongNetwork bool              `json:"wrongNetwork"`
	RefreshedAt  *time.Time        `json:"refreshedAt,omitempty"`
}

func (s *Server) lists() listsResponse {
	resp := listsResponse{
		Mine:         s.coord.Mine(),
		ToApprove:    s.coord.ToApprove(),
		WrongNetwork: s.coord.WrongNetwork(),
	}
	if at := s.coord.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}
	return resp
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lists())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.coord.RefreshLists(r.Context())
	switch {
	case err == nil:
		s.metrics.incRefresh("ok")
		writeJSON(w, http.StatusOK, s.lists())
	case errors.Is(err, escrow.ErrWrongNetwork):
		s.metrics.incRefresh("wrong_network")
		writeJSON(w, http.StatusConflict, s.lists())
	default:
		s.metrics.incRefresh("failed")
		s.log.Warn("list refresh failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, model.ActionCreate, func(ctx context.Context, body []byte) (int, any, string) {
		var req escrow.CreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody("invalid json payload"), "validation"
		}
		res := s.coord.CreateAgreement(ctx, req)
		return statusFor(res, http.StatusCreated), res, outcome(res)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.idempotent(w, r, model.ActionApprove, func(ctx context.Context, _ []byte) (int, any, string) {
		res := s.coord.ApproveBatch(ctx, []string{id})[0]
		return statusFor(res, http.StatusOK), res, outcome(res)
	})
}

type approvalsRequest struct {
	IDs []string `json:"ids"`
}

type approvalsResponse struct {
	Results []escrow.Result `json:"results"`
}

// handleApproveBatch answers 200 when every approval succeeded and 207
// otherwise; callers inspect the per-id results.
func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, model.ActionApprove, func(ctx context.Context, body []byte) (int, any, string) {
		var req approvalsRequest
		if err := json.Unmarshal(body, &req); err != nil || len(req.IDs) == 0 {
			return http.StatusBadRequest, errorBody("ids must be a non-empty list"), "validation"
		}
		results := s.coord.ApproveBatch(ctx, req.IDs)
		status, result := http.StatusOK, "ok"
		for _, res := range results {
			if !res.OK {
				status, result = http.StatusMultiStatus, "partial"
				break
			}
		}
		return status, approvalsResponse{Results: results}, result
	})
}

type handlerFunc func(ctx context.Context, body []byte) (status int, payload any, result string)

// idempotent replays a stored response when the key was seen with the same
// body and otherwise runs fn and records its response. Server-side failures
// and busy refusals are not recorded so the client can retry them.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, kind model.ActionKind, fn handlerFunc) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing "+idempotencyHeader+" header")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ctx := r.Context()
	route := r.Method + " " + r.URL.Path
	fingerprint := idempotency.Fingerprint(route, body)

	existing, err := idempotency.Lookup(ctx, s.store, key, fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.Warn("idempotency lookup failed", "key", key, "err", err)
	case existing != nil:
		s.metrics.incReplay()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		return
	}

	status, payload, result := fn(ctx, body)
	s.metrics.incAction(kind, result)
	s.metrics.setPending(s.coord.Pending())

	b, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}

	if status < http.StatusInternalServerError && result != string(escrow.ReasonBusy) {
		now := s.now()
		record := idempotency.Record{
			Fingerprint: fingerprint,
			ActionID:    actionIDOf(payload),
			StatusCode:  status,
			Response:    b,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Warn("idempotency save failed", "key", key, "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := s.coord.Pending()
	s.metrics.setPending(actions)
	writeJSON(w, http.StatusOK, struct {
		Actions []model.PendingAction `json:"actions"`
	}{actions})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, ok := s.coord.Action(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, escrow.ErrUnknownAction.Error())
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	err := s.coord.Acknowledge(r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, escrow.ErrUnknownAction):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrActionNotTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) probe(ctx context.Context, fn func(context.Context) error) dependencyHealth {
	if fn == nil {
		return dependencyHealth{Connected: true}
	}
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(probeCtx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rpc := s.probe(ctx, s.rpcHealthFn)
	db := s.probe(ctx, s.dbHealthFn)
	ev := s.probe(ctx, s.eventsHealthFn)
	pending := s.metrics.setPending(s.coord.Pending())
	wrongNetwork := s.coord.WrongNetwork()

	healthy := rpc.Connected && db.Connected && ev.Connected
	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status         string           `json:"status"`
		RPC            dependencyHealth `json:"rpc"`
		Database       dependencyHealth `json:"database"`
		Events         dependencyHealth `json:"events"`
		WrongNetwork   bool             `json:"wrong_network"`
		PendingActions int              `json:"pending_actions"`
	}{
		Status:         status,
		RPC:            rpc,
		Database:       db,
		Events:         ev,
		WrongNetwork:   wrongNetwork,
		PendingActions: pending,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// statusFor maps a Result onto an HTTP status.
func statusFor(res escrow.Result, success int) int {
	if res.OK {
		return success
	}
	switch res.Reason {
	case escrow.ReasonValidation:
		return http.StatusBadRequest
	case escrow.ReasonWrongNetwork, escrow.ReasonBusy:
		return http.StatusConflict
	case escrow.ReasonNotArbiter:
		return http.StatusForbidden
	case escrow.ReasonRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func outcome(res escrow.Result) string {
	if res.OK {
		return "ok"
	}
	return string(res.Reason)
}

func actionIDOf(payload any) string {
	if res, ok := payload.(escrow.Result); ok {
		return res.ActionID
	}
	return ""
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = idgen.NewRequestID()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}
