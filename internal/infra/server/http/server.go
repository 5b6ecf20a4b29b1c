// Package httpserver exposes the strategy control surface over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/control"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/numeric"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Controller is the strategy control surface served over HTTP.
type Controller interface {
	Types() []strategy.Metadata
	CreateStrategy(ctx context.Context, req control.CreateRequest) (schema.Strategy, error)
	GetStrategy(ctx context.Context, id string) (schema.Strategy, error)
	ListStrategies(ctx context.Context, query strategystore.StrategyQuery) ([]schema.Strategy, error)
	StartStrategy(ctx context.Context, id string) (schema.Strategy, error)
	StopStrategy(ctx context.Context, id string) (schema.Strategy, error)
	ArchiveStrategy(ctx context.Context, id string) (schema.Strategy, error)
	RunOnce(ctx context.Context, id string) (schema.StrategyExecution, error)
	ListExecutions(ctx context.Context, id string, limit int) ([]schema.StrategyExecution, error)
	GetOrder(ctx context.Context, id string) (schema.Order, error)
	ListOrders(ctx context.Context, id string, statuses []schema.OrderStatus, limit int) ([]schema.Order, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error)
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error)
	Portfolio(ctx context.Context, accountID string) (control.Portfolio, error)
}

var _ Controller = (*control.Service)(nil)

type httpServer struct {
	control Controller
	logger  *zap.Logger
}

type amountPayload struct {
	Amount string `json:"amount"`
}

// NewHandler builds the HTTP handler for the control surface.
func NewHandler(ctrl Controller, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &httpServer{control: ctrl, logger: logger}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /strategy-types", s.listTypes)

	mux.HandleFunc("POST /strategies", s.createStrategy)
	mux.HandleFunc("GET /strategies", s.listStrategies)
	mux.HandleFunc("GET /strategies/{id}", s.getStrategy)
	mux.HandleFunc("POST /strategies/{id}/run-once", s.runOnce)
	mux.HandleFunc("POST /strategies/{id}/start", s.lifecycle(ctrl.StartStrategy))
	mux.HandleFunc("POST /strategies/{id}/stop", s.lifecycle(ctrl.StopStrategy))
	mux.HandleFunc("POST /strategies/{id}/archive", s.lifecycle(ctrl.ArchiveStrategy))
	mux.HandleFunc("GET /strategies/{id}/executions", s.listExecutions)
	mux.HandleFunc("GET /strategies/{id}/orders", s.listOrders)

	mux.HandleFunc("GET /orders/{id}", s.getOrder)

	mux.HandleFunc("POST /accounts/{id}/deposit", s.moveFunds(ctrl.Deposit))
	mux.HandleFunc("POST /accounts/{id}/withdraw", s.moveFunds(ctrl.Withdraw))
	mux.HandleFunc("GET /accounts/{id}/portfolio", s.portfolio)

	return withCORS(s.withAccessLog(s.withRouteErrors(mux)))
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Run-once requests execute a whole strategy tick.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) listTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.control.Types()})
}

func (s *httpServer) createStrategy(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req control.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	st, err := s.control.CreateStrategy(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *httpServer) listStrategies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strategystore.StrategyQuery{
		Status: schema.StrategyStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	if raw := q.Get("includeArchived"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "includeArchived must be a boolean")
			return
		}
		query.IncludeArchived = include
	}
	list, err := s.control.ListStrategies(r.Context(), query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
}

func (s *httpServer) getStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.control.GetStrategy(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *httpServer) runOnce(w http.ResponseWriter, r *http.Request) {
	exec, err := s.control.RunOnce(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *httpServer) lifecycle(fn func(context.Context, string) (schema.Strategy, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := fn(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *httpServer) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.control.ListExecutions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var statuses []schema.OrderStatus
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		if trimmed := strings.ToUpper(strings.TrimSpace(raw)); trimmed != "" {
			statuses = append(statuses, schema.OrderStatus(trimmed))
		}
	}
	list, err := s.control.ListOrders(r.Context(), r.PathValue("id"), statuses, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.control.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *httpServer) moveFunds(fn func(context.Context, string, decimal.Decimal) (schema.Wallet, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limitRequestBody(w, r)
		var payload amountPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		amount, ok := numeric.Parse(payload.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "amount must be a decimal string")
			return
		}
		wallet, err := fn(r.Context(), r.PathValue("id"), amount)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}

func (s *httpServer) portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.control.Portfolio(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

// StatusFor maps an error envelope code onto an HTTP status.
func StatusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeInsufficientBalance, errs.CodeInsufficientQuantity:
		return http.StatusUnprocessableEntity
	case errs.CodeAlreadyExists, errs.CodeAlreadyScheduled, errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeExternalProvider:
		return http.StatusBadGateway
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]any {
	body := map[string]any{"status": "error", "error": err.Error()}
	var e *errs.E
	if errors.As(err, &e) {
		body["code"] = e.Code
		if e.Message != "" {
			body["error"] = e.Message
		}
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	}
	return body
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("control request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			body["error"] = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// withRouteErrors answers unmatched paths and methods with the JSON error
// envelope instead of the mux's plain-text bodies.
func (s *httpServer) withRouteErrors(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		fallback := &discardRecorder{header: make(http.Header), status: http.StatusNotFound}
		mux.ServeHTTP(fallback, r)
		if fallback.status == http.StatusMethodNotAllowed {
			allow := fallback.header.Get("Allow")
			w.Header().Set("Allow", allow)
			writeJSON(w, http.StatusMethodNotAllowed, errorBody(errs.Validation("http", "method not allowed",
				errs.WithDetail("method", r.Method),
				errs.WithDetail("allow", allow))))
			return
		}
		writeJSON(w, http.StatusNotFound, errorBody(errs.NotFound("http", "route", r.URL.Path)))
	})
}

// discardRecorder captures the status and headers of a fallback handler.
type discardRecorder struct {
	header http.Header
	status int
}

func (d *discardRecorder) Header() http.Header { return d.header }

func (d *discardRecorder) Write(p []byte) (int, error) { return len(p), nil }

func (d *discardRecorder) WriteHeader(status int) { d.status = status }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *httpServer) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
