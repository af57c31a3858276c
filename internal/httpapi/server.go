package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"payline/gateway/internal/engine"
	"payline/gateway/internal/ledger"
	"payline/gateway/internal/stats"

	"github.com/google/uuid"
)

type Server struct {
	engine *engine.Engine
	stats  *stats.Aggregator
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(eng *engine.Engine, agg *stats.Aggregator, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		stats:  agg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/payments", s.createPayment)
	s.mux.HandleFunc("GET /orders/{orderID}/payments", s.listPayments)
	s.mux.HandleFunc("GET /payments/{paymentID}", s.getPayment)
	s.mux.HandleFunc("POST /payments/{paymentID}/refunds", s.createRefund)
	s.mux.HandleFunc("GET /refunds/{refundID}", s.getRefund)
	s.mux.HandleFunc("GET /stats", s.getStats)
}

// HandleFunc exposes the mux for extra routes (the websocket handler).
func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var spec engine.OrderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.engine.CreateOrder(r.Context(), merchant, spec)
	if err != nil {
		s.writeEngineError(w, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.engine.GetOrder(r.Context(), merchant, r.PathValue("orderID"))
	if err != nil {
		s.writeEngineError(w, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var inst ledger.Instrument
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.engine.CreatePayment(r.Context(), merchant, r.PathValue("orderID"), inst)
	if err != nil {
		s.writeEngineError(w, "create payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payments, err := s.engine.ListPayments(r.Context(), merchant, r.PathValue("orderID"))
	if err != nil {
		s.writeEngineError(w, "list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *Server) getPayment(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.engine.GetPayment(r.Context(), merchant, r.PathValue("paymentID"))
	if err != nil {
		s.writeEngineError(w, "get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) createRefund(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	refund, err := s.engine.CreateRefund(r.Context(), merchant, r.PathValue("paymentID"), req.Amount, req.Reason)
	if err != nil {
		s.writeEngineError(w, "create refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (s *Server) getRefund(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refund, err := s.engine.GetRefund(r.Context(), merchant, r.PathValue("refundID"))
	if err != nil {
		s.writeEngineError(w, "get refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	merchant, err := s.merchantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date")
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date")
		return
	}

	result, err := s.stats.GetStats(r.Context(), merchant, from, to)
	if err != nil {
		s.logger.Error("get stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) merchantID(r *http.Request) (string, error) {
	value := r.Header.Get("X-Merchant-ID")
	if value == "" {
		return "", errors.New("missing X-Merchant-ID header")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return "", errors.New("invalid X-Merchant-ID header")
	}
	return id.String(), nil
}

// writeEngineError maps the error taxonomy onto HTTP status codes:
// invalid input 400, instrument validation 422, not found 404,
// duplicate payment and status conflicts 409, everything else 500.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrValidationFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, "a payment is already processing for this order")
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
