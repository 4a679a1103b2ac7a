// Package server exposes the turn orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/Chative-Shopping-Assistant/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/Chative-Shopping-Assistant/agent/contract"
	statex "github.com/tanpawarit/Chative-Shopping-Assistant/agent/state"
)

const maxBodyBytes = 64 << 10

type Config struct {
	Addr            string        `split_words:"true" default:":8080"`
	ReadTimeout     time.Duration `split_words:"true" default:"30s"`
	WriteTimeout    time.Duration `split_words:"true" default:"120s"`
	IdleTimeout     time.Duration `split_words:"true" default:"120s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
}

// TurnService is the orchestrator surface the HTTP layer needs.
type TurnService interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Outcome, error)
	Resume(ctx context.Context, sessionID string, decision orchestrator.Decision) (orchestrator.Outcome, error)
	Retry(ctx context.Context, sessionID string) (orchestrator.Outcome, error)
	Session(ctx context.Context, sessionID string) (*statex.Session, error)
}

type Handler struct {
	svc TurnService
}

func NewHandler(svc TurnService) *Handler {
	return &Handler{svc: svc}
}

// NewRouter wires the session routes behind the common middleware stack.
func NewRouter(svc TurnService) http.Handler {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/messages", h.postMessage)
		r.Post("/decision", h.postDecision)
		r.Post("/retry", h.postRetry)
	})
}

type messageRequest struct {
	Text string `json:"text"`
}

type sessionResponse struct {
	SessionID string                  `json:"session_id"`
	UserID    string                  `json:"user_id"`
	Messages  []statex.Message        `json:"messages"`
	Pending   *statex.PendingDecision `json:"pending,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.HandleMessage(r.Context(), chi.URLParam(r, "sessionID"), req.Text)
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) postDecision(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Decision
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.Resume(r.Context(), chi.URLParam(r, "sessionID"), req)
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) postRetry(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Retry(r.Context(), chi.URLParam(r, "sessionID"))
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs := st.Messages
	if msgs == nil {
		msgs = []statex.Message{}
	}
	JSON(w, http.StatusOK, sessionResponse{
		SessionID: st.SessionID,
		UserID:    st.UserID,
		Messages:  msgs,
		Pending:   st.Pending,
		UpdatedAt: st.UpdatedAt,
	})
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out orchestrator.Outcome, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// StatusFor maps orchestrator errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSession),
		errors.Is(err, orchestrator.ErrInvalidMessage),
		errors.Is(err, contractx.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, statex.ErrStateNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, orchestrator.ErrDecisionPending),
		errors.Is(err, orchestrator.ErrNoPendingDecision),
		errors.Is(err, orchestrator.ErrNothingToRetry),
		errors.Is(err, orchestrator.ErrTurnIncomplete):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("session_id", chi.URLParam(r, "sessionID")).
			Msg("request failed")
		if status == http.StatusServiceUnavailable {
			Error(w, status, "the assistant is temporarily unavailable, retry the turn later")
			return
		}
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// Run serves handler until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
