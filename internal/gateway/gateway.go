// Package gateway exposes the conversation engine over HTTP and streams bus
// events to WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/convmem/internal/bus"
	"github.com/basket/convmem/internal/config"
	"github.com/basket/convmem/internal/engine"
	"github.com/basket/convmem/internal/jobs"
	"github.com/basket/convmem/internal/llm"
	"github.com/basket/convmem/internal/memory"
	"github.com/basket/convmem/internal/persistence"
	"github.com/basket/convmem/internal/shared"
)

// Conversations is the engine surface the gateway drives.
type Conversations interface {
	HandleTurn(ctx context.Context, key, text string) (engine.TurnResult, error)
	Snapshot(ctx context.Context, key string) (memory.State, memory.Stats, error)
	Clear(ctx context.Context, key string) error
	Mode() engine.Mode
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueCounter reports job queue depth for /healthz.
type QueueCounter interface {
	QueueCounts(ctx context.Context) (persistence.QueueCounts, error)
}

// JobReader looks up queued summarization jobs and their audit trail.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*persistence.Job, error)
	ListJobEvents(ctx context.Context, jobID string) ([]persistence.JobEvent, error)
}

type Config struct {
	Engine Conversations
	// Dispatcher backs the operator summarize endpoint in deferred mode.
	Dispatcher engine.Dispatcher
	Bus        *bus.Bus
	Store      Pinger
	Queue      QueueCounter
	// Jobs backs GET /v1/jobs/{id}. Nil disables the route.
	Jobs JobReader
	// Fingerprint returns the hash of the active config. It is a func so hot
	// reloads show up without rebuilding the server.
	Fingerprint func() string
	Version     string

	CORS            config.CORSConfig
	RateLimit       config.RateLimitConfig
	MaxRequestBytes int64

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	turns   *bodyValidator
	limiter *RateLimitMiddleware
	logger  *slog.Logger
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type memoryResponse struct {
	SessionKey string       `json:"session_key"`
	State      memory.State `json:"state"`
	Stats      memory.Stats `json:"stats"`
}

type jobResponse struct {
	Job    *persistence.Job       `json:"job"`
	Events []persistence.JobEvent `json:"events"`
}

type summarizeResponse struct {
	Job        jobs.JobHandle `json:"job"`
	Dispatched bool           `json:"dispatched"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	turns, err := newBodyValidator("turn.json", turnRequestSchema)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		turns:   turns,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		logger:  logger,
	}, nil
}

// StartEviction drops idle per-session rate limiters until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// Handler returns the routed handler wrapped in CORS, the body size limit and
// the rate limiter, in that order.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/sessions/{key}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{key}/memory", s.handleMemory)
	mux.HandleFunc("DELETE /v1/sessions/{key}", s.handleClear)
	mux.HandleFunc("POST /v1/sessions/{key}/summarize", s.handleSummarize)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.cfg.Jobs != nil {
		mux.HandleFunc("GET /v1/jobs/{id}", s.handleJob)
	}

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"mode":    string(s.cfg.Engine.Mode()),
		"version": s.cfg.Version,
	}
	if s.cfg.Fingerprint != nil {
		payload["config_fingerprint"] = s.cfg.Fingerprint()
	}
	if s.cfg.Queue != nil {
		if counts, err := s.cfg.Queue.QueueCounts(ctx); err == nil {
			payload["queue"] = counts
		} else {
			s.logger.Warn("healthz: queue counts failed", "error", err)
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	doc, err := s.turns.decode(r.Body)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text, _ := doc.(map[string]any)["text"].(string)

	ctx := r.Context()
	if id := r.Header.Get("X-Trace-Id"); id != "" {
		ctx = shared.WithTraceID(ctx, id)
	}
	res, err := s.cfg.Engine.HandleTurn(ctx, key, text)
	if err != nil {
		s.writeEngineError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	st, stats, err := s.cfg.Engine.Snapshot(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, key, err)
		return
	}
	if st.Messages == nil {
		st.Messages = []memory.Message{}
	}
	writeJSON(w, http.StatusOK, memoryResponse{SessionKey: key, State: st, Stats: stats})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.cfg.Engine.Clear(r.Context(), key); err != nil {
		s.writeEngineError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.cfg.Engine.Mode() != engine.ModeDeferred || s.cfg.Dispatcher == nil {
		writeError(w, http.StatusConflict, "wrong_mode", "summarize is only available in deferred mode")
		return
	}
	handle, dispatched, err := s.cfg.Dispatcher.Dispatch(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, key, err)
		return
	}
	s.logger.Info("operator summarize", "session_key", key, "job_id", handle.ID, "dispatched", dispatched)
	writeJSON(w, http.StatusAccepted, summarizeResponse{Job: handle, Dispatched: dispatched})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, persistence.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job "+id+" not found")
		return
	}
	if err != nil {
		s.logger.Error("job lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	events, err := s.cfg.Jobs.ListJobEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("job events lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if events == nil {
		events = []persistence.JobEvent{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Events: events})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, key string, err error) {
	var infErr *llm.InferenceError
	switch {
	case errors.Is(err, memory.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, memory.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "session_busy", err.Error())
		return
	case errors.As(err, &infErr):
		if infErr.Transient {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "inference_unavailable", err.Error())
		} else {
			writeError(w, http.StatusBadGateway, "inference_failed", err.Error())
		}
		s.logger.Warn("inference failed", "session_key", key, "class", string(infErr.Class), "error", err)
		return
	}
	s.logger.Error("request failed", "session_key", key, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
