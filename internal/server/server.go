package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autoreply/internal/auth"
	"autoreply/internal/config"
	"autoreply/internal/events"
	"autoreply/internal/responder"
	"autoreply/internal/rules"
	"autoreply/internal/scheduler"
	"autoreply/internal/store"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = 0

type API struct {
	cfg       config.Config
	store     *store.Store
	rules     *rules.Service
	responder *responder.Service
	scheduler *scheduler.Scheduler
	hub       *events.Hub
	guard     *auth.Guard
	limiter   *auth.Limiter
	log       *zap.Logger
	started   time.Time
}

type Deps struct {
	Store     *store.Store
	Rules     *rules.Service
	Responder *responder.Service
	Scheduler *scheduler.Scheduler
	Hub       *events.Hub
	Guard     *auth.Guard
	Log       *zap.Logger
}

func New(cfg config.Config, d Deps) *API {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		cfg:       cfg,
		store:     d.Store,
		rules:     d.Rules,
		responder: d.Responder,
		scheduler: d.Scheduler,
		hub:       d.Hub,
		guard:     d.Guard,
		limiter:   auth.NewLimiter(cfg.RequestsPerMinute),
		log:       log,
		started:   time.Now(),
	}
}

func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)

	read := func(h http.HandlerFunc) http.Handler { return a.guard.Network(a.withJSON(h)) }
	write := func(h http.HandlerFunc) http.Handler { return a.guard.AdminOnly(a.withJSON(h)) }

	mux.Handle("/api/add_rule", write(a.handleAddRule))
	mux.Handle("/api/delete_rule", write(a.handleDeleteRule))
	mux.Handle("/api/list_rules", read(a.handleListRules))
	mux.Handle("/api/rules/", read(a.handleGetRules))
	mux.Handle("/api/process_comments", write(a.handleProcessComments))
	mux.Handle("/api/set_auto", write(a.handleSetAuto))
	mux.Handle("/api/set_dm", write(a.handleSetDM))
	mux.Handle("/api/post/", read(a.handleGetPost))
	mux.Handle("/api/posts", read(a.handleListPosts))
	mux.Handle("/api/default_response", byMethod(read(a.handleGetDefaultResponse), write(a.handleSetDefaultResponse)))
	mux.Handle("/api/replies", read(a.handleReplies))
	mux.Handle("/api/maintenance", write(a.handleMaintenance))
	mux.Handle("/api/status", read(a.handleStatus))
	if a.hub != nil {
		mux.Handle("/api/events", a.guard.AdminOnly(a.hub))
	}
	return a.withRequestID(a.withAccessLog(a.withRecover(a.limiter.Middleware(mux))))
}

// NewHTTPServer wires the API into an http.Server with the configured
// timeouts.
func NewHTTPServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      h,
		ReadTimeout:  time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}
}

func decodeJSON(r *http.Request, maxBody int64, out any) error {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (a *API) withJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

func (a *API) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack keeps websocket upgrades working behind the access log.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (a *API) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/health" {
			return
		}
		a.log.Info("http request",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int("bytes", sw.bytes),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (a *API) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				a.log.Error("http handler panic",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", v),
					zap.Stack("stack"))
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// respondJSON writes the success envelope merged with payload.
func respondJSON(w http.ResponseWriter, code int, payload map[string]any) {
	body := map[string]any{"status": "success"}
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": msg})
}

// respondErr maps service errors onto HTTP status codes. Anything that is
// not a caller error is logged and hidden behind a generic message.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case rules.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case rules.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case rules.IsConflict(err):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrCooldown):
		respondError(w, http.StatusConflict, err.Error())
	default:
		a.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// byMethod routes GET and POST of one path to handlers with different
// guards.
func byMethod(get, post http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get.ServeHTTP(w, r)
		case http.MethodPost:
			post.ServeHTTP(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}
