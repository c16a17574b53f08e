package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tenuto.io/safety/internal/batch"
	"tenuto.io/safety/internal/cascade"
	"tenuto.io/safety/internal/obs"
	"tenuto.io/safety/internal/security"
)

// ReadyProbe checks service readiness (e.g. audit sink database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the safety engine.
type API struct {
	mux          *http.ServeMux
	engine       *security.Engine
	client       *cascade.Client
	orchestrator *batch.Orchestrator
	stream       *batch.Stream
	readyProbe   ReadyProbe
	version      string
	maxBody      int64
	ratePerSec   int
	rateBurst    int
}

// Option configures the API.
type Option func(*API)

// WithReadyProbe installs a readiness check.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithRateLimit tunes the per-client token bucket.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New wires the HTTP surface over the engine, cascade client and batch
// orchestrator.
func New(engine *security.Engine, client *cascade.Client, orchestrator *batch.Orchestrator, stream *batch.Stream, version string, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		engine:       engine,
		client:       client,
		orchestrator: orchestrator,
		stream:       stream,
		version:      version,
		maxBody:      1 << 20,
		ratePerSec:   20,
		rateBurst:    40,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/deletions/authorize", a.handleAuthorize)
	a.mux.HandleFunc("/v1/deletions/preview", a.handlePreview)
	a.mux.HandleFunc("/v1/deletions/execute", a.handleExecute)
	a.mux.HandleFunc("/v1/deletions/batch", a.handleBatch)
	a.mux.HandleFunc("/v1/operations/active", a.handleActive)
	a.mux.HandleFunc("/v1/operations/history", a.handleHistory)
	a.mux.HandleFunc("/v1/operations/", a.handleOperationResource)
	a.mux.HandleFunc("/v1/limits", a.handleLimits)
	a.mux.HandleFunc("/v1/security/status", a.handleSecurityStatus)
	a.mux.HandleFunc("/v1/security/flag/clear", a.handleClearFlag)
	a.mux.HandleFunc("/v1/security/verification/initiate", a.handleVerificationInitiate)
	a.mux.HandleFunc("/v1/security/verification/complete", a.handleVerificationComplete)
	a.mux.HandleFunc("/v1/batches/events", a.BatchEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "safetyd",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "safetyd",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
