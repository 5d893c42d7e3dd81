// Package server exposes the policy store, the enforcement point and the
// audit log over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/enforce"
	"github.com/skillgate/skillgate/internal/events"
	"github.com/skillgate/skillgate/internal/metrics"
	"github.com/skillgate/skillgate/internal/netpolicy"
	"github.com/skillgate/skillgate/pkg/types"
)

// App wires the HTTP surface together.
type App struct {
	store    *netpolicy.Store
	enforcer *enforce.Enforcer
	resolver *enforce.Resolver
	auditLog audit.Store
	broker   *events.Broker
	metrics  *metrics.Collector
	log      *slog.Logger

	// savePath, when set, persists the policy document after each write.
	savePath string
}

// Options configures an App. Store, Enforcer and AuditLog are required.
type Options struct {
	Store    *netpolicy.Store
	Enforcer *enforce.Enforcer
	Resolver *enforce.Resolver
	AuditLog audit.Store
	Broker   *events.Broker
	Metrics  *metrics.Collector
	Log      *slog.Logger
	SavePath string
}

// NewApp builds the HTTP application.
func NewApp(opts Options) *App {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &App{
		store:    opts.Store,
		enforcer: opts.Enforcer,
		resolver: opts.Resolver,
		auditLog: opts.AuditLog,
		broker:   opts.Broker,
		metrics:  opts.Metrics,
		log:      log,
		savePath: opts.SavePath,
	}
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.metrics != nil {
		opts := metrics.HandlerOptions{
			PolicyCount: func() int { return len(a.store.List()) },
		}
		if a.resolver != nil {
			opts.DNSCacheLen = a.resolver.CacheLen
			opts.DNSStats = a.resolver.CacheStats
		}
		if a.broker != nil {
			opts.DroppedCount = a.broker.DroppedCount
		}
		r.Get("/metrics", a.metrics.Handler(opts).ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/policies", a.listPolicies)
		r.Get("/policies/{id}", a.getPolicy)
		r.Get("/policies/{id}/effective", a.getEffectivePolicy)
		r.Put("/policies/{id}", a.putPolicy)
		r.Delete("/policies/{id}", a.deletePolicy)
		r.Post("/policies/{id}/preset", a.applyPreset)
		r.Get("/presets", a.listPresets)

		r.Post("/enforce", a.enforce)
		r.Post("/test", a.testPolicy)

		r.Get("/audit", a.queryAudit)
		r.Get("/audit/stats", a.auditStats)
		r.Get("/events", a.streamEvents)
	})

	return r
}

func (a *App) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.List())
}

func (a *App) getPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := a.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "policy not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) getEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := a.store.ResolveEffective(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "policy not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) putPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p netpolicy.NetworkPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	p.ExtensionID = id
	if err := a.store.Upsert(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.persist()
	stored, _ := a.store.Get(id)
	writeJSON(w, http.StatusOK, stored)
}

func (a *App) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.store.Delete(id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, netpolicy.ErrUnknownPolicy) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	a.persist()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) applyPreset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Preset string `json:"preset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Preset == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "preset name required"})
		return
	}
	if err := a.store.ApplyPreset(id, req.Preset); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, netpolicy.ErrUnknownPreset) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	a.persist()
	stored, _ := a.store.Get(id)
	writeJSON(w, http.StatusOK, stored)
}

func (a *App) listPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": netpolicy.PresetNames()})
}

type checkRequest struct {
	ExtensionID string `json:"extension_id"`
	URL         string `json:"url"`
	Method      string `json:"method"`
}

func (a *App) enforce(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheckRequest(w, r)
	if !ok {
		return
	}
	d := a.enforcer.Enforce(r.Context(), req.ExtensionID, req.URL, req.Method)
	writeJSON(w, http.StatusOK, d)
}

func (a *App) testPolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCheckRequest(w, r)
	if !ok {
		return
	}
	d := a.enforcer.Test(r.Context(), req.ExtensionID, req.URL)
	writeJSON(w, http.StatusOK, d)
}

func decodeCheckRequest(w http.ResponseWriter, r *http.Request) (checkRequest, bool) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return req, false
	}
	if req.ExtensionID == "" || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "extension_id and url are required"})
		return req, false
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return req, true
}

func (a *App) queryAudit(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	recs, err := a.auditLog.Query(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) auditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.auditLog.Stats(r.Context(), r.URL.Query().Get("extension_id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "events unavailable"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	extensionID := r.URL.Query().Get("extension_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(extensionID, 200)
	defer a.broker.Unsubscribe(extensionID, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case rec := <-ch:
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(rec); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (a *App) persist() {
	if a.savePath == "" {
		return
	}
	if err := a.store.SaveFile(a.savePath); err != nil {
		a.log.Error("persist policies failed", "path", a.savePath, "error", err)
	}
}

func parseAuditQuery(r *http.Request) (types.AuditQuery, error) {
	var q types.AuditQuery
	vals := r.URL.Query()

	q.ExtensionID = vals.Get("extension_id")
	q.URLLike = vals.Get("url_like")

	if s := vals.Get("allowed"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("bad allowed %q", s)
		}
		q.Allowed = &b
	}
	if s := vals.Get("since"); s != "" {
		ts, err := parseTimeParam(s)
		if err != nil {
			return q, fmt.Errorf("bad since %q", s)
		}
		q.Since = &ts
	}
	if s := vals.Get("until"); s != "" {
		ts, err := parseTimeParam(s)
		if err != nil {
			return q, fmt.Errorf("bad until %q", s)
		}
		q.Until = &ts
	}
	if s := vals.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("bad limit %q", s)
		}
		q.Limit = n
	}
	if s := vals.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("bad offset %q", s)
		}
		q.Offset = n
	}
	q.Asc = strings.EqualFold(vals.Get("order"), "asc")
	return q, nil
}

// parseTimeParam accepts RFC 3339 or unix milliseconds.
func parseTimeParam(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
