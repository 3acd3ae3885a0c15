package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/export"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/orchestrator"
	"calwatch/internal/store"
)

// Server provides the read-only HTTP API over the stored dataset, the
// calendar page used for snapshots and the metrics endpoint.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	exporter *export.Exporter
	metrics  http.Handler
	preview  string
	mux      *http.ServeMux
	page     *template.Template

	// In-memory cache for /api/events responses, keyed by window length,
	// so repeated page loads do not re-read every snapshot.
	eventsMu    sync.RWMutex
	eventsCache map[int]eventsCache
}

// Options wires the server to its collaborators. Metrics and PreviewPath
// are optional.
type Options struct {
	Store    *store.Store
	Exporter *export.Exporter
	Metrics  http.Handler
	// PreviewPath is the PNG served at /preview.png.
	PreviewPath string
}

//go:embed templates/calendar.html
var templates embed.FS

const eventsCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, opts Options) *Server {
	s := &Server{
		cfg:         cfg,
		store:       opts.Store,
		exporter:    opts.Exporter,
		metrics:     opts.Metrics,
		preview:     opts.PreviewPath,
		mux:         http.NewServeMux(),
		eventsCache: map[int]eventsCache{},
	}
	s.page = template.Must(template.New("calendar.html").Funcs(template.FuncMap{
		"name":       s.exporter.Name,
		"importance": importanceLabel,
	}).ParseFS(templates, "templates/calendar.html"))
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// empty credentials disable auth
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calwatch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("GET /api/platforms/{id}", s.handlePlatform)
	s.mux.HandleFunc("GET /calendar", s.handleCalendar)
	if s.preview != "" {
		s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := orchestrator.ReadStatus(s.store)
	if err != nil {
		appLog.Error("status read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      export.Calendar
	updatedAt time.Time
}

// handleEvents returns the calendar window of the current tier.
//
// GET /api/events?days=N
//   - days: window length from today, default calendar_days
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), s.exporter.CalendarDays())
	if days <= 0 || days > 366 {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 366")
		return
	}

	now := time.Now()
	s.eventsMu.RLock()
	ec, ok := s.eventsCache[days]
	s.eventsMu.RUnlock()
	if ok && now.Sub(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	resp := s.exporter.Calendar(days)

	s.eventsMu.Lock()
	s.eventsCache[days] = eventsCache{resp: resp, updatedAt: now}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	report, ok, err := s.store.LatestReport()
	if err != nil {
		appLog.Error("report read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no change report stored")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// platformResponse is the JSON response shape for /api/platforms/{id}.
type platformResponse struct {
	Platform string               `json:"platform"`
	Stats    export.PlatformStats `json:"stats"`
	Events   []model.Event        `json:"events"`
}

func (s *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	platforms, err := s.store.Platforms(store.TierCurrent)
	if err != nil {
		appLog.Error("platform list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list platforms")
		return
	}
	if !slices.Contains(platforms, id) {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	events := s.store.Load(store.TierCurrent, id)
	writeJSON(w, http.StatusOK, platformResponse{
		Platform: id,
		Stats:    s.exporter.PlatformStats(id),
		Events:   events,
	})
}

// calendarDay is one rendered day of the calendar page.
type calendarDay struct {
	Date   string
	Events []export.CalendarEvent
}

// handleCalendar renders the calendar window as HTML. The root element
// carries data-ready="true" once rendered, which snapshots wait for.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), s.exporter.CalendarDays())
	if days <= 0 || days > 366 {
		days = s.exporter.CalendarDays()
	}
	cal := s.exporter.Calendar(days)

	dates := make([]string, 0, len(cal.Days))
	for d := range cal.Days {
		dates = append(dates, d)
	}
	slices.Sort(dates)
	view := struct {
		Start, End string
		Days       []calendarDay
	}{Start: cal.StartDate, End: cal.EndDate}
	for _, d := range dates {
		view.Days = append(view.Days, calendarDay{Date: d, Events: cal.Days[d]})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, view); err != nil {
		appLog.Error("calendar page render failed", err)
	}
}

// handlePreview serves the last PNG snapshot from disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	// ServeFile answers 404 for a missing file
	http.ServeFile(w, r, s.preview)
}

func importanceLabel(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
