package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/config"
	"calwatch/internal/export"
	"calwatch/internal/model"
	"calwatch/internal/store"
)

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) (*httptest.Server, *store.Store) {
	t.Helper()
	now := time.Now()
	loc := time.Local
	today := model.FormatDate(model.Day(now, loc))
	tomorrow, err := model.AddDays(today, 1)
	require.NoError(t, err)

	st := store.New(t.TempDir())
	e1 := model.NewEvent("cls", "c1", "1", today, now, loc)
	e1.Title = "央行公开市场操作"
	e1.Importance = model.Importance(4)
	e2 := model.NewEvent("cls", "c2", "2", tomorrow, now, loc)
	e2.Title = "<script>alert(1)</script>"
	e2.IsNew = true
	require.NoError(t, st.SaveAll(map[string][]model.Event{"cls": {e1, e2}}, "first_run"))

	preview := filepath.Join(t.TempDir(), "calendar.png")
	require.NoError(t, os.WriteFile(preview, []byte("\x89PNG"), 0o644))

	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	x := export.New(st, t.TempDir(), export.WithCalendarDays(cfg.CalendarDays))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "calwatch_runs_total 1\n")
	})
	s := NewServer(cfg, Options{Store: st, Exporter: x, Metrics: metrics, PreviewPath: preview})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestAPI(t *testing.T) {
	srv, st := newTestServer(t, nil)

	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = get(t, srv.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		CurrentEvents int `json:"current_events"`
		NewEvents     int `json:"new_events"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, 2, status.CurrentEvents)
	assert.Equal(t, 1, status.NewEvents)

	resp, body = get(t, srv.URL+"/api/events?days=7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cal export.Calendar
	require.NoError(t, json.Unmarshal(body, &cal))
	assert.Len(t, cal.Days, 2)
	assert.Contains(t, string(body), "央行公开市场操作")

	resp, _ = get(t, srv.URL+"/api/events?days=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/report")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, st.SaveReport("2025-06-02", model.EmptyReport("2025-06-02", "2025-06-02T06:30:00+08:00")))
	resp, body = get(t, srv.URL+"/api/report")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"run_date":"2025-06-02"`)

	resp, body = get(t, srv.URL+"/api/platforms/cls")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p platformResponse
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "财联社", p.Stats.Name)
	assert.Len(t, p.Events, 2)

	resp, _ = get(t, srv.URL+"/api/platforms/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "calwatch_runs_total")

	resp, body = get(t, srv.URL+"/preview.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "\x89PNG", string(body))
}

func TestCalendarPage(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := get(t, srv.URL+"/calendar")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	html := string(body)
	assert.Contains(t, html, `data-ready="true"`)
	assert.Contains(t, html, "央行公开市场操作")
	assert.Contains(t, html, "财联社")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.NotContains(t, html, "<script>alert")
}

func TestBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "s3cret"})

	resp, _ := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/status")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r2.StatusCode)

	req.SetBasicAuth("admin", "s3cret")
	r3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r3.Body.Close()
	assert.Equal(t, http.StatusOK, r3.StatusCode)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
