package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/model"
)

const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	maxBodySize = 32 << 20
)

// NewHTTPClient returns a client with bounded dial and handshake times.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// RetryPolicy controls Retry. Delays double from Initial up to Max; with
// Jitter each delay d becomes a random value in [d, 2d).
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Jitter   bool
}

func policyFor(cfg config.PlatformConfig) RetryPolicy {
	return RetryPolicy{Attempts: cfg.MaxRetries, Initial: cfg.Backoff, Max: cfg.MaxBackoff}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Retry runs fn until it succeeds, returns a Permanent error, the attempts
// are used up or ctx is done.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(1, p.Attempts)
	d := p.Initial
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := d
			if p.Jitter && d > 0 {
				wait = d + rand.N(d)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			if d < p.Max {
				d = min(d*2, p.Max)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// fetchBody sends req and returns the body of a 2xx response. 4xx responses
// other than 429 are permanent.
func fetchBody(client *http.Client, req *http.Request) ([]byte, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		serr := &StatusError{Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(serr)
		}
		return nil, serr
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// httpSource is the shared plumbing of the JSON/HTML platform adapters.
type httpSource struct {
	platform string
	cfg      config.PlatformConfig
	client   *http.Client
	retry    RetryPolicy
	loc      *time.Location
	now      func() time.Time
}

func newHTTPSource(cfg config.PlatformConfig, env Env) httpSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpSource{
		platform: cfg.ID,
		cfg:      cfg,
		client:   NewHTTPClient(timeout),
		retry:    policyFor(cfg),
		loc:      env.loc(),
		now:      env.now,
	}
}

func (h httpSource) Platform() string { return h.platform }

func (h httpSource) baseURL(def string) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	return def
}

// get retries build+send until a 2xx body arrives.
func (h httpSource) get(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := Retry(ctx, h.retry, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return Permanent(err)
		}
		b, err := fetchBody(h.client, req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// getJSON is get followed by a JSON decode into v. A body that does not
// decode counts as a failed attempt.
func (h httpSource) getJSON(ctx context.Context, build func(ctx context.Context) (*http.Request, error), v any) error {
	return Retry(ctx, h.retry, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return Permanent(err)
		}
		b, err := fetchBody(h.client, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("decode %s response: %w", h.platform, err)
		}
		return nil
	})
}

// newEvent starts an event of this platform with defaults filled.
func (h httpSource) newEvent(eventID, originalID, date string) model.Event {
	return model.NewEvent(h.platform, eventID, originalID, date, h.now(), h.loc)
}

// rawJSON re-encodes a source record for raw_data.
func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
