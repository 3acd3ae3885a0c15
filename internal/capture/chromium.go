// Package capture drives a headless Chromium through chromedp. It issues
// requests from inside a loaded page, for sources that only answer their own
// origin, and takes PNG snapshots of the served calendar page.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/source"
)

// Default snapshot parameters; they match the layout of the /calendar page.
const (
	DefaultWidth      = 1200
	DefaultHeight     = 1600
	DefaultTimeoutSec = 30
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// Options configures the browser process.
type Options struct {
	// ExecPath is the Chromium binary. Empty lets chromedp search for one.
	ExecPath string
	// Timeout bounds one page operation. If zero, DefaultTimeoutSec is used.
	Timeout time.Duration
}

// Browser is one headless Chromium process. Pages opened for FetchFromPage
// stay loaded and are reused for later requests against the same page URL.
type Browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	timeout       time.Duration

	mu    sync.Mutex
	pages map[string]*page
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
}

var _ source.PageFetcher = (*Browser)(nil)

// New starts Chromium. The process lives until Close or until parent is
// cancelled.
func New(parent context.Context, opts Options) (*Browser, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(userAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// an empty Run launches the process, so a missing binary fails here
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("capture: start browser: %w", err)
	}
	appLog.Info("headless browser started", "exec", opts.ExecPath)

	return &Browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeout:       opts.Timeout,
		pages:         make(map[string]*page),
	}, nil
}

// Close stops the browser and every open page.
func (b *Browser) Close() {
	b.mu.Lock()
	for _, p := range b.pages {
		p.cancel()
	}
	b.pages = map[string]*page{}
	b.mu.Unlock()
	b.browserCancel()
	b.allocCancel()
}

// FetchFromPage runs req with fetch() inside pageURL, so the site's cookies
// and origin apply, and returns the response text. Non-2xx responses are
// errors.
func (b *Browser) FetchFromPage(ctx context.Context, pageURL string, req source.PageRequest) (string, error) {
	p, err := b.open(ctx, pageURL, req.Headers)
	if err != nil {
		return "", err
	}
	script, err := fetchScript(req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(p.ctx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var out string
	err = chromedp.Run(runCtx, chromedp.Evaluate(script, &out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("capture: fetch %s from %s: %w", req.URL, pageURL, err)
	}
	return out, nil
}

// open returns the loaded page for pageURL, navigating on first use. A
// failed navigation is forgotten so the next call retries it.
func (b *Browser) open(ctx context.Context, pageURL string, headers map[string]string) (*page, error) {
	b.mu.Lock()
	p, ok := b.pages[pageURL]
	if !ok {
		tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
		p = &page{ctx: tabCtx, cancel: tabCancel, ready: make(chan struct{})}
		b.pages[pageURL] = p
		go b.navigate(p, pageURL, headers)
	}
	b.mu.Unlock()

	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.err != nil {
		b.mu.Lock()
		if b.pages[pageURL] == p {
			delete(b.pages, pageURL)
		}
		b.mu.Unlock()
		p.cancel()
		return nil, p.err
	}
	return p, nil
}

func (b *Browser) navigate(p *page, pageURL string, headers map[string]string) {
	defer close(p.ready)

	// the first Run creates the tab; it must see the tab context itself,
	// or the timeout below would close the tab when it fires
	if err := chromedp.Run(p.ctx); err != nil {
		p.err = fmt.Errorf("capture: open tab: %w", err)
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, b.timeout)
	defer cancel()

	extra := network.Headers{}
	if v, ok := headers["Accept-Language"]; ok {
		extra["Accept-Language"] = v
	}
	began := time.Now()
	err := chromedp.Run(ctx,
		network.Enable(),
		network.SetExtraHTTPHeaders(extra),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		p.err = fmt.Errorf("capture: open %s: %w", pageURL, err)
		return
	}
	appLog.Debug("browser page loaded", "url", pageURL, "elapsed", time.Since(began).Round(time.Millisecond).String())
}

// fetchScript returns a promise-valued expression performing req.
func fetchScript(req source.PageRequest) (string, error) {
	if req.URL == "" {
		return "", errors.New("capture: request url is empty")
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	init := map[string]any{
		"method":      method,
		"credentials": "include",
	}
	if len(req.Headers) > 0 {
		init["headers"] = req.Headers
	}
	if req.Body != "" {
		init["body"] = req.Body
	}
	u, err := json.Marshal(req.URL)
	if err != nil {
		return "", err
	}
	i, err := json.Marshal(init)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
  const r = await fetch(%s, %s);
  if (!r.ok) { throw new Error("HTTP " + r.status); }
  return await r.text();
})()`, u, i), nil
}

// SnapshotOptions defines one PNG capture.
type SnapshotOptions struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/calendar".
	URL string
	// OutputPath is where the PNG is written.
	OutputPath string
	// Width and Height are the viewport in pixels. Zero means the defaults.
	Width  int
	Height int
}

// Snapshot navigates to opts.URL, waits until the page marks itself ready
// with data-ready="true" and writes a full-page PNG to opts.OutputPath.
func (b *Browser) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	if opts.URL == "" {
		return errors.New("capture: URL is required")
	}
	if opts.OutputPath == "" {
		return errors.New("capture: OutputPath is required")
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()
	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("capture: open tab: %w", err)
	}
	runCtx, cancel := context.WithTimeout(tabCtx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var png []byte
	err := chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(`[data-ready="true"]`, chromedp.ByQuery),
		// final paints
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	)
	if err != nil {
		return fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	if err := config.WriteFileAtomic(opts.OutputPath, png, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	appLog.Info("snapshot written", "url", opts.URL, "path", opts.OutputPath, "bytes", len(png))
	return nil
}
