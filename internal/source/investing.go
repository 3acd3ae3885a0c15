package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
	"calwatch/internal/worker"
)

const (
	investingURL  = "https://cn.investing.com/economic-calendar/Service/getCalendarFilteredData"
	investingPage = "https://cn.investing.com/economic-calendar/"
)

var investingCountries = []int{37, 46, 6, 110, 14, 48, 32, 17, 10, 36, 43, 35, 72, 22, 41, 25, 12, 5, 4, 26, 178, 11, 39, 42}

// investing reads the 英为财情 economic calendar one day at a time, with the
// days spread over a small worker pool.
type investing struct {
	httpSource
	browser   PageFetcher
	countries []int
	workers   int
	// each request waits a random delay in [delayMin, delayMax) first
	delayMin, delayMax time.Duration
	dayRetry           RetryPolicy
}

func newInvesting(cfg config.PlatformConfig, env Env) (Adapter, error) {
	inv := &investing{
		httpSource: newHTTPSource(cfg, env),
		countries:  investingCountries,
		workers:    max(1, cfg.Concurrency),
		delayMin:   200 * time.Millisecond,
		delayMax:   800 * time.Millisecond,
		dayRetry:   RetryPolicy{Attempts: cfg.MaxRetries, Initial: time.Second, Max: time.Second, Jitter: true},
	}
	if len(cfg.Countries) > 0 {
		inv.countries = cfg.Countries
	}
	if cfg.Transport == "browser" {
		if env.Browser == nil {
			return nil, fmt.Errorf("investing: browser transport configured but no browser available")
		}
		inv.browser = env.Browser
	}
	return inv, nil
}

func (v *investing) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	dates := days(start, end)
	pool, err := worker.New("investing", v.workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release(5 * time.Second)

	var (
		mu     sync.Mutex
		byDay  = make(map[string][]model.Event, len(dates))
		failed int
	)
	g := pool.Group()
	for _, d := range dates {
		g.Go(ctx, func(ctx context.Context) error {
			events, err := v.day(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				appLog.Debug("investing day failed", "date", d, "err", err)
				return nil
			}
			byDay[d] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(dates) > 0 && failed == len(dates) {
		return nil, fmt.Errorf("all %d days failed", failed)
	}
	if failed > 0 {
		appLog.Warn("investing days failed", "failed", failed, "days", len(dates))
	}

	var out []model.Event
	for _, d := range dates {
		out = append(out, byDay[d]...)
	}
	return out, nil
}

// day fetches and parses one calendar day.
func (v *investing) day(ctx context.Context, date string) ([]model.Event, error) {
	var events []model.Event
	err := Retry(ctx, v.dayRetry, func(ctx context.Context) error {
		if err := v.pause(ctx); err != nil {
			return err
		}
		body, err := v.fetch(ctx, date)
		if err != nil {
			return err
		}
		events, err = v.parse(body, date)
		return err
	})
	return events, err
}

func (v *investing) pause(ctx context.Context) error {
	if v.delayMax <= v.delayMin {
		return ctx.Err()
	}
	d := v.delayMin + rand.N(v.delayMax-v.delayMin)
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *investing) form(date string) string {
	var b strings.Builder
	for _, c := range v.countries {
		b.WriteString(url.QueryEscape("country[]"))
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(c))
		b.WriteByte('&')
	}
	q := url.Values{}
	q.Set("dateFrom", date)
	q.Set("dateTo", date)
	q.Set("timeZone", "28")
	q.Set("timeFilter", "timeRemain")
	q.Set("currentTab", "custom")
	q.Set("limit_from", "0")
	b.WriteString(q.Encode())
	return b.String()
}

var investingHeaders = map[string]string{
	"Content-Type":     "application/x-www-form-urlencoded",
	"Accept":           "*/*",
	"X-Requested-With": "XMLHttpRequest",
	"Origin":           "https://cn.investing.com",
	"Referer":          investingPage,
	"Accept-Language":  "zh-CN,zh;q=0.9",
}

func (v *investing) fetch(ctx context.Context, date string) ([]byte, error) {
	body := v.form(date)
	target := v.baseURL(investingURL)

	if v.browser != nil {
		text, err := v.browser.FetchFromPage(ctx, investingPage, PageRequest{
			Method:  http.MethodPost,
			URL:     target,
			Headers: investingHeaders,
			Body:    body,
		})
		return []byte(text), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}
	for k, val := range investingHeaders {
		req.Header.Set(k, val)
	}
	return fetchBody(v.client, req)
}

// parse turns a calendar response into the events dated date. The body is
// either the HTML rows or a JSON object carrying them in "data".
func (v *investing) parse(body []byte, date string) ([]model.Event, error) {
	fragment := strings.TrimSpace(string(body))
	if strings.HasPrefix(fragment, "{") {
		var wrapped struct {
			Data *string `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode investing response: %w", err)
		}
		if wrapped.Data == nil {
			return nil, nil
		}
		fragment = *wrapped.Data
	}
	if !strings.Contains(fragment, "js-event-item") && !strings.Contains(fragment, "eventRowId_") {
		return nil, nil
	}

	rows, err := investingRows(fragment)
	if err != nil {
		return nil, err
	}

	var out []model.Event
	for _, r := range rows {
		if r.Name == "" {
			continue
		}
		d, _, _ := strings.Cut(r.Datetime, " ")
		d = strings.ReplaceAll(d, "/", "-")
		if d != date {
			continue
		}
		out = append(out, v.toEvent(d, r))
	}
	return out, nil
}

func (v *investing) toEvent(date string, r investingRow) model.Event {
	e := v.newEvent(fmt.Sprintf("inv_%s_%s", r.AttrID, model.Digits(r.Datetime)), r.RowID, date)
	e.EventTime = r.Time
	e.EventDatetime = r.Datetime
	e.Title = r.Name
	var parts []string
	if r.Actual != "" {
		parts = append(parts, "实际值: "+r.Actual)
	}
	if r.Forecast != "" {
		parts = append(parts, "预测值: "+r.Forecast)
	}
	if r.Previous != "" {
		parts = append(parts, "前值: "+r.Previous)
	}
	e.Content = strings.Join(parts, " | ")
	e.Importance = model.Importance(r.Importance)
	e.Country = r.Country
	e.RawData = rawJSON(r)
	return e
}

func (v *investing) DedupKey(e model.Event) string { return e.EventID }

type investingRow struct {
	RowID      string `json:"event_id"`
	AttrID     string `json:"event_attr_id"`
	Datetime   string `json:"datetime"`
	Time       string `json:"time,omitempty"`
	Country    string `json:"country,omitempty"`
	Importance int    `json:"importance"`
	Name       string `json:"event_name"`
	Actual     string `json:"actual,omitempty"`
	Forecast   string `json:"forecast,omitempty"`
	Previous   string `json:"previous,omitempty"`
}

// investingRows extracts the event rows of a calendar table fragment.
func investingRows(fragment string) ([]investingRow, error) {
	var nodes []*html.Node
	if strings.Contains(fragment, "<table") {
		doc, err := html.Parse(strings.NewReader(fragment))
		if err != nil {
			return nil, fmt.Errorf("parse investing html: %w", err)
		}
		nodes = []*html.Node{doc}
	} else {
		// bare <tr> rows only survive parsing inside a table body
		ctxNode := &html.Node{Type: html.ElementNode, Data: "tbody", DataAtom: atom.Tbody}
		ns, err := html.ParseFragment(strings.NewReader(fragment), ctxNode)
		if err != nil {
			return nil, fmt.Errorf("parse investing html: %w", err)
		}
		nodes = ns
	}

	var byClass, byID []*html.Node
	for _, n := range nodes {
		walk(n, func(n *html.Node) {
			if n.DataAtom != atom.Tr {
				return
			}
			if hasClass(n, "js-event-item") {
				byClass = append(byClass, n)
			} else if strings.HasPrefix(attr(n, "id"), "eventRowId_") {
				byID = append(byID, n)
			}
		})
	}
	trs := byClass
	if len(trs) == 0 {
		trs = byID
	}

	out := make([]investingRow, 0, len(trs))
	for _, tr := range trs {
		if r, ok := investingRowOf(tr); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func investingRowOf(tr *html.Node) (investingRow, bool) {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.DataAtom == atom.Td {
			cells = append(cells, c)
		}
	}
	if len(cells) < 4 {
		return investingRow{}, false
	}

	r := investingRow{
		RowID:    attr(tr, "id"),
		AttrID:   attr(tr, "event_attr_id"),
		Datetime: attr(tr, "data-event-datetime"),
		Time:     text(cells[0]),
	}
	if flag := find(cells[1], func(n *html.Node) bool { return n.DataAtom == atom.Span && hasClassPrefix(n, "ceFlags") }); flag != nil {
		r.Country = attr(flag, "title")
	}
	walk(cells[2], func(n *html.Node) {
		if n.DataAtom == atom.I && hasClass(n, "grayFullBullishIcon") {
			r.Importance++
		}
	})
	if r.Importance == 0 {
		r.Importance = 1
	}
	if a := find(cells[3], func(n *html.Node) bool { return n.DataAtom == atom.A }); a != nil {
		r.Name = text(a)
	} else {
		r.Name = text(cells[3])
	}
	values := []*string{&r.Actual, &r.Forecast, &r.Previous}
	for i, dst := range values {
		if 4+i >= len(cells) {
			break
		}
		if s := text(cells[4+i]); s != "--" {
			*dst = s
		}
	}
	return r, true
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	var found *html.Node
	walk(n, func(n *html.Node) {
		if found == nil && match(n) {
			found = n
		}
	})
	return found
}

// text concatenates the trimmed text nodes under n.
func text(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func hasClassPrefix(n *html.Node, prefix string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
