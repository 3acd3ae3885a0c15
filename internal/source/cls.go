package source

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calwatch/internal/config"
	"calwatch/internal/model"
)

const clsURL = "https://www.cls.cn/api/calendar/web/list"

var clsCategories = map[int]string{
	1: "经济数据",
	2: "事件公告",
	3: "假日",
}

// cls reads the investment calendar of 财联社. One request returns every
// upcoming day.
type cls struct {
	httpSource
}

func newCLS(cfg config.PlatformConfig, env Env) (Adapter, error) {
	return &cls{httpSource: newHTTPSource(cfg, env)}, nil
}

type clsResponse struct {
	Data []struct {
		CalendarDay string            `json:"calendar_day"`
		Items       []json.RawMessage `json:"items"`
	} `json:"data"`
}

type clsItem struct {
	ID           flexString `json:"id"`
	Type         int        `json:"type"`
	Title        string     `json:"title"`
	CalendarTime string     `json:"calendar_time"`
	Economic     *clsDetail `json:"economic"`
	Event        *clsDetail `json:"event"`
}

type clsDetail struct {
	Star    *int   `json:"star"`
	Country string `json:"country"`
}

// clsSign signs the query the way the web client does:
// md5(hex(sha1(sorted urlencoded params))).
func clsSign(q map[string]string) string {
	v := make(url.Values, len(q))
	for k, val := range q {
		v[k] = []string{val}
	}
	s1 := sha1.Sum([]byte(v.Encode()))
	s2 := md5.Sum([]byte(hex.EncodeToString(s1[:])))
	return hex.EncodeToString(s2[:])
}

func (c *cls) query() map[string]string {
	return map[string]string{
		"app":   "CailianpressWeb",
		"flag":  "0",
		"os":    "web",
		"sv":    "8.4.6",
		"token": c.cfg.Token,
		"type":  "0",
		"uid":   c.cfg.UID,
	}
}

func (c *cls) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	q := c.query()
	q["sign"] = clsSign(q)

	var resp clsResponse
	err := c.getJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(clsURL), nil)
		if err != nil {
			return nil, err
		}
		v := req.URL.Query()
		for k, val := range q {
			v.Set(k, val)
		}
		req.URL.RawQuery = v.Encode()
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Referer", "https://www.cls.cn/investKalendar")
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	from, to := model.FormatDate(start), model.FormatDate(end)
	var out []model.Event
	for _, day := range resp.Data {
		if !inWindow(day.CalendarDay, from, to) {
			continue
		}
		for _, raw := range day.Items {
			var it clsItem
			if err := json.Unmarshal(raw, &it); err != nil {
				return nil, fmt.Errorf("cls item on %s: %w", day.CalendarDay, err)
			}
			out = append(out, c.toEvent(day.CalendarDay, it, raw))
		}
	}
	return out, nil
}

func (c *cls) toEvent(date string, it clsItem, raw json.RawMessage) model.Event {
	id := it.ID.String()
	e := c.newEvent(fmt.Sprintf("cls_%s_%s_%d", id, model.Compact(date), it.Type), id, date)
	e.EventTime = clockOf(it.CalendarTime)
	e.EventDatetime = it.CalendarTime
	e.Title = it.Title
	e.Category = clsCategory(it.Type)
	e.Importance = model.Importance(clsImportance(it))
	switch {
	case it.Economic != nil:
		e.Country = it.Economic.Country
	case it.Event != nil:
		e.Country = it.Event.Country
	}
	e.RawData = raw
	return e
}

func clsCategory(typ int) string {
	if c, ok := clsCategories[typ]; ok {
		return c
	}
	return "其他"
}

func clsImportance(it clsItem) int {
	var d *clsDetail
	switch {
	case it.Type == 1 && it.Economic != nil:
		d = it.Economic
	case it.Type == 2 && it.Event != nil:
		d = it.Event
	}
	if d == nil || d.Star == nil {
		return 3
	}
	return *d.Star
}

// DedupKey is original id, date and category: an item listed under two
// categories is two events.
func (c *cls) DedupKey(e model.Event) string {
	return strings.Join([]string{e.OriginalID, e.EventDate, e.Category}, "_")
}
