package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const thsURL = "https://comment.10jqka.com.cn/tzrl/getTzrlData.php"

var jsonpRe = regexp.MustCompile(`(?s)callback_dt\((.+)\);?\s*$`)

// tonghuashun reads the 同花顺 investment calendar, one JSONP request per month.
type tonghuashun struct {
	httpSource
}

func newTonghuashun(cfg config.PlatformConfig, env Env) (Adapter, error) {
	return &tonghuashun{httpSource: newHTTPSource(cfg, env)}, nil
}

type thsResponse struct {
	Data []struct {
		Date    string            `json:"date"`
		Events  []json.RawMessage `json:"events"`
		Concept [][]thsConcept    `json:"concept"`
	} `json:"data"`
}

type thsConcept struct {
	Code flexString `json:"code"`
	Name string     `json:"name"`
}

// unwrapJSONP returns the JSON argument of a callback_dt(...) body.
func unwrapJSONP(body []byte) ([]byte, error) {
	m := jsonpRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("response is not a callback_dt JSONP payload")
	}
	return m[1], nil
}

func (t *tonghuashun) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	from, to := model.FormatDate(start), model.FormatDate(end)
	var out []model.Event
	failed := 0
	ms := months(start, end)
	for _, m := range ms {
		events, err := t.month(ctx, m, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			appLog.Warn("tonghuashun month failed", "month", m.Format("200601"), "err", err)
			continue
		}
		out = append(out, events...)
	}
	if failed == len(ms) && failed > 0 {
		return nil, fmt.Errorf("all %d months failed", failed)
	}
	return out, nil
}

func (t *tonghuashun) month(ctx context.Context, m time.Time, from, to string) ([]model.Event, error) {
	body, err := t.get(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL(thsURL), nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("callback", "callback_dt")
		q.Set("type", "data")
		q.Set("date", m.Format("200601"))
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Referer", "https://stock.10jqka.com.cn/")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	payload, err := unwrapJSONP(body)
	if err != nil {
		return nil, err
	}
	var resp thsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode tonghuashun payload: %w", err)
	}

	var out []model.Event
	for _, day := range resp.Data {
		if !inWindow(day.Date, from, to) {
			continue
		}
		for i, raw := range day.Events {
			var fields []any
			if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
				continue
			}
			title, _ := fields[0].(string)
			var concepts []model.Concept
			if i < len(day.Concept) {
				for _, c := range day.Concept[i] {
					concepts = append(concepts, model.Concept{Code: c.Code.String(), Name: c.Name})
				}
			}
			out = append(out, t.toEvent(day.Date, i, title, concepts, raw))
		}
	}
	return out, nil
}

func (t *tonghuashun) toEvent(date string, i int, title string, concepts []model.Concept, raw json.RawMessage) model.Event {
	id := fmt.Sprintf("ths_%s_%d_%s", model.Compact(date), i, model.StableHash(title, model.HashLen))
	e := t.newEvent(id, fmt.Sprintf("%s_%d", date, i), date)
	e.Title = title
	e.Importance = model.Importance(3)
	e.Country = "中国"
	if concepts != nil {
		e.Concepts = concepts
	}
	e.RawData = rawJSON(map[string]any{"event": raw, "concept": e.Concepts})
	return e
}

// DedupKey is the date plus a hash of the title: the position of an item in
// a day shifts as items are added.
func (t *tonghuashun) DedupKey(e model.Event) string {
	return e.EventDate + "_" + model.StableHash(e.Title, model.HashLen)
}
