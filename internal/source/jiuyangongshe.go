package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const jiuyanURL = "https://app.jiuyangongshe.com/jystock-app/api/v1/timeline/list"

// jiuyan reads the 韭研公社 timeline, one request per month.
type jiuyan struct {
	httpSource
}

func newJiuyan(cfg config.PlatformConfig, env Env) (Adapter, error) {
	return &jiuyan{httpSource: newHTTPSource(cfg, env)}, nil
}

type jiuyanResponse struct {
	Data []struct {
		Date string            `json:"date"`
		List []json.RawMessage `json:"list"`
	} `json:"data"`
}

type jiuyanItem struct {
	ArticleID flexString `json:"article_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Timeline  struct {
		TimelineID flexString `json:"timeline_id"`
		Grade      *int       `json:"grade"`
		ThemeList  []struct {
			Name string `json:"name"`
		} `json:"theme_list"`
	} `json:"timeline"`
}

func (j *jiuyan) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	from, to := model.FormatDate(start), model.FormatDate(end)
	var out []model.Event
	failed := 0
	ms := months(start, end)
	for _, m := range ms {
		events, err := j.month(ctx, m, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			appLog.Warn("jiuyangongshe month failed", "month", m.Format("2006-01"), "err", err)
			continue
		}
		out = append(out, events...)
	}
	if failed == len(ms) && failed > 0 {
		return nil, fmt.Errorf("all %d months failed", failed)
	}
	return out, nil
}

func (j *jiuyan) month(ctx context.Context, m time.Time, from, to string) ([]model.Event, error) {
	payload, err := json.Marshal(map[string]string{"date": m.Format("2006-01")})
	if err != nil {
		return nil, err
	}

	var resp jiuyanResponse
	err = j.getJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL(jiuyanURL), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("timestamp", strconv.FormatInt(j.now().UnixMilli(), 10))
		req.Header.Set("platform", "3")
		req.Header.Set("token", j.cfg.Token)
		req.Header.Set("Origin", "https://www.jiuyangongshe.com")
		req.Header.Set("Referer", "https://www.jiuyangongshe.com/")
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	var out []model.Event
	for _, day := range resp.Data {
		if !inWindow(day.Date, from, to) {
			continue
		}
		for _, raw := range day.List {
			var it jiuyanItem
			if err := json.Unmarshal(raw, &it); err != nil {
				appLog.Warn("jiuyangongshe item skipped", "date", day.Date, "err", err)
				continue
			}
			out = append(out, j.toEvent(day.Date, it, raw))
		}
	}
	return out, nil
}

func (j *jiuyan) toEvent(date string, it jiuyanItem, raw json.RawMessage) model.Event {
	articleID := it.ArticleID.String()
	id := fmt.Sprintf("jygs_%s_%s_%s", articleID, it.Timeline.TimelineID, model.Compact(date))
	e := j.newEvent(id, articleID, date)
	e.Title = it.Title
	e.Content = it.Content
	grade := 6
	if it.Timeline.Grade != nil {
		grade = *it.Timeline.Grade
	}
	// grade 1 is the strongest signal
	e.Importance = model.Importance(7 - grade)
	e.Country = "中国"
	for _, t := range it.Timeline.ThemeList {
		e.Themes = append(e.Themes, t.Name)
	}
	e.RawData = raw
	return e
}

func (j *jiuyan) DedupKey(e model.Event) string {
	return e.OriginalID + "_" + e.EventDate
}
