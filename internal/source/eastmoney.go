package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const (
	eastmoneyURL     = "https://data.eastmoney.com/dataapi/dcrl/dstx"
	eastmoneySection = "xsap,xgsg,tfpxx,hsgg,nbjb,jjsj,hyhy,gddh"
)

// eastmoney reads the 东方财富 market calendar. One request returns eight
// sections, each mapped by its own rule.
type eastmoney struct {
	httpSource
}

func newEastmoney(cfg config.PlatformConfig, env Env) (Adapter, error) {
	return &eastmoney{httpSource: newHTTPSource(cfg, env)}, nil
}

type eastmoneyResponse struct {
	Xsap  []json.RawMessage `json:"xsap"`
	Xgsg  []json.RawMessage `json:"xgsg"`
	Tfpxx []json.RawMessage `json:"tfpxx"`
	Hsgg  []json.RawMessage `json:"hsgg"`
	Nbjb  []json.RawMessage `json:"nbjb"`
	Jjsj  []json.RawMessage `json:"jjsj"`
	Hyhy  []json.RawMessage `json:"hyhy"`
	Gddh  []json.RawMessage `json:"gddh"`
}

// emRecord is the union of the fields used across sections.
type emRecord struct {
	// xsap
	SDate   flexString `json:"SDATE"`
	Market  flexString `json:"MKT"`
	Holiday flexString `json:"HOLIDAY"`
	// xgsg
	ApplyDate  flexString `json:"APPLY_DATE"`
	ApplyCode  flexString `json:"APPLY_CODE"`
	IssuePrice flexString `json:"ISSUE_PRICE"`
	IssueLot   flexString `json:"ONLINE_ISSUE_LWR"`
	// shared stock identity
	SecurityCode flexString `json:"SECURITY_CODE"`
	SecurityName flexString `json:"SECURITY_NAME_ABBR"`
	SecuCode     flexString `json:"SECUCODE"`
	// hsgg
	NoticeDate flexString `json:"NOTICE_DATE"`
	Title      flexString `json:"TITLE"`
	// nbjb
	ReportDate   flexString `json:"REPORT_DATE"`
	ReportType   flexString `json:"REPORT_TYPE"`
	ReportPeriod flexString `json:"REPORT_PERIOD"`
	// tfpxx, jjsj
	Date flexString        `json:"Date"`
	City flexString        `json:"City"`
	Data []json.RawMessage `json:"Data"`
	// hyhy
	StartDate flexString `json:"START_DATE"`
	FECode    flexString `json:"FE_CODE"`
	FEName    flexString `json:"FE_NAME"`
	Content   flexString `json:"CONTENT"`
	FECity    flexString `json:"CITY"`
	// gddh
	MeetingDate  flexString `json:"MEETING_DATE"`
	MeetingType  flexString `json:"MEETING_TYPE"`
	MeetingPlace flexString `json:"MEETING_PLACE"`
}

type emNested struct {
	Scode  flexString `json:"Scode"`
	Sname  flexString `json:"Sname"`
	Reason flexString `json:"Reason"`
	Name   flexString `json:"Name"`
}

func (m *eastmoney) Collect(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	from, to := model.FormatDate(start), model.FormatDate(end)

	var resp eastmoneyResponse
	err := m.getJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL(eastmoneyURL), nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("fromdate", from)
		q.Set("todate", to)
		q.Set("option", eastmoneySection)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set("Referer", "https://data.eastmoney.com/dcrl/dashi.html")
		return req, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	sections := []struct {
		name  string
		items []json.RawMessage
		fn    func(emRecord, json.RawMessage, string, string) []model.Event
	}{
		{"xsap", resp.Xsap, m.xsap},
		{"xgsg", resp.Xgsg, m.xgsg},
		{"tfpxx", resp.Tfpxx, m.tfpxx},
		{"hsgg", resp.Hsgg, m.hsgg},
		{"nbjb", resp.Nbjb, m.nbjb},
		{"jjsj", resp.Jjsj, m.jjsj},
		{"hyhy", resp.Hyhy, m.hyhy},
		{"gddh", resp.Gddh, m.gddh},
	}

	var out []model.Event
	for _, s := range sections {
		n := 0
		for _, raw := range s.items {
			if isNull(raw) {
				continue
			}
			var r emRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				appLog.Warn("eastmoney record skipped", "section", s.name, "err", err)
				continue
			}
			events := s.fn(r, raw, from, to)
			n += len(events)
			out = append(out, events...)
		}
		appLog.Debug("eastmoney section", "section", s.name, "records", len(s.items), "events", n)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}

func (m *eastmoney) base(id, originalID, date, category string, importance int, raw json.RawMessage) model.Event {
	e := m.newEvent(id, originalID, date)
	e.Category = category
	e.Importance = model.Importance(importance)
	e.Country = "中国"
	e.RawData = raw
	return e
}

func (m *eastmoney) xsap(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, clock := splitDateTime(r.SDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	id := fmt.Sprintf("em_xsap_%s_%s", model.Compact(date), model.StableHash(r.Holiday.String(), model.HashLen))
	e := m.base(id, fmt.Sprintf("xsap_%s_%s", r.Market, date), date, "休市安排", 2, raw)
	e.EventTime = clock
	e.EventDatetime = r.SDate.String()
	e.Title = fmt.Sprintf("%s - %s", r.Market, r.Holiday)
	return []model.Event{e}
}

func (m *eastmoney) xgsg(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, _ := splitDateTime(r.ApplyDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	code := r.SecurityCode.String()
	e := m.base(fmt.Sprintf("em_xgsg_%s_%s", code, model.Compact(date)), code, date, "新股申购", 3, raw)
	e.Title = r.SecurityName.String() + "新股申购"
	e.Content = fmt.Sprintf("申购代码: %s, 发行价: %s, 发行量: %s万股", r.ApplyCode, r.IssuePrice, r.IssueLot)
	e.Stocks = nonEmpty(code)
	return []model.Event{e}
}

func (m *eastmoney) tfpxx(r emRecord, _ json.RawMessage, from, to string) []model.Event {
	date, _ := splitDateTime(r.Date.String())
	if !inWindow(date, from, to) {
		return nil
	}
	var out []model.Event
	for _, raw := range r.Data {
		var s emNested
		if isNull(raw) || json.Unmarshal(raw, &s) != nil {
			continue
		}
		code := s.Scode.String()
		e := m.base(fmt.Sprintf("em_tfpxx_%s_%s", model.Compact(date), code), code, date, "停复牌信息", 2, raw)
		e.Title = s.Sname.String() + "停复牌"
		e.Content = fmt.Sprintf("股票代码: %s, 停复牌原因: %s", code, s.Reason)
		e.Stocks = nonEmpty(code)
		out = append(out, e)
	}
	return out
}

func (m *eastmoney) hsgg(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, _ := splitDateTime(r.NoticeDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	secu, title := r.SecuCode.String(), r.Title.String()
	id := fmt.Sprintf("em_hsgg_%s_%s_%s", secu, model.Compact(date), model.StableHash(title, model.HashLen))
	e := m.base(id, secu, date, "A股公告", 3, raw)
	e.Title = fmt.Sprintf("%s - %s", r.SecurityName, title)
	e.Content = title
	e.Stocks = nonEmpty(r.SecurityCode.String())
	return []model.Event{e}
}

func (m *eastmoney) nbjb(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, _ := splitDateTime(r.ReportDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	code := r.SecurityCode.String()
	e := m.base(fmt.Sprintf("em_nbjb_%s_%s", code, model.Compact(date)), code, date, "年报季报", 4, raw)
	e.Title = fmt.Sprintf("%s %s", r.SecurityName, r.ReportType)
	e.Content = fmt.Sprintf("报告类型: %s, 报告期: %s", r.ReportType, r.ReportPeriod)
	e.Stocks = nonEmpty(code)
	return []model.Event{e}
}

func (m *eastmoney) jjsj(r emRecord, _ json.RawMessage, from, to string) []model.Event {
	stamp := r.Date.String()
	date, clock := splitDateTime(stamp)
	if !inWindow(date, from, to) {
		return nil
	}
	var out []model.Event
	for _, raw := range r.Data {
		var s emNested
		if isNull(raw) || json.Unmarshal(raw, &s) != nil {
			continue
		}
		name := s.Name.String()
		id := fmt.Sprintf("em_jjsj_%s_%s", model.Digits(stamp), model.StableHash(name, model.HashLen))
		e := m.base(id, stamp+"_"+name, date, "经济数据", 4, raw)
		e.EventTime = clock
		e.EventDatetime = stamp
		e.Title = name
		e.Country = r.City.String()
		out = append(out, e)
	}
	return out
}

func (m *eastmoney) hyhy(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, _ := splitDateTime(r.StartDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	code := r.FECode.String()
	e := m.base("em_hyhy_"+code, code, date, "行业会议", 3, raw)
	e.Title = r.FEName.String()
	e.Content = r.Content.String()
	e.City = r.FECity.String()
	return []model.Event{e}
}

func (m *eastmoney) gddh(r emRecord, raw json.RawMessage, from, to string) []model.Event {
	date, clock := splitDateTime(r.MeetingDate.String())
	if !inWindow(date, from, to) {
		return nil
	}
	code := r.SecurityCode.String()
	e := m.base(fmt.Sprintf("em_gddh_%s_%s", code, model.Compact(date)), code, date, "股东大会", 3, raw)
	e.EventTime = clock
	e.EventDatetime = r.MeetingDate.String()
	e.Title = r.SecurityName.String() + "股东大会"
	e.Content = fmt.Sprintf("会议类型: %s, 地点: %s", r.MeetingType, r.MeetingPlace)
	e.City = r.MeetingPlace.String()
	e.Stocks = nonEmpty(code)
	return []model.Event{e}
}

// DedupKey is original id, date and category: one security code can carry a
// report and a meeting on the same day. Announcements and market closures
// repeat their original id within a day and key on the event id.
func (m *eastmoney) DedupKey(e model.Event) string {
	if strings.HasPrefix(e.EventID, "em_hsgg_") || strings.HasPrefix(e.EventID, "em_xsap_") {
		return e.EventID
	}
	return e.OriginalID + "_" + e.EventDate + "_" + e.Category
}
