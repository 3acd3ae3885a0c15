package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calwatch/internal/errs"
)

var shanghai = time.FixedZone("CST", 8*3600)

func TestNewEventDefaults(t *testing.T) {
	now := time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC) // 2025-06-02 04:30 in CST
	e := NewEvent("cls", "cls_1_20250610_1", "1", "2025-06-10", now, shanghai)

	assert.Equal(t, []string{}, e.Stocks)
	assert.Equal(t, []Concept{}, e.Concepts)
	assert.Equal(t, []string{}, e.Themes)
	assert.Equal(t, StatusActive, e.DataStatus)
	assert.Equal(t, "2025-06-02", e.DiscoveryDate)
	assert.Equal(t, "2025-06-02T04:30:00+08:00", e.CreatedAt)
	assert.JSONEq(t, `{}`, string(e.RawData))
	assert.False(t, e.IsNew)
	require.NoError(t, e.Validate())
}

func TestNormalizeKeepsSetFields(t *testing.T) {
	e := Event{
		Platform:      "x",
		EventID:       "x1",
		EventDate:     "2025-06-01",
		Stocks:        []string{"600000"},
		DiscoveryDate: "2025-05-01",
		DataStatus:    StatusArchived,
	}
	e.Normalize(time.Now(), time.UTC)

	assert.Equal(t, []string{"600000"}, e.Stocks)
	assert.Equal(t, "2025-05-01", e.DiscoveryDate)
	assert.Equal(t, StatusArchived, e.DataStatus)
}

func TestValidate(t *testing.T) {
	base := NewEvent("x", "x1", "1", "2025-06-01", time.Now(), time.UTC)

	tests := []struct {
		name   string
		mutate func(*Event)
		ok     bool
	}{
		{"valid", func(*Event) {}, true},
		{"missing platform", func(e *Event) { e.Platform = "" }, false},
		{"missing id", func(e *Event) { e.EventID = "" }, false},
		{"bad date", func(e *Event) { e.EventDate = "2025/06/01" }, false},
		{"impossible date", func(e *Event) { e.EventDate = "2025-02-30" }, false},
		{"importance too high", func(e *Event) { e.Importance = Importance(5); *e.Importance = 6 }, false},
		{"importance absent", func(e *Event) { e.Importance = nil }, true},
		{"unknown status", func(e *Event) { e.DataStatus = "DELETED" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base.Clone()
			tt.mutate(&e)
			err := e.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	e := NewEvent("x", "x1", "1", "2025-06-01", time.Now(), time.UTC)
	e.Importance = Importance(3)
	e.Stocks = []string{"a"}
	e.Concepts = []Concept{{Code: "c1", Name: "n1"}}
	e.RawData = json.RawMessage(`{"k":1}`)

	c := e.Clone()
	*c.Importance = 5
	c.Stocks[0] = "b"
	c.Concepts[0].Name = "changed"
	c.RawData[2] = 'x'

	assert.Equal(t, 3, *e.Importance)
	assert.Equal(t, "a", e.Stocks[0])
	assert.Equal(t, "n1", e.Concepts[0].Name)
	assert.JSONEq(t, `{"k":1}`, string(e.RawData))
}

func TestImportanceJSON(t *testing.T) {
	e := NewEvent("x", "x1", "1", "2025-06-01", time.Now(), time.UTC)
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	v, ok := m["importance"]
	require.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, "ACTIVE", m["data_status"])

	assert.Equal(t, 1, *Importance(-4))
	assert.Equal(t, 5, *Importance(9))
	assert.Equal(t, 0, e.ImportanceOr(0))
}

func TestStableHash(t *testing.T) {
	// "é" precomposed vs. decomposed must hash identically.
	assert.Equal(t, StableHash("caf\u00e9", 0), StableHash("cafe\u0301", 0))
	assert.Equal(t, StableHash(" 非农 ", 16), StableHash("非农", 16))
	assert.Len(t, StableHash("x", HashLen), HashLen)
	assert.Len(t, StableHash("x", 0), 64)
	assert.Equal(t, "2d711642b726b044", StableHash("x", 16))
	assert.NotEqual(t, StableHash("a", 16), StableHash("b", 16))
}

func TestDateHelpers(t *testing.T) {
	next, err := AddDays("2025-02-28", 1)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", next)

	_, err = AddDays("bad", 1)
	assert.Error(t, err)

	assert.Equal(t, "20250601", Compact("2025-06-01"))
	assert.Equal(t, "20250601093000", Digits("2025/06/01 09:30:00"))

	d := Day(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC), shanghai)
	assert.Equal(t, "2025-06-02", FormatDate(d))
	assert.Equal(t, 0, d.Hour())
}
