package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DateLayout is the canonical event_date format.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDate formats t as YYYY-MM-DD in t's own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Day truncates t to midnight in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// AddDays adds n days to a YYYY-MM-DD date.
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return FormatDate(t.AddDate(0, 0, n)), nil
}

// Compact turns "2025-06-01" into "20250601".
func Compact(date string) string {
	return strings.ReplaceAll(date, "-", "")
}

// Digits keeps only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StableHash returns a hex SHA-256 over the NFC-normalized UTF-8 bytes of s,
// truncated to n hex characters (n <= 0 keeps the full digest). It is stable
// across processes and releases and is the only hash used in ids and dedup keys.
func StableHash(s string, n int) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(strings.TrimSpace(s))))
	h := hex.EncodeToString(sum[:])
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}

// HashLen is the hex prefix length used for title disambiguators.
const HashLen = 16
