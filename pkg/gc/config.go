package gc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the [gc] table of the repository config file.
type Config struct {
	PruneExpire      string `toml:"pruneExpire"`
	PrunePackExpire  string `toml:"prunePackExpire"`
	AutoPackLimit    int    `toml:"autoPackLimit"`
	Auto             int    `toml:"auto"`
	PreserveOldPacks bool   `toml:"preserveOldPacks"`
	PrunePreserved   bool   `toml:"prunePreserved"`
	AutoEnabled      bool   `toml:"autoEnabled"`
	WriteBitmaps     bool   `toml:"writeBitmaps"`
	SinglePack       bool   `toml:"singlePack"`
}

const (
	DefaultPruneExpire     = "2.weeks.ago"
	DefaultPrunePackExpire = "1.hour.ago"
	DefaultAutoPackLimit   = 50
	DefaultAutoLimit       = 6700
)

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		PruneExpire:     DefaultPruneExpire,
		PrunePackExpire: DefaultPrunePackExpire,
		AutoPackLimit:   DefaultAutoPackLimit,
		Auto:            DefaultAutoLimit,
		AutoEnabled:     true,
		WriteBitmaps:    true,
	}
}

// Validate parses both expiration expressions.
func (c Config) Validate() error {
	now := time.Now()
	if _, err := ParseExpire(c.PruneExpire, now); err != nil {
		return &ConfigError{Key: "gc.pruneExpire", Value: c.PruneExpire, Err: err}
	}
	if _, err := ParseExpire(c.PrunePackExpire, now); err != nil {
		return &ConfigError{Key: "gc.prunePackExpire", Value: c.PrunePackExpire, Err: err}
	}
	return nil
}

var expireUnits = map[string]func(time.Time, int) time.Time{
	"second": func(t time.Time, n int) time.Time { return t.Add(-time.Duration(n) * time.Second) },
	"minute": func(t time.Time, n int) time.Time { return t.Add(-time.Duration(n) * time.Minute) },
	"hour":   func(t time.Time, n int) time.Time { return t.Add(-time.Duration(n) * time.Hour) },
	"day":    func(t time.Time, n int) time.Time { return t.AddDate(0, 0, -n) },
	"week":   func(t time.Time, n int) time.Time { return t.AddDate(0, 0, -7*n) },
	"month":  func(t time.Time, n int) time.Time { return t.AddDate(0, -n, 0) },
	"year":   func(t time.Time, n int) time.Time { return t.AddDate(-n, 0, 0) },
}

var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseExpire turns an expiration expression into an instant relative to
// now. It accepts "now", "never" (the zero time: nothing ever expires),
// "yesterday", relative forms such as "2.weeks.ago" or "3 days ago", and
// absolute dates (RFC 3339, "2006-01-02 15:04:05", "2006-01-02").
func ParseExpire(expr string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	switch s {
	case "":
		return time.Time{}, fmt.Errorf("empty expiration")
	case "now":
		return now, nil
	case "never":
		return time.Time{}, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(expr), now.Location()); err == nil {
			return t, nil
		}
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ' ' })
	if len(fields) == 3 && fields[2] == "ago" {
		fields = fields[:2]
	}
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("unrecognized expiration %q", expr)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("unrecognized expiration count %q", fields[0])
	}
	apply, ok := expireUnits[strings.TrimSuffix(fields[1], "s")]
	if !ok {
		return time.Time{}, fmt.Errorf("unrecognized expiration unit %q", fields[1])
	}
	return apply(now, n), nil
}
