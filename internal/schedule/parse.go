package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chjohnst/Tron/internal/config"
)

// ScheduleError reports a schedule that cannot be turned into a Strategy.
type ScheduleError struct {
	Input string
	Err   error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule %q: %v", e.Input, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

var errRequired = errors.New("schedule required")

// Parse builds a Strategy from a config entry. loc is used by calendar
// variants; nil means time.Local.
func Parse(sc config.ScheduleConfig, loc *time.Location) (Strategy, error) {
	if sc.IsZero() {
		return nil, &ScheduleError{Err: errRequired}
	}
	if strings.TrimSpace(sc.Raw) != "" {
		return ParseSpec(sc.Raw, loc)
	}

	input := describe(sc)
	set := 0
	for _, v := range []bool{sc.Interval != "", sc.Daily != "" || sc.Days != "", sc.Cron != "", sc.Once != "", sc.Constant} {
		if v {
			set++
		}
	}
	if set != 1 {
		return nil, &ScheduleError{Input: input, Err: errors.New("exactly one of interval, daily, cron, once or constant is required")}
	}

	var (
		s   Strategy
		err error
	)
	switch {
	case sc.Interval != "":
		s, err = parseIntervalStrategy(sc.Interval)
	case sc.Daily != "" || sc.Days != "":
		s, err = parseDaily(sc.Daily, sc.Days, loc)
	case sc.Cron != "":
		s, err = NewCron(strings.TrimSpace(sc.Cron), loc)
	case sc.Once != "":
		s, err = parseOnce(sc.Once, loc)
	default:
		s = Constant{}
	}
	if err != nil {
		return nil, &ScheduleError{Input: input, Err: err}
	}
	return s, nil
}

func describe(sc config.ScheduleConfig) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("interval", sc.Interval)
	add("daily", sc.Daily)
	add("days", sc.Days)
	add("cron", sc.Cron)
	add("once", sc.Once)
	if sc.Constant {
		parts = append(parts, "constant=true")
	}
	return strings.Join(parts, " ")
}

// ParseSpec parses the shorthand string form of a schedule.
//
// Supported forms:
//   - Daily: "daily", "daily 04:00", "daily 04:00:30 MWF", "daily mon,fri"
//   - Interval: "interval 20s", "interval: 1h", "every 5m", "20s", "00:50" (50 minutes)
//   - Cron: "cron */5 * * * *", "cron: 0 4 * * *", "@hourly", "*/5 * * * *"
//   - Constant: "constant"
//   - One-shot: "once 2025-06-01T04:00:00Z"
func ParseSpec(raw string, loc *time.Location) (Strategy, error) {
	s, err := parseSpec(strings.TrimSpace(raw), loc)
	if err != nil {
		return nil, &ScheduleError{Input: raw, Err: err}
	}
	return s, nil
}

func parseSpec(s string, loc *time.Location) (Strategy, error) {
	if s == "" {
		return nil, errRequired
	}
	keyword, rest := splitKeyword(s)

	switch keyword {
	case "daily":
		fields := strings.Fields(rest)
		var at, days string
		switch len(fields) {
		case 0:
		case 1:
			if reClock.MatchString(fields[0]) {
				at = fields[0]
			} else {
				days = fields[0]
			}
		case 2:
			at, days = fields[0], fields[1]
		default:
			return nil, fmt.Errorf("daily: expected [HH:MM[:SS]] [days], got %q", rest)
		}
		return parseDaily(at, days, loc)
	case "interval", "every":
		return parseIntervalStrategy(rest)
	case "cron":
		if rest == "" {
			return nil, errors.New("cron expression required after 'cron'")
		}
		return NewCron(rest, loc)
	case "constant":
		if rest != "" {
			return nil, fmt.Errorf("constant takes no arguments, got %q", rest)
		}
		return Constant{}, nil
	case "once":
		return parseOnce(rest, loc)
	}

	// Heuristics: any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return NewCron(s, loc)
	}
	return parseIntervalStrategy(s)
}

// splitKeyword splits "kw rest" or "kw: rest" into a lowercase keyword and
// the trimmed remainder. The keyword is empty when s does not start with a
// known one.
func splitKeyword(s string) (string, string) {
	low := strings.ToLower(s)
	for _, kw := range []string{"daily", "interval", "every", "cron", "constant", "once"} {
		if !strings.HasPrefix(low, kw) {
			continue
		}
		rest := s[len(kw):]
		if rest != "" && rest[0] != ':' && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		rest = strings.TrimPrefix(rest, ":")
		return kw, strings.TrimSpace(rest)
	}
	return "", s
}

var (
	reHHMM  = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reClock = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
)

func parseIntervalStrategy(v string) (Strategy, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, err
	}
	return NewInterval(d)
}

// parseInterval accepts a Go duration ("55m") or HH:MM ("02:30" = 2h30m).
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, errors.New("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}

func parseDaily(at, days string, loc *time.Location) (Strategy, error) {
	var h, m, sec int
	if at = strings.TrimSpace(at); at != "" {
		match := reClock.FindStringSubmatch(at)
		if match == nil {
			return nil, fmt.Errorf("daily: invalid time of day %q (use HH:MM or HH:MM:SS)", at)
		}
		h, _ = strconv.Atoi(match[1])
		m, _ = strconv.Atoi(match[2])
		if match[3] != "" {
			sec, _ = strconv.Atoi(match[3])
		}
	}
	wd, err := parseDays(days)
	if err != nil {
		return nil, err
	}
	return NewDaily(h, m, sec, wd, loc)
}

func parseOnce(v string, loc *time.Location) (Strategy, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("once: time required")
	}
	if loc == nil {
		loc = time.Local
	}
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		at, err = time.ParseInLocation("2006-01-02 15:04", v, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("once: invalid time %q (use RFC3339 or 'YYYY-MM-DD HH:MM')", v)
	}
	return NewOneShot(at)
}

var dayLetters = map[rune]time.Weekday{
	'M': time.Monday, 'T': time.Tuesday, 'W': time.Wednesday, 'R': time.Thursday,
	'F': time.Friday, 'S': time.Saturday, 'U': time.Sunday,
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseDays accepts day letters ("MTWRFSU", R = Thursday, U = Sunday) or a
// comma separated list of names ("mon,wed,fri" / "Monday, Friday").
func parseDays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	upper := strings.ToUpper(s)
	if strings.Trim(upper, "MTWRFSU") == "" {
		out := make([]time.Weekday, 0, len(upper))
		for _, r := range upper {
			out = append(out, dayLetters[r])
		}
		return out, nil
	}

	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		p := strings.ToLower(strings.TrimSpace(part))
		if len(p) < 3 {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		wd, ok := dayNames[p[:3]]
		if !ok {
			return nil, fmt.Errorf("invalid day %q", part)
		}
		out = append(out, wd)
	}
	return out, nil
}

func formatDays(days []time.Weekday) string {
	var b strings.Builder
	for _, letter := range "MTWRFSU" {
		if wd := dayLetters[letter]; containsDay(days, wd) {
			b.WriteRune(letter)
		}
	}
	return b.String()
}

func containsDay(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}
