package synth

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Kaden/common/spec/automation"
)

// namedTimes maps spoken times of day to clock values.
var namedTimes = map[string]string{
	"midnight": "00:00:00",
	"noon":     "12:00:00",
	"midday":   "12:00:00",
	"חצות":     "00:00:00",
	"צהריים":   "12:00:00",
}

var clockPattern = regexp.MustCompile(`^(\d{1,2})(?:[:.h](\d{2}))?(?::(\d{2}))?\s*(am|pm)?$`)

// NormalizeTime converts a time of day to Home Assistant's 24-hour
// HH:MM:SS form. It accepts
//
//	"midnight", "noon"
//	"7 AM", "7:30pm", "7.30 p.m."
//	"19:00", "19:00:30", "7"
//
// An hour given with am/pm must be 1-12; otherwise 0-23.
func NormalizeTime(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.NewReplacer("a.m.", "am", "p.m.", "pm", "a.m", "am", "p.m", "pm", "o'clock", "").Replace(t)
	t = strings.TrimSpace(strings.TrimPrefix(t, "at "))
	if v, ok := namedTimes[t]; ok {
		return v, nil
	}

	m := clockPattern.FindStringSubmatch(t)
	if m == nil {
		return "", fmt.Errorf("time %q: unrecognised format", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, sec := 0, 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	switch m[4] {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return "", fmt.Errorf("time %q: hour %d out of range 1-12", s, hour)
		}
		hour %= 12
		if m[4] == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return "", fmt.Errorf("time %q: hour %d out of range 0-23", s, hour)
		}
	}
	if minute > 59 || sec > 59 {
		return "", fmt.Errorf("time %q: minutes or seconds out of range", s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hour, minute, sec), nil
}

var (
	hmsPattern  = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	partPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-z]+)`)
)

var unitSeconds = map[string]float64{
	"h": 3600, "hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
}

// NormalizeDuration converts a length of time to HH:MM:SS. It accepts
// clock notation ("0:05", "00:05:00"), Go durations ("90s", "1h30m"), spoken
// durations ("5 minutes", "1 hour and 30 minutes") and bare seconds ("45").
// Durations must be shorter than a day.
func NormalizeDuration(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return "", fmt.Errorf("duration: empty")
	}

	var total time.Duration
	switch {
	case hmsPattern.MatchString(t):
		m := hmsPattern.FindStringSubmatch(t)
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		se := 0
		if m[3] != "" {
			se, _ = strconv.Atoi(m[3])
		}
		if mi > 59 || se > 59 {
			return "", fmt.Errorf("duration %q: minutes or seconds out of range", s)
		}
		total = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(se)*time.Second
	default:
		if n, err := strconv.Atoi(t); err == nil {
			total = time.Duration(n) * time.Second
			break
		}
		if d, err := time.ParseDuration(t); err == nil {
			total = d
			break
		}
		d, err := spokenDuration(t)
		if err != nil {
			return "", fmt.Errorf("duration %q: %w", s, err)
		}
		total = d
	}
	if total < 0 || total >= 24*time.Hour {
		return "", fmt.Errorf("duration %q: must be between 0 and 24 hours", s)
	}
	return formatClock(total), nil
}

func spokenDuration(t string) (time.Duration, error) {
	t = strings.NewReplacer(" and ", " ", ",", " ", "an hour", "1 hour", "a minute", "1 minute", "half an hour", "30 minutes").Replace(t)
	matches := partPattern.FindAllStringSubmatchIndex(t, -1)
	if matches == nil {
		return 0, fmt.Errorf("unrecognised format")
	}
	var secs float64
	covered := 0
	for _, m := range matches {
		if strings.TrimSpace(t[covered:m[0]]) != "" {
			return 0, fmt.Errorf("unexpected %q", strings.TrimSpace(t[covered:m[0]]))
		}
		n, _ := strconv.ParseFloat(t[m[2]:m[3]], 64)
		unit, ok := unitSeconds[t[m[4]:m[5]]]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", t[m[4]:m[5]])
		}
		secs += n * unit
		covered = m[1]
	}
	if strings.TrimSpace(t[covered:]) != "" {
		return 0, fmt.Errorf("unexpected %q", strings.TrimSpace(t[covered:]))
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func formatClock(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

// NormalizeOffset converts a sun offset to [-]HH:MM:SS. A leading sign or
// the words "before"/"after" set the direction: "30 minutes before" is
// "-00:30:00".
func NormalizeOffset(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	neg := false
	switch {
	case strings.HasPrefix(t, "-"):
		neg, t = true, t[1:]
	case strings.HasPrefix(t, "+"):
		t = t[1:]
	}
	for _, w := range []string{"before sunrise", "before sunset", "before"} {
		if strings.HasSuffix(t, w) {
			neg, t = true, strings.TrimSpace(strings.TrimSuffix(t, w))
			break
		}
	}
	for _, w := range []string{"after sunrise", "after sunset", "after"} {
		if strings.HasSuffix(t, w) {
			t = strings.TrimSpace(strings.TrimSuffix(t, w))
			break
		}
	}
	d, err := NormalizeDuration(t)
	if err != nil {
		return "", fmt.Errorf("offset: %w", err)
	}
	if neg && d != "00:00:00" {
		return "-" + d, nil
	}
	return d, nil
}

var dayAliases = map[string][]string{
	"weekday":   automation.Weekdays[:5],
	"weekdays":  automation.Weekdays[:5],
	"workdays":  automation.Weekdays[:5],
	"weekend":   automation.Weekdays[5:],
	"weekends":  automation.Weekdays[5:],
	"daily":     automation.Weekdays,
	"everyday":  automation.Weekdays,
	"every day": automation.Weekdays,
}

// NormalizeWeekdays expands day names, ranges ("mon-fri") and groups
// ("weekdays", "weekend") into Home Assistant weekday codes, deduplicated and
// in calendar order.
func NormalizeWeekdays(days []string) ([]string, error) {
	set := make(map[string]bool)
	for _, entry := range days {
		for _, part := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ';' || r == '/' }) {
			part = strings.TrimSpace(strings.ToLower(part))
			if _, ok := dayAliases[part]; !ok {
				part = strings.TrimPrefix(strings.TrimPrefix(part, "every "), "on ")
			}
			if part == "" {
				continue
			}
			if group, ok := dayAliases[part]; ok {
				for _, d := range group {
					set[d] = true
				}
				continue
			}
			if lo, hi, ok := strings.Cut(part, "-"); ok {
				from, err1 := dayCode(lo)
				to, err2 := dayCode(hi)
				if err1 != nil || err2 != nil {
					return nil, fmt.Errorf("weekdays: invalid range %q", part)
				}
				i, j := slices.Index(automation.Weekdays, from), slices.Index(automation.Weekdays, to)
				for k := i; ; k = (k + 1) % 7 {
					set[automation.Weekdays[k]] = true
					if k == j {
						break
					}
				}
				continue
			}
			code, err := dayCode(part)
			if err != nil {
				return nil, err
			}
			set[code] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("weekdays: none given")
	}
	out := make([]string, 0, len(set))
	for _, d := range automation.Weekdays {
		if set[d] {
			out = append(out, d)
		}
	}
	return out, nil
}

// dayCode maps "monday", "Mon", "tues" to "mon", "tue".
func dayCode(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "s"))
	if len(s) >= 3 {
		for _, d := range automation.Weekdays {
			if strings.HasPrefix(s, d) {
				return d, nil
			}
		}
	}
	return "", fmt.Errorf("weekdays: unknown day %q", s)
}
