package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrDelayFormat = errors.New("invalid delay")

var delayRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseDelay parses the initial sleep of a scheduled job. Plain numbers are
// seconds, ISO8601 durations start with P, otherwise ordered
// day/hour/minute/second segments like 1d2h30m.
func ParseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, ErrDelayFormat
	}
	if strings.HasPrefix(s, "P") {
		return ParseISODuration(s)
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	m := delayRx.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrDelayFormat
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, ErrDelayFormat
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("delay overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("delay overflow")
		}
		total += add
	}
	return total, nil
}

// DelayUntil returns the time from now until the next activation of a five
// field cron expression or a macro like @daily.
func DelayUntil(expr string, now time.Time) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next := schedule.Next(now)
	if next.IsZero() {
		return 0, fmt.Errorf("cron expression %q never activates", e)
	}
	return next.Sub(now), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the day and time parts of an ISO8601 duration like
// P1DT2H30M. Signs, years, months and weeks are rejected, only seconds may
// carry a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	// P, PT and P1DT match the expression without any component
	if m == nil || strings.HasSuffix(dur, "T") || dur == "P" {
		return 0, ErrISOFormat
	}

	var total time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) {
			return 0, ErrISOFormat
		}
		total += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		whole, frac, _ := strings.Cut(strings.Replace(sec, ",", ".", 1), ".")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || n > int64(math.MaxInt64/time.Second) {
			return 0, ErrISOFormat
		}
		total += time.Duration(n) * time.Second
		if frac != "" {
			// nanoseconds, right padded to nine digits
			ns, _ := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
			total += time.Duration(ns)
		}
	}
	if total < 0 {
		return 0, ErrISOFormat
	}
	return total, nil
}
