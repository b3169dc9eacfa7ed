package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a validated schedule.
//
// Accepted forms:
//   - cron: "*/30 * * * *", "0 */2 * * *", "@hourly", "@every 1h"
//   - interval: "45m", "2h30m", or "HH:MM" ("01:30" is 90 minutes)
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	// SecondOptional accepts both 5- and 6-field expressions.
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule validates raw and classifies it.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if every, ok := strings.CutPrefix(s, "@every "); ok {
			d, err := time.ParseDuration(strings.TrimSpace(every))
			if err != nil || d <= 0 {
				return ParsedSpec{}, fmt.Errorf("invalid @every interval %q", every)
			}
			return ParsedSpec{Kind: SpecInterval, Every: d}, nil
		}
		if _, err := cronParser.Parse(s); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", s, err)
		}
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", s)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', '@every 1h', HH:MM or a duration like '45m')", raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// String renders the spec in the form the scheduler registers.
func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}
