// Package schedule computes task occurrence times from a schedule kind,
// an expression, and an IANA timezone.
//
// Daylight-saving policy: wall-clock times that do not exist on a
// spring-forward day are skipped to the schedule's next valid occurrence;
// ambiguous times on fall-back days fire once, at the first
// (pre-transition) instant. Both behaviors fall out of stepping absolute
// time through the zone rather than reconstructing wall-clock values.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/tempo/internal/domain"
)

// Schedule yields occurrence times for one task.
type Schedule interface {
	// Next returns the first occurrence strictly after the given
	// instant. The second return is false when the schedule has no
	// further occurrences.
	Next(after time.Time) (time.Time, bool)
}

// Parse builds a Schedule for the given kind, expression, and timezone.
// An empty timezone means UTC. Errors wrap domain.ErrInvalidSchedule.
func Parse(kind domain.ScheduleKind, expr, timezone string) (Schedule, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q: %v", domain.ErrInvalidSchedule, timezone, err)
		}
	}

	switch kind {
	case domain.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(expr))
		if err != nil {
			return nil, fmt.Errorf("%w: once expression %q: %v", domain.ErrInvalidSchedule, expr, err)
		}
		return onceSchedule{at: at}, nil

	case domain.ScheduleCron:
		return parseCron(expr, loc)

	case domain.ScheduleRRule:
		return parseRRule(expr, loc)

	case domain.ScheduleManual:
		return manualSchedule{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %q", domain.ErrInvalidSchedule, kind)
	}
}

// onceSchedule fires at exactly one instant.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(after time.Time) (time.Time, bool) {
	if s.at.After(after) {
		return s.at, true
	}
	return time.Time{}, false
}

// manualSchedule never fires; occurrences come only from run-now requests.
type manualSchedule struct{}

func (manualSchedule) Next(time.Time) (time.Time, bool) {
	return time.Time{}, false
}
