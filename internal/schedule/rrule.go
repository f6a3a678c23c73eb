package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/rezkam/tempo/internal/domain"
)

// occurrenceSource is satisfied by both rrule.RRule and rrule.Set.
type occurrenceSource interface {
	After(dt time.Time, inc bool) time.Time
}

type rruleSchedule struct {
	src occurrenceSource
}

// parseRRule accepts either a bare RRULE content line ("FREQ=DAILY;...")
// or a full iCalendar fragment with its own DTSTART. A bare rule is
// anchored at parse time in the task's zone.
func parseRRule(expr string, loc *time.Location) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)

	if strings.Contains(trimmed, "DTSTART") {
		set, err := rrule.StrToRRuleSet(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: rrule %q: %v", domain.ErrInvalidSchedule, expr, err)
		}
		return rruleSchedule{src: set}, nil
	}

	opt, err := rrule.StrToROptionInLocation(trimmed, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: rrule %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = time.Now().In(loc).Truncate(time.Second)
	}

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: rrule %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return rruleSchedule{src: rule}, nil
}

func (s rruleSchedule) Next(after time.Time) (time.Time, bool) {
	next := s.src.After(after, false)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
