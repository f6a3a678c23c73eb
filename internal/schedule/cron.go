package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/tempo/internal/domain"
)

// cronParser accepts standard 5-field expressions (minute through
// day-of-week). Descriptors and seconds fields are not part of the task
// contract.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type cronSchedule struct {
	spec cron.Schedule
	loc  *time.Location
}

func parseCron(expr string, loc *time.Location) (Schedule, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return cronSchedule{spec: spec, loc: loc}, nil
}

func (s cronSchedule) Next(after time.Time) (time.Time, bool) {
	// cron.Schedule.Next advances absolute time hour by hour through the
	// zone, so a wall-clock minute erased by spring-forward never
	// matches and the following valid occurrence is returned instead.
	local := after.In(s.loc)
	next := s.spec.Next(local)
	if next.IsZero() {
		return time.Time{}, false
	}

	// A fall-back transition repeats a wall-clock hour, and the raw
	// schedule would fire the repeated minute a second time. The
	// contract is to fire once, at the first (pre-transition) instant:
	// when the returned time is the later twin of a wall-clock minute
	// already at or behind the cursor, skip past it.
	if twin := next.Add(-time.Hour).In(s.loc); sameWallMinute(twin, next) && !twin.After(local) {
		next = s.spec.Next(next)
		if next.IsZero() {
			return time.Time{}, false
		}
	}

	return next, true
}

func sameWallMinute(a, b time.Time) bool {
	return a.Day() == b.Day() && a.Hour() == b.Hour() && a.Minute() == b.Minute()
}
