package appointment

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// requiredUnits is the number of base units a treatment occupies, rounded up.
// Every booking takes at least one unit.
func requiredUnits(durationMinutes int, unit time.Duration) int {
	if durationMinutes <= 0 || unit <= 0 {
		return 1
	}
	d := time.Duration(durationMinutes) * time.Minute
	n := int(d / unit)
	if d%unit != 0 {
		n++
	}
	return n
}

// civilDate truncates t to its calendar date in t's own location and
// expresses it as UTC midnight so dates compare independently of zones.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dayIn is the practice-local calendar date of an instant.
func dayIn(t time.Time, loc *time.Location) time.Time {
	return civilDate(t.In(loc))
}

// startOfDay is the first instant of a calendar date in loc.
func startOfDay(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func runDaysOf(run []TimeSlot, loc *time.Location) RunDays {
	if len(run) == 0 {
		return RunDays{}
	}
	return RunDays{
		First: dayIn(run[0].StartsAt, loc),
		Last:  dayIn(run[len(run)-1].StartsAt, loc),
	}
}

// blockers holds the calendars that take provider slots out of service.
type blockers struct {
	closures []Closure
	absences map[uuid.UUID][]Absence
	loc      *time.Location
}

// blocks reports whether s falls into a practice closure or an absence of
// its provider. Practice-service slots are not subject to either calendar.
func (b blockers) blocks(s TimeSlot) bool {
	if !s.Owner.IsProvider() {
		return false
	}
	for _, c := range b.closures {
		if c.overlaps(s.StartsAt, s.EndsAt) {
			return true
		}
	}
	if len(b.absences) == 0 {
		return false
	}
	day := dayIn(s.StartsAt, b.loc)
	for _, a := range b.absences[s.Owner.ProviderID] {
		if !day.Before(civilDate(a.StartDate)) && !day.After(civilDate(a.EndDate)) {
			return true
		}
	}
	return false
}

func insuranceAllows(ins Insurance, s TimeSlot) bool {
	return !(s.PrivateOnly && ins == InsurancePublic)
}

// groupByOwner splits slots per owner, each group ordered by start.
func groupByOwner(slots []TimeSlot) map[BookingKind][]TimeSlot {
	groups := make(map[BookingKind][]TimeSlot)
	for _, s := range slots {
		groups[s.Owner] = append(groups[s.Owner], s)
	}
	for owner := range groups {
		g := groups[owner]
		sort.Slice(g, func(i, j int) bool {
			return g[i].StartsAt.Before(g[j].StartsAt)
		})
	}
	return groups
}

// runFrom returns the n slots starting at group[idx] when each one starts
// exactly one unit after its predecessor and all of them are usable.
func runFrom(group []TimeSlot, idx, n int, unit time.Duration, usable func(TimeSlot) bool) ([]TimeSlot, bool) {
	if idx < 0 || idx+n > len(group) {
		return nil, false
	}
	run := group[idx : idx+n]
	for i, s := range run {
		if i > 0 && !s.StartsAt.Equal(run[i-1].StartsAt.Add(unit)) {
			return nil, false
		}
		if !usable(s) {
			return nil, false
		}
	}
	return run, true
}

// startSlots lists every slot that can begin a run of n usable contiguous
// units, ordered by start time.
func startSlots(slots []TimeSlot, n int, unit time.Duration, usable func(TimeSlot) bool) []TimeSlot {
	var out []TimeSlot
	for _, group := range groupByOwner(slots) {
		for i := range group {
			if _, ok := runFrom(group, i, n, unit, usable); ok {
				out = append(out, group[i])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].Owner.String() < out[j].Owner.String()
	})
	return out
}

func slotIDs(slots []TimeSlot) []uuid.UUID {
	ids := make([]uuid.UUID, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	return ids
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// minus returns the ids of a that are not in b, keeping a's order.
func minus(a, b []uuid.UUID) []uuid.UUID {
	drop := idSet(b)
	var out []uuid.UUID
	for _, id := range a {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
