package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxAvailabilityRange bounds a single availability query.
const maxAvailabilityRange = 92 * 24 * time.Hour

// AvailabilityQuery filters offered start slots. From and To are calendar
// dates (inclusive) in the practice time zone. Without a treatment a single
// provider unit is assumed. NotBefore hides starts at or before that instant;
// the zero value shows history.
type AvailabilityQuery struct {
	From            time.Time
	To              time.Time
	ProviderID      *uuid.UUID
	TreatmentTypeID *uuid.UUID
	Insurance       Insurance
	NotBefore       time.Time
}

// AvailableDates returns the practice-local dates in the range with at least
// one offered start slot, ascending.
func (s *Service) AvailableDates(ctx context.Context, q AvailabilityQuery) ([]time.Time, error) {
	starts, err := s.offeredStarts(ctx, q)
	if err != nil {
		return nil, err
	}

	var dates []time.Time
	for _, slot := range starts {
		day := dayIn(slot.StartsAt, s.cfg.Location)
		if n := len(dates); n == 0 || !dates[n-1].Equal(day) {
			dates = append(dates, day)
		}
	}
	return dates, nil
}

// AvailableSlots returns the offered start slots of one practice-local date
// ordered by start time.
func (s *Service) AvailableSlots(ctx context.Context, date time.Time, q AvailabilityQuery) ([]TimeSlot, error) {
	if date.IsZero() {
		return nil, invalid("date", "required")
	}
	q.From, q.To = date, date
	return s.offeredStarts(ctx, q)
}

func (s *Service) offeredStarts(ctx context.Context, q AvailabilityQuery) (_ []TimeSlot, err error) {
	ctx, span := tracer.Start(ctx, "appointment.availability")
	defer s.finish(span, "availability", time.Now(), &err)

	if q.From.IsZero() || q.To.IsZero() {
		return nil, invalid("from", "required")
	}
	from, to := civilDate(q.From), civilDate(q.To)
	if to.Before(from) {
		return nil, invalid("to", "before_from")
	}
	if to.Sub(from) > maxAvailabilityRange {
		return nil, invalid("to", "range_too_large")
	}
	if q.Insurance != "" && !q.Insurance.Valid() {
		return nil, invalid("insurance", "unknown")
	}

	n, class := 1, KindProvider
	if q.TreatmentTypeID != nil {
		t, err := s.repo.GetTreatmentTypeByID(ctx, *q.TreatmentTypeID)
		if err != nil {
			return nil, fmt.Errorf("load treatment type: %w", err)
		}
		n = requiredUnits(t.DurationMinutes, s.cfg.SlotUnit)
		class = t.Class()
	}
	if class == KindPracticeService && q.ProviderID != nil {
		return nil, invalid("provider_id", "not_applicable")
	}

	rangeStart := startOfDay(from, s.cfg.Location)
	rangeEnd := startOfDay(to.AddDate(0, 0, 1), s.cfg.Location)
	// A run may spill past the last day; fetch its tail too.
	tailEnd := rangeEnd.Add(time.Duration(n-1) * s.cfg.SlotUnit)

	slots, err := s.repo.ListSlots(ctx, SlotFilter{
		From:       rangeStart,
		To:         tailEnd,
		Class:      class,
		ProviderID: q.ProviderID,
	})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	if len(slots) == 0 {
		return nil, nil
	}
	b, err := s.loadBlockers(ctx, class, q.ProviderID, rangeStart, tailEnd)
	if err != nil {
		return nil, err
	}

	starts := startSlots(slots, n, s.cfg.SlotUnit, func(ts TimeSlot) bool {
		return ts.Available && !b.blocks(ts) && insuranceAllows(q.Insurance, ts)
	})

	out := starts[:0]
	for _, slot := range starts {
		if !slot.StartsAt.Before(rangeEnd) {
			continue
		}
		if !q.NotBefore.IsZero() && !slot.StartsAt.After(q.NotBefore) {
			continue
		}
		out = append(out, slot)
	}
	return out, nil
}
