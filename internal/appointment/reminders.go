package appointment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SendDueReminders emits one reminder_due event for every confirmed
// appointment that starts within the reminder lead time and has not been
// reminded yet. Marking happens before emission so concurrent workers never
// remind twice. It returns the number of reminders emitted.
func (s *Service) SendDueReminders(ctx context.Context) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "appointment.reminders")
	defer s.finish(span, "reminders", time.Now(), &err)

	if s.cfg.ReminderLead <= 0 {
		return 0, nil
	}
	now := s.now()
	candidates, err := s.repo.ListReminderCandidates(ctx, now, now.Add(s.cfg.ReminderLead))
	if err != nil {
		return 0, fmt.Errorf("list reminder candidates: %w", err)
	}

	sent := 0
	for _, appt := range candidates {
		if appt.Status != StatusConfirmed || appt.ReminderSentAt != nil {
			continue
		}
		marked, err := s.repo.MarkReminderSent(ctx, appt.ID, now)
		if err != nil {
			s.logger.Warn("mark reminder failed", zap.Stringer("appointment_id", appt.ID), zap.Error(err))
			continue
		}
		if !marked {
			continue
		}
		s.emit(ctx, EventReminderDue, appt.ID, nil)
		sent++
	}

	if sent > 0 {
		s.logger.Info("reminders emitted", zap.Int("count", sent))
	}
	return sent, nil
}
