// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package scheduler

import "time"

// TimerHandle names a pending caller-chosen timer id (spec §3). It is held
// by FSM code (allocator's alloc_timers/stop_timers, load's join_ack_timer)
// to cancel a protocol timeout before it fires.
type TimerHandle struct {
	ID string
	s  *Scheduler
}

// Cancel is an idempotent alias for Scheduler.RemoveTimer(h.ID).
func (h TimerHandle) Cancel() {
	if h.s == nil {
		return
	}
	h.s.RemoveTimer(h.ID)
}

// CreateTimer schedules a self-removing event that, when it fires, drops
// itself from the scheduler's timer table and then runs onFire (spec §4.3).
// Re-creating a timer under an id already in use cancels the previous one.
func (s *Scheduler) CreateTimer(id string, timeout time.Duration, onFire func()) TimerHandle {
	s.RemoveTimer(id)

	ev := &ScheduledEvent{}
	ev.action = func() {
		s.timersMu.Lock()
		delete(s.timers, id)
		s.timersMu.Unlock()
		if onFire != nil {
			onFire()
		}
	}
	s.scheduleEvent(ev, timeout)

	s.timersMu.Lock()
	s.timers[id] = ev
	s.timersMu.Unlock()

	return TimerHandle{ID: id, s: s}
}

// RemoveTimer cancels the timer named id. Cancelling an unknown or
// already-fired id is a no-op.
func (s *Scheduler) RemoveTimer(id string) {
	s.timersMu.Lock()
	ev, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	if ok {
		EventHandle{ev: ev, s: s}.Cancel()
	}
}
