// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package scheduler implements the per-agent priority-queue event loop
// described in spec §4.3 (C3): a min-heap of ScheduledEvents, a map of
// cancellable named timers, and a single cooperative worker goroutine that is
// the sole mutator of the heap. Every other goroutine in the process reaches
// the heap only through the inbox channel, giving FSM state a single-writer
// invariant without explicit locks (spec §5). The timer map is guarded by a
// mutex instead, since CreateTimer and RemoveTimer may be called from any
// goroutine.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartgrid-sim/agentcore/clog"
)

type msgKind int

const (
	msgInsert msgKind = iota
	msgCancel
	msgShutdown
)

type inboxMsg struct {
	kind msgKind
	ev   *ScheduledEvent
}

// Scheduler is a single agent's event loop (spec §4.3). The zero value is
// not usable; construct with New.
type Scheduler struct {
	log *clog.CLogger

	inbox chan inboxMsg
	done  chan struct{}
	seq   atomic.Uint64

	timersMu sync.Mutex
	timers   map[string]*ScheduledEvent

	started atomic.Bool
}

// New creates a Scheduler. Call Run to start its worker goroutine.
func New(log *clog.CLogger) *Scheduler {
	return &Scheduler{
		log:    log,
		inbox:  make(chan inboxMsg, 1024),
		done:   make(chan struct{}),
		timers: make(map[string]*ScheduledEvent),
	}
}

// Run starts the worker goroutine. It is safe to call Schedule before Run
// returns or even before Run is called: the inbox buffers requests until the
// worker is running. Run must not be called more than once.
func (s *Scheduler) Run() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Schedule inserts action (and, if given, callbacks run afterwards in
// order) to fire after delay. Insertion always succeeds; the returned handle
// supports Cancel. A delay of 0 means "run as soon as the worker observes
// it" (spec §4.3).
func (s *Scheduler) Schedule(action Fn, delay time.Duration, callbacks ...Fn) EventHandle {
	ev := &ScheduledEvent{action: action, callbacks: callbacks}
	return s.scheduleEvent(ev, delay)
}

func (s *Scheduler) scheduleEvent(ev *ScheduledEvent, delay time.Duration) EventHandle {
	ev.deadline = time.Now().Add(delay)
	ev.seq = s.seq.Add(1)
	s.inbox <- inboxMsg{kind: msgInsert, ev: ev}
	return EventHandle{ev: ev, s: s}
}

// Stop pushes a shutdown sentinel. On observing it the worker cancels all
// outstanding timers, drops the queue and exits. Stop is idempotent.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	select {
	case s.inbox <- inboxMsg{kind: msgShutdown}:
	case <-s.done:
	}
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	var q eventQueue
	heap.Init(&q)

	for {
		if q.Len() == 0 {
			msg, ok := <-s.inbox
			if !ok {
				return
			}
			if s.apply(&q, msg) {
				return
			}
			continue
		}

		next := q[0]
		delay := time.Until(next.deadline)
		if delay <= 0 {
			ev := heap.Pop(&q).(*ScheduledEvent)
			s.fire(ev)
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case msg := <-s.inbox:
			timer.Stop()
			if s.apply(&q, msg) {
				return
			}
		case <-timer.C:
		}
	}
}

// apply handles one inbox message against the live heap. It returns true if
// the worker should exit (shutdown observed).
func (s *Scheduler) apply(q *eventQueue, msg inboxMsg) bool {
	switch msg.kind {
	case msgInsert:
		heap.Push(q, msg.ev)
	case msgCancel:
		msg.ev.cancelled = true
		if msg.ev.index >= 0 {
			// Re-establish heap order; cancellation does not reorder other
			// events, it just marks this one so the worker skips its action.
			heap.Fix(q, msg.ev.index)
		}
	case msgShutdown:
		s.timersMu.Lock()
		timers := s.timers
		s.timers = make(map[string]*ScheduledEvent)
		s.timersMu.Unlock()
		for _, ev := range timers {
			ev.cancelled = true
		}
		*q = nil
		return true
	}
	return false
}

func (s *Scheduler) fire(ev *ScheduledEvent) {
	if ev.cancelled {
		return
	}
	s.runAction(ev.action)
	for _, cb := range ev.callbacks {
		s.runAction(cb)
	}
}

// runAction executes a single action, recovering from panics so a single
// misbehaving handler never kills the worker (spec §4.3, §7: "Handler
// exception: catch, log, continue").
func (s *Scheduler) runAction(fn Fn) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Errorf("scheduler action panicked: %v", r)
		}
	}()
	fn()
}
