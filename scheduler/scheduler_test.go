// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P2 (spec §8, scenario 4): schedule(A, 0.2), schedule(B, 0.1), schedule(C,
// 0.2) must execute in order B, A, C.
func TestSchedulerOrdering(t *testing.T) {
	s := New(nil)
	s.Run()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	record := func(name string) Fn {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	done := func(f Fn) Fn {
		return func() { f(); wg.Done() }
	}

	s.Schedule(done(record("A")), 200*time.Millisecond)
	s.Schedule(done(record("B")), 100*time.Millisecond)
	s.Schedule(done(record("C")), 200*time.Millisecond)

	waitTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "A", "C"}, order)
}

// P3: cancelling an event before it fires prevents its action from running.
func TestSchedulerCancellation(t *testing.T) {
	s := New(nil)
	s.Run()
	defer s.Stop()

	fired := false
	h := s.Schedule(func() { fired = true }, 50*time.Millisecond)
	h.Cancel()

	// Schedule a marker event after the cancelled one's deadline and wait for
	// it, proving the worker advanced past the cancelled entry.
	var wg sync.WaitGroup
	wg.Add(1)
	s.Schedule(func() { wg.Done() }, 100*time.Millisecond)
	waitTimeout(t, &wg, time.Second)

	assert.False(t, fired)
}

func TestSchedulerZeroDelayRunsPromptly(t *testing.T) {
	s := New(nil)
	s.Run()
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	s.Schedule(func() { wg.Done() }, 0)
	waitTimeout(t, &wg, time.Second)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestCreateTimerFiresAndCleansUp(t *testing.T) {
	s := New(nil)
	s.Run()
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	s.CreateTimer("t1", 30*time.Millisecond, func() { wg.Done() })
	waitTimeout(t, &wg, time.Second)

	s.timersMu.Lock()
	_, stillRegistered := s.timers["t1"]
	s.timersMu.Unlock()
	assert.False(t, stillRegistered, "fired timer must drop itself from the timer table")
}

func TestRemoveTimerPreventsFire(t *testing.T) {
	s := New(nil)
	s.Run()
	defer s.Stop()

	fired := false
	s.CreateTimer("t1", 50*time.Millisecond, func() { fired = true })
	s.RemoveTimer("t1")

	var wg sync.WaitGroup
	wg.Add(1)
	s.Schedule(func() { wg.Done() }, 100*time.Millisecond)
	waitTimeout(t, &wg, time.Second)

	assert.False(t, fired)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Run()
	s.Stop()
	require.NotPanics(t, s.Stop)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out waiting for scheduled actions")
	}
}
