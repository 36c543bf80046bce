// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; timers and sleeps register pending
// waiters that fire when the clock moves past their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously during Advance in deadline order; do not call
// Advance or Sleep from inside a callback.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is a pending After, AfterFunc, or Sleep operation.
type waiter struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc waiters
	callback func()         // nil for channel waiters
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &waiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// the deadline. If d <= 0, returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking; AfterFunc callbacks run in the calling
// goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	toFire := c.collectExpired(target)
	sort.Slice(toFire, func(i, j int) bool {
		return toFire[i].deadline.Before(toFire[j].deadline)
	})

	for _, w := range toFire {
		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// collectExpired removes expired waiters from the pending list and
// returns the ones that should fire.
func (c *FakeClock) collectExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire []*waiter
	var remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			w.fired = true
			toFire = append(toFire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	return toFire
}

// WaitForTimers blocks until at least n waiters are pending. This
// removes the race between a goroutine registering a timer and the
// test advancing the clock:
//
//	go func() { fake.Sleep(5 * time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
