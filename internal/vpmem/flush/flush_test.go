// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

package flush

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scripted channel for driving the engine without a host goroutine. Mirrors
// the cmdq slot accounting: a slot is occupied from offer until drain.
type fakeChannel struct {
	mu        sync.Mutex
	capacity  int
	inflight  int
	queued    []*Request
	completed []*Request
	accepted  []uint64 // seq numbers in accept order
	kicks     int
}

func (c *fakeChannel) Offer(r *Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == c.capacity {
		return false
	}

	c.inflight++
	c.queued = append(c.queued, r)
	c.accepted = append(c.accepted, r.seq)

	return true
}

func (c *fakeChannel) Kick() {
	c.mu.Lock()
	c.kicks++
	c.mu.Unlock()
}

func (c *fakeChannel) DrainCompleted() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.completed
	c.completed = nil
	c.inflight -= len(res)

	return res
}

func (c *fakeChannel) Abort() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.queued
	c.queued = nil
	c.inflight = 0

	return res
}

// Host side of the script: finish the oldest queued request.
func (c *fakeChannel) completeOldest(status uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.queued[0]
	c.queued = c.queued[1:]
	r.Resp.Ret = status
	c.completed = append(c.completed, r)
}

func (c *fakeChannel) queuedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queued)
}

func (c *fakeChannel) acceptedSeqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint64(nil), c.accepted...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitCompletes(t *testing.T) {
	ch := &fakeChannel{capacity: 1}
	e := NewEngine(ch)

	errc := make(chan error, 1)
	go func() { errc <- e.Submit() }()

	waitFor(t, "request queued", func() bool { return ch.queuedLen() == 1 })
	ch.completeOldest(StatusOK)
	e.OnHostSignal()

	require.NoError(t, <-errc)
	assert.Equal(t, 1, ch.kicks)
}

func TestHostErrorPassedThrough(t *testing.T) {
	ch := &fakeChannel{capacity: 1}
	e := NewEngine(ch)

	errc := make(chan error, 1)
	go func() { errc <- e.Submit() }()

	waitFor(t, "request queued", func() bool { return ch.queuedLen() == 1 })
	ch.completeOldest(7)
	e.OnHostSignal()

	err := <-errc
	var herr *HostError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint32(7), herr.Code)
}

// With capacity C and N > C submissions, exactly C requests are accepted
// right away, the rest park on the deferred list and are promoted in
// submission order as completions free slots.
func TestBackpressurePromotesFIFO(t *testing.T) {
	const capacity, n = 2, 5

	ch := &fakeChannel{capacity: capacity}
	e := NewEngine(ch)

	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Submit()
		}()

		// Admit submissions one at a time so the deferred order is
		// the loop order.
		waitFor(t, "submission admitted", func() bool {
			return ch.queuedLen()+e.Deferred() == i+1
		})
	}

	assert.Equal(t, capacity, ch.queuedLen())
	assert.Equal(t, n-capacity, e.Deferred())

	for i := 0; i < n; i++ {
		ch.completeOldest(StatusOK)
		e.OnHostSignal()
	}

	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, ch.acceptedSeqs())
	assert.Zero(t, e.Deferred())
	assert.Zero(t, ch.queuedLen())
}

// Spec'd teardown scenario: capacity 2, five submissions, no host signal.
// Close must unblock all five callers with a cancellation.
func TestCloseCancelsQueuedAndDeferred(t *testing.T) {
	const capacity, n = 2, 5

	ch := &fakeChannel{capacity: capacity}
	e := NewEngine(ch)

	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Submit()
		}()

		waitFor(t, "submission admitted", func() bool {
			return ch.queuedLen()+e.Deferred() == i+1
		})
	}

	e.Close()
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrCanceled, "request %d", i)
	}

	assert.ErrorIs(t, e.Submit(), ErrCanceled)
}

// Responses the host already delivered are handed out with their real
// status during teardown; only requests without a response get canceled.
func TestCloseDeliversCompletedResponses(t *testing.T) {
	ch := &fakeChannel{capacity: 2}
	e := NewEngine(ch)

	errc := make(chan error, 2)
	go func() { errc <- e.Submit() }()
	waitFor(t, "first queued", func() bool { return ch.queuedLen() == 1 })
	go func() { errc <- e.Submit() }()
	waitFor(t, "second queued", func() bool { return ch.queuedLen() == 2 })

	// Host finished the first request but the ack signal never ran.
	ch.completeOldest(StatusOK)

	e.Close()

	var ok, canceled int
	for i := 0; i < 2; i++ {
		switch err := <-errc; err {
		case nil:
			ok++
		case ErrCanceled:
			canceled++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, canceled)
}

func TestSpuriousSignal(t *testing.T) {
	ch := &fakeChannel{capacity: 1}
	e := NewEngine(ch)

	e.OnHostSignal()

	assert.Zero(t, e.Deferred())
	assert.Zero(t, ch.kicks)
}

func TestCloseIdempotent(t *testing.T) {
	ch := &fakeChannel{capacity: 1}
	e := NewEngine(ch)

	e.Close()
	e.Close()

	assert.ErrorIs(t, e.Submit(), ErrCanceled)
}
