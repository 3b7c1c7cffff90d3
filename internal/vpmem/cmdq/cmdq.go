// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// Package cmdq is the in-memory implementation of the flush.Channel
// transport. It is a fixed-capacity, ordered command queue with a guest side
// (offer, kick, drain) and a host side (take, complete). The in-flight count
// never exceeds the capacity fixed at construction; a slot is occupied from
// the moment a request is offered until the guest drains its completion.
package cmdq

import (
	"sync"

	"github.com/jkuro-tii/vpmem/internal/vpmem/flush"
)

// Queue carries flush requests to the host endpoint. All bookkeeping lives
// behind one short-lived mutex; the acknowledgement callback is invoked with
// the mutex released so the guest handler can call straight back into
// DrainCompleted.
type Queue struct {
	mu        sync.Mutex
	capacity  int
	inflight  int
	pending   []*flush.Request // offered, host has not taken them yet
	taken     []*flush.Request // with the host, not completed
	completed []*flush.Request // completed, not drained; host completion order
	closed    bool

	// Host acknowledgement callback, registered once before requests
	// flow. Runs on the host side after each completion.
	ack func()

	notify chan struct{}
}

// New returns a queue with the given fixed capacity.
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// SetAckHandler registers the guest handler invoked after each host
// completion. Must be called before the first Offer.
func (q *Queue) SetAckHandler(fn func()) {
	q.ack = fn
}

// Capacity returns the fixed slot count.
func (q *Queue) Capacity() int {
	return q.capacity
}

// InFlight returns how many slots are currently occupied.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.inflight
}

// Offer places r into the queue. Returns false without blocking when all
// slots are occupied or the queue was aborted.
func (q *Queue) Offer(r *flush.Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.inflight == q.capacity {
		return false
	}

	q.inflight++
	q.pending = append(q.pending, r)

	return true
}

// Kick signals the host side that new requests are pending. Fire and forget;
// coalesces with a signal already in flight.
func (q *Queue) Kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// DrainCompleted returns the requests the host finished since the last
// drain, in host completion order, and frees their slots.
func (q *Queue) DrainCompleted() []*flush.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := q.completed
	q.completed = nil
	q.inflight -= len(res)

	return res
}

// Abort closes the queue and returns every request still occupying a slot,
// whether pending or already with the host. Completions arriving after the
// abort are dropped so a canceled request cannot be woken twice.
func (q *Queue) Abort() []*flush.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	res := make([]*flush.Request, 0, len(q.taken)+len(q.pending))
	res = append(res, q.taken...)
	res = append(res, q.pending...)

	q.taken = nil
	q.pending = nil
	q.inflight = 0

	return res
}

// Notified exposes the kick signal for the host side to wait on.
func (q *Queue) Notified() <-chan struct{} {
	return q.notify
}

// Take hands all pending requests to the host side, preserving offer order.
// May return nothing when the kick was spurious.
func (q *Queue) Take() []*flush.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	res := q.pending
	q.pending = nil
	q.taken = append(q.taken, res...)

	return res
}

// Complete records the host status for a taken request and fires the
// acknowledgement callback. A completion for a request the abort already
// claimed is dropped.
func (q *Queue) Complete(r *flush.Request, status uint32) {
	q.mu.Lock()

	if q.closed || !q.remove(r) {
		q.mu.Unlock()
		return
	}

	r.Resp.Ret = status
	q.completed = append(q.completed, r)
	ack := q.ack

	q.mu.Unlock()

	if ack != nil {
		ack()
	}
}

// Removes r from the taken list. Reports whether it was there. The list is
// bounded by the queue capacity, a linear scan is fine.
func (q *Queue) remove(r *flush.Request) bool {
	for i, t := range q.taken {
		if t == r {
			q.taken = append(q.taken[:i], q.taken[i+1:]...)
			return true
		}
	}

	return false
}
