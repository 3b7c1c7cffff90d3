// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// Package flush implements the durability request engine. A caller asking
// for a flush hands a request to the host over a bounded command channel and
// blocks until the host acknowledges the commit. When the channel is out of
// slots the request is parked on a deferred list and promoted, oldest first,
// as acknowledgements free capacity. No request is ever dropped: every
// submission ends in exactly one completion, either a host status or a
// cancellation at device teardown.
//
// The package defines the Channel interface for the transport towards the
// host. Anything bounded and host-acknowledged can implement it, the in-tree
// implementation is cmdq.
package flush

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// Request types understood by the host.
const ReqTypeFlush uint32 = 0

// Host status codes. StatusOK acknowledges a durable commit, StatusEIO is
// the host-side write failure. Anything else is passed through opaquely.
const (
	StatusOK  uint32 = 0
	StatusEIO uint32 = 1
)

// ErrCanceled is returned to callers whose requests were still outstanding
// when the device was torn down.
var ErrCanceled = errors.New("flush: canceled by device teardown")

// HostError carries a non-OK status reported by the host. The code is opaque
// to the guest and echoed verbatim.
type HostError struct {
	Code uint32
}

func (e *HostError) Error() string {
	return fmt.Sprintf("flush: host reported status %d", e.Code)
}

// Req is the request payload sent to the host.
type Req struct {
	Type uint32
}

// Resp is the response payload filled in by the host.
type Resp struct {
	Ret uint32
}

// Request is one outstanding durability request. It is the token travelling
// through the command channel; the host fills Resp before acknowledging.
// Each request has exactly one waiter, woken through its own done channel.
type Request struct {
	Req  Req
	Resp Resp

	// Correlation id for log messages.
	ID xid.ID

	// Submission sequence number, assigned under the engine lock. Parked
	// requests are promoted in this order.
	seq uint64

	done     chan struct{}
	canceled bool
}

// Channel is the bounded, ordered transport carrying requests to the host.
//
// Offer places a request into the channel without blocking and reports false
// when capacity is exhausted. Kick signals the host that new requests are
// available, fire and forget. DrainCompleted returns the requests the host
// has finished since the last drain, in host completion order, and frees
// their slots; it must only be called from the host acknowledgement context.
// Abort tears the channel down and returns every request still in flight.
type Channel interface {
	Offer(r *Request) bool
	Kick()
	DrainCompleted() []*Request
	Abort() []*Request
}

// Engine orchestrates the request lifecycle. One lock guards the deferred
// list, sequence numbering and the closed flag. The lock is never held
// across a blocking wait: Submit releases it before parking on the request
// and OnHostSignal never blocks while holding it.
type Engine struct {
	ch Channel

	mu       sync.Mutex
	deferred []*Request
	seq      uint64
	closed   bool
}

// NewEngine returns an engine submitting over ch. The channel's
// acknowledgement callback must be wired to OnHostSignal by the caller.
func NewEngine(ch Channel) *Engine {
	return &Engine{ch: ch}
}

// Submit sends one flush request to the host and blocks until the host
// acknowledges it. The request is either accepted by the channel right away
// or parked on the deferred list when the channel is full; either way the
// caller blocks on the request's completion with no timeout. Returns nil for
// an OK status, a HostError for any other host status and ErrCanceled when
// the device is torn down while the request is outstanding.
func (e *Engine) Submit() error {
	r := &Request{
		Req:  Req{Type: ReqTypeFlush},
		ID:   xid.New(),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrCanceled
	}

	r.seq = e.seq
	e.seq++

	if e.ch.Offer(r) {
		e.ch.Kick()
		log.Trace().Str("req", r.ID.String()).Msg("flush queued")
	} else {
		e.deferred = append(e.deferred, r)
		log.Trace().Str("req", r.ID.String()).Msg("flush deferred, channel full")
	}
	e.mu.Unlock()

	<-r.done

	if r.canceled {
		return ErrCanceled
	}
	if r.Resp.Ret != StatusOK {
		return &HostError{Code: r.Resp.Ret}
	}

	return nil
}

// OnHostSignal is the host acknowledgement handler. It runs in the host
// signal context, potentially concurrently with any number of Submit calls
// on other requests. Completed requests are drained and their waiters woken
// one by one, then deferred requests are promoted into the freed slots in
// submission order. A spurious signal with nothing completed is harmless.
func (e *Engine) OnHostSignal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.ch.DrainCompleted() {
		close(r.done)
	}

	if e.closed {
		return
	}

	promoted := false
	for len(e.deferred) > 0 && e.ch.Offer(e.deferred[0]) {
		log.Trace().Str("req", e.deferred[0].ID.String()).Msg("flush promoted")
		e.deferred = e.deferred[1:]
		promoted = true
	}

	if promoted {
		e.ch.Kick()
	}
}

// Close fails every outstanding request and wakes its waiter. Responses the
// host already delivered are handed out with their real status first, then
// everything still queued in the channel or parked on the deferred list is
// completed with ErrCanceled. Leaving requests parked here would hang their
// callers forever. Submissions after Close fail with ErrCanceled.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true

	for _, r := range e.ch.DrainCompleted() {
		close(r.done)
	}

	aborted := e.ch.Abort()
	for _, r := range aborted {
		r.canceled = true
		close(r.done)
	}

	for _, r := range e.deferred {
		r.canceled = true
		close(r.done)
	}

	if n := len(aborted) + len(e.deferred); n > 0 {
		log.Info().Int("requests", n).Msg("canceled outstanding flush requests")
	}

	e.deferred = nil
}

// Deferred returns how many requests are currently parked waiting for a
// channel slot.
func (e *Engine) Deferred() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.deferred)
}
