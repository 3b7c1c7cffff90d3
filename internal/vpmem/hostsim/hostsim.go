// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// Package hostsim is the host endpoint of the command queue. The real host
// lives on the other side of the device; this one runs in-process so the
// daemon is self-contained and the flush path can be exercised end to end.
// It waits for kicks, takes pending requests, commits the backing medium and
// acknowledges each request with a host status.
package hostsim

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/jkuro-tii/vpmem/internal/vpmem/cmdq"
	"github.com/jkuro-tii/vpmem/internal/vpmem/flush"
)

// Persister commits outstanding writes to the backing medium. This is the
// host-side durability primitive behind every flush acknowledgement.
type Persister interface {
	Persist() error
}

// FileSync persists by fdatasync on the backing file.
type FileSync struct {
	F *os.File
}

func (s FileSync) Persist() error {
	return unix.Fdatasync(int(s.F.Fd()))
}

// Host serves one command queue with one goroutine. Requests are taken in
// offer order and acknowledged one by one, so completions arrive in the same
// order they were accepted.
type Host struct {
	q *cmdq.Queue
	p Persister

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a host endpoint for q persisting through p.
func New(q *cmdq.Queue, p Persister) *Host {
	return &Host{
		q:    q,
		p:    p,
		stop: make(chan struct{}),
	}
}

// Start runs the host loop.
func (h *Host) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop terminates the host loop and waits for it to finish. After Stop no
// further completions are delivered; whatever is still in flight is the
// engine teardown's to cancel.
func (h *Host) Stop() {
	close(h.stop)
	h.wg.Wait()
}

func (h *Host) loop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stop:
			return
		case <-h.q.Notified():
			h.serve()
		}
	}
}

// Take everything pending and acknowledge each request. An unknown request
// type is refused without touching the medium.
func (h *Host) serve() {
	for _, r := range h.q.Take() {
		status := flush.StatusOK

		if r.Req.Type != flush.ReqTypeFlush {
			status = flush.StatusEIO
		} else if err := h.p.Persist(); err != nil {
			log.Warn().Err(err).Str("req", r.ID.String()).Msg("host persist failed")
			status = flush.StatusEIO
		}

		h.q.Complete(r, status)
	}
}
