// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

package vpmem

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/jkuro-tii/vpmem/internal/config"
	"github.com/jkuro-tii/vpmem/internal/vpmem/cmdq"
	"github.com/jkuro-tii/vpmem/internal/vpmem/flush"
	"github.com/jkuro-tii/vpmem/internal/vpmem/hostsim"
	"github.com/jkuro-tii/vpmem/internal/vpmem/region"
)

// Device is one persistent memory device instance: the physical window over
// the host-provided region plus the flush engine committing it on demand.
type Device struct {
	win    *region.Window
	queue  *cmdq.Queue
	engine *flush.Engine
	host   *hostsim.Host // nil when the host endpoint is run externally

	backing     *os.File
	ownsBacking bool
}

// NewWithDefaults builds a device from the global configuration: the backing
// file stands in for the physical address space, the region comes from the
// host descriptor blob when one is configured and from the backing section
// otherwise, and an in-process host endpoint is started over the command
// queue.
func NewWithDefaults() (*Device, error) {
	f, reg, err := openBacking()
	if err != nil {
		return nil, err
	}

	q := cmdq.New(config.Cfg.QueueDepth)
	d := New(region.NewWindow(f, reg), q, hostsim.New(q, hostsim.FileSync{F: f}))
	d.backing = f
	d.ownsBacking = true

	log.Info().
		Uint64("start", reg.Start).
		Uint64("size", reg.Size).
		Int("queue_depth", q.Capacity()).
		Msg("vpmem device ready")

	return d, nil
}

// New builds a device over an already constructed window and command queue.
// The host endpoint may be nil when its lifecycle is managed by the caller.
// New wires the queue's acknowledgement path to the flush engine and starts
// the host.
func New(win *region.Window, q *cmdq.Queue, h *hostsim.Host) *Device {
	engine := flush.NewEngine(q)
	q.SetAckHandler(engine.OnHostSignal)

	if h != nil {
		h.Start()
	}

	return &Device{
		win:    win,
		queue:  q,
		engine: engine,
		host:   h,
	}
}

// ReadAt implements io.ReaderAt over the region.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.win.ReadAt(p, off)
}

// WriteAt implements io.WriterAt over the region.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.win.WriteAt(p, off)
}

// Map returns the long-lived whole-region mapping shared with the backing
// medium. It stays valid until Close.
func (d *Device) Map() ([]byte, error) {
	return d.win.Map()
}

// Flush blocks until the host has durably committed all data written to the
// region so far. Dirty pages of the whole-region mapping are written back
// first so mapped stores are part of the commit.
func (d *Device) Flush() error {
	if err := d.win.Sync(); err != nil {
		return fmt.Errorf("vpmem: writeback before flush: %w", err)
	}

	return d.engine.Submit()
}

// Size returns the region length in bytes.
func (d *Device) Size() int64 {
	return d.win.Size()
}

// Open returns a handle with its own position cursor, giving the device the
// usual read, write and seek file semantics.
func (d *Device) Open() *Handle {
	return &Handle{d: d}
}

// Close tears the device down. The host endpoint is stopped first so no new
// acknowledgements race the teardown, then every outstanding flush request
// is failed with flush.ErrCanceled and its caller woken. Finally the region
// mapping and the backing file are released.
func (d *Device) Close() error {
	if d.host != nil {
		d.host.Stop()
	}

	d.engine.Close()

	err := d.win.Unmap()

	if d.ownsBacking {
		if cerr := d.backing.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// Handle carries a position cursor over a device, one per opener.
type Handle struct {
	d   *Device
	pos int64
}

// Read reads from the current position and advances it by the amount read.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.d.win.ReadAt(p, h.pos)
	h.pos += int64(n)

	return n, err
}

// Write writes at the current position and advances it by the amount
// written.
func (h *Handle) Write(p []byte) (int, error) {
	n, err := h.d.win.WriteAt(p, h.pos)
	h.pos += int64(n)

	return n, err
}

// Seek repositions the cursor. Targets outside the region fail with
// region.ErrSeekRange and leave the cursor untouched; seeking to the end
// parks the cursor exactly at the region size.
func (h *Handle) Seek(off int64, whence int) (int64, error) {
	pos, err := h.d.win.Seek(h.pos, off, whence)
	if err != nil {
		return 0, err
	}

	h.pos = pos

	return pos, nil
}

// Opens the backing file and resolves the region descriptor from the
// configuration.
func openBacking() (*os.File, region.Region, error) {
	var reg region.Region

	if config.Cfg.Descriptor != "" {
		blob, err := os.ReadFile(config.Cfg.Descriptor)
		if err != nil {
			return nil, reg, err
		}

		reg, err = region.ParseDescriptor(blob)
		if err != nil {
			return nil, reg, err
		}
	} else {
		reg = region.Region{
			Start: uint64(config.Cfg.Backing.Offset),
			Size:  uint64(config.Cfg.Backing.Size),
		}
	}

	flags := os.O_RDWR
	if config.Cfg.Backing.Create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(config.Cfg.Backing.Path, flags, 0644)
	if err != nil {
		return nil, reg, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, reg, err
	}

	if need := int64(reg.End()); fi.Size() < need {
		if !config.Cfg.Backing.Create {
			f.Close()
			return nil, reg, fmt.Errorf("vpmem: backing %s is %d bytes, region ends at %d",
				config.Cfg.Backing.Path, fi.Size(), need)
		}

		if err := f.Truncate(need); err != nil {
			f.Close()
			return nil, reg, err
		}
	}

	return f, reg, nil
}
