// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

package region

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Window performs byte-range transfers against the region through transient
// mappings of the backing descriptor. Each ReadAt and WriteAt is
// self-contained: it maps exactly the touched sub-range, copies through a
// bounce buffer and unmaps again on every exit path. The only state kept
// across calls is the optional whole-region mapping from Map.
type Window struct {
	f    *os.File
	reg  Region
	page int64

	// Guards the long-lived whole-region mapping.
	mapmu sync.Mutex
	whole []byte // full page-aligned mapping, nil until Map
	view  []byte // region-sized view into whole
}

// NewWindow returns a window over the region inside the backing descriptor.
func NewWindow(f *os.File, reg Region) *Window {
	return &Window{
		f:    f,
		reg:  reg,
		page: int64(os.Getpagesize()),
	}
}

// Region returns the descriptor the window was built from.
func (w *Window) Region() Region {
	return w.reg
}

// Size returns the region length in bytes.
func (w *Window) Size() int64 {
	return int64(w.reg.Size)
}

// ReadAt copies into p from the region starting at off. The transfer is
// clamped to the region end. A short count with io.EOF means the region end
// was hit, matching the io.ReaderAt contract. Offsets at or past the end
// read zero bytes and no mapping is performed for a zero-length transfer.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrSeekRange
	}
	if off >= w.Size() {
		return 0, io.EOF
	}

	n := clamp(len(p), w.Size()-off)
	if n == 0 {
		return 0, nil
	}

	mem, shift, err := w.mapRange(off, n)
	if err != nil {
		return 0, err
	}
	defer unix.Munmap(mem)

	// Bounce buffer between the mapping and the caller memory.
	buf := make([]byte, n)
	copy(buf, mem[shift:shift+int64(n)])
	copy(p, buf)

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt copies p into the region starting at off, clamped to the region
// end the same way as ReadAt. A clamped transfer returns the short count
// together with io.ErrShortWrite. Offsets at or past the end write nothing.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrSeekRange
	}
	if off >= w.Size() {
		return 0, io.ErrShortWrite
	}

	n := clamp(len(p), w.Size()-off)
	if n == 0 {
		return 0, nil
	}

	mem, shift, err := w.mapRange(off, n)
	if err != nil {
		return 0, err
	}
	defer unix.Munmap(mem)

	buf := make([]byte, n)
	copy(buf, p[:n])
	copy(mem[shift:shift+int64(n)], buf)

	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// Seek resolves a repositioning request against the region bounds. Unlike
// the read and write paths nothing is clamped here: a SeekStart or SeekCurrent
// target outside [0, size) fails with ErrSeekRange, and SeekEnd lands exactly
// at size.
func (w *Window) Seek(cur, off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		if off < 0 || off >= w.Size() {
			return 0, ErrSeekRange
		}
		return off, nil

	case io.SeekCurrent:
		pos := cur + off
		if pos < 0 || pos >= w.Size() {
			return 0, ErrSeekRange
		}
		return pos, nil

	case io.SeekEnd:
		return w.Size(), nil

	default:
		return 0, ErrWhence
	}
}

// Map establishes the long-lived whole-region mapping and returns it. The
// mapping is shared with the backing medium, excluded from core dumps and
// pinned best-effort so it behaves like device memory rather than anonymous
// pages. Repeated calls return the same mapping.
func (w *Window) Map() ([]byte, error) {
	w.mapmu.Lock()
	defer w.mapmu.Unlock()

	if w.view != nil {
		return w.view, nil
	}

	start := int64(w.reg.Start)
	aligned := start &^ (w.page - 1)
	shift := start - aligned

	mem, err := unix.Mmap(int(w.f.Fd()), aligned, int(shift)+int(w.reg.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMap, err)
	}

	unix.Madvise(mem, unix.MADV_DONTDUMP)

	if err := unix.Mlock(mem); err != nil {
		log.Warn().Err(err).Msg("could not pin region mapping")
	}

	w.whole = mem
	w.view = mem[shift : shift+int64(w.reg.Size)]

	return w.view, nil
}

// Sync writes dirty pages of the whole-region mapping back to the medium.
// Without an established mapping there is nothing to do.
func (w *Window) Sync() error {
	w.mapmu.Lock()
	defer w.mapmu.Unlock()

	if w.whole == nil {
		return nil
	}

	return unix.Msync(w.whole, unix.MS_SYNC)
}

// Unmap releases the whole-region mapping if it was established.
func (w *Window) Unmap() error {
	w.mapmu.Lock()
	defer w.mapmu.Unlock()

	if w.whole == nil {
		return nil
	}

	err := unix.Munmap(w.whole)
	w.whole = nil
	w.view = nil

	return err
}

// Establishes a transient mapping covering n bytes of the region starting at
// off. The mapping offset is aligned down to a page boundary, the returned
// shift is the position of the requested range within the mapping.
func (w *Window) mapRange(off int64, n int) ([]byte, int64, error) {
	abs := int64(w.reg.Start) + off
	aligned := abs &^ (w.page - 1)
	shift := abs - aligned

	mem, err := unix.Mmap(int(w.f.Fd()), aligned, int(shift)+n,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, mapErrno(err)
	}

	return mem, shift, nil
}

// Translates mapping errnos into the package error taxonomy.
func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%w: %v", ErrNoMem, err)
	case errors.Is(err, unix.EFAULT):
		return fmt.Errorf("%w: %v", ErrFault, err)
	default:
		return err
	}
}

func clamp(n int, avail int64) int {
	if int64(n) > avail {
		return int(avail)
	}

	return n
}
