// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// Package region provides byte-addressable access to the persistent memory
// range announced by the host. The range is described by a start address and
// a size and is backed by a file descriptor. Reads and writes go through a
// transient mapping of just the touched sub-range, the way the char device
// remaps the physical window per request. A single long-lived mapping of the
// whole range can be handed out for zero-copy access.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Length of the host-exposed region descriptor: two 64-bit little-endian
// fields, start and size.
const DescriptorSize = 16

var (
	// ErrDescriptor is returned when the host configuration blob is too
	// short to contain a region descriptor.
	ErrDescriptor = errors.New("region: short descriptor")

	// ErrNoMem is returned when a transient mapping or its bounce buffer
	// cannot be obtained.
	ErrNoMem = errors.New("region: out of memory")

	// ErrFault is returned when the copy between the mapping and the
	// caller memory cannot complete.
	ErrFault = errors.New("region: bad address")

	// ErrSeekRange is returned when a seek would land outside the region.
	ErrSeekRange = errors.New("region: position out of range")

	// ErrWhence is returned for an unknown seek whence value.
	ErrWhence = errors.New("region: invalid whence")

	// ErrMap is returned when the whole-region mapping cannot be
	// established.
	ErrMap = errors.New("region: mapping failed")
)

// Region is the contiguous range backing the device. Both fields come from
// the host configuration and are immutable for the device lifetime.
type Region struct {
	Start uint64
	Size  uint64
}

// ParseDescriptor decodes the host configuration blob into a Region. The
// fields are little-endian, matching the on-wire device config layout.
func ParseDescriptor(b []byte) (Region, error) {
	if len(b) < DescriptorSize {
		return Region{}, fmt.Errorf("%w: %d bytes", ErrDescriptor, len(b))
	}

	return Region{
		Start: binary.LittleEndian.Uint64(b[:8]),
		Size:  binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// Descriptor encodes the region back into its 16 byte wire form.
func (r Region) Descriptor() []byte {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint64(b[:8], r.Start)
	binary.LittleEndian.PutUint64(b[8:16], r.Size)

	return b
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}
