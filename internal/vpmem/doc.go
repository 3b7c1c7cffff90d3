// Copyright 2025 TII (SSRC) and the Ghaf contributors
// SPDX-License-Identifier: Apache-2.0

// vpmem is the guest-side core of a host-backed persistent memory device.
// It exposes the region announced by the host as a byte-addressable,
// file-like surface (random-access read, write, seek and a whole-region
// mapping) and guarantees on demand that written data is durably committed
// by the host.
//
// The package wires two collaborators defined by interfaces. The flush
// package owns the durability protocol over a bounded command channel, cmdq
// implements the channel and hostsim serves its host end. Any other bounded,
// host-acknowledged transport can be slotted in by implementing
// flush.Channel.
package vpmem
