package net

import (
	"time"
)

// reassembly collects the fragments of one group. Parts are stored as they
// arrive, so a record costs what its fragments carry, not what their count
// announces.
type reassembly struct {
	parts map[uint16][]byte
	total uint16
	size  int
	// lastArrival is refreshed by every new fragment; staleness is measured
	// from it, not from the first fragment.
	lastArrival time.Time
}

func newReassembly(count uint16, now time.Time) *reassembly {
	return &reassembly{
		parts:       make(map[uint16][]byte),
		total:       count,
		lastArrival: now,
	}
}

func (r *reassembly) count() uint16 {
	return r.total
}

func (r *reassembly) received() int {
	return len(r.parts)
}

func (r *reassembly) has(index uint16) bool {
	_, ok := r.parts[index]
	return ok
}

// add stores a fragment payload. It reports false if the index was already
// present, leaving the record untouched.
func (r *reassembly) add(index uint16, payload []byte, now time.Time) bool {
	if r.has(index) {
		return false
	}
	r.parts[index] = payload
	r.size += len(payload)
	r.lastArrival = now
	return true
}

func (r *reassembly) complete() bool {
	return len(r.parts) == int(r.total)
}

// join concatenates the payloads in index order.
func (r *reassembly) join() []byte {
	buf := make([]byte, 0, r.size)
	for i := uint16(0); i < r.total; i++ {
		buf = append(buf, r.parts[i]...)
	}
	return buf
}

// retiredGroup remembers a group that left the reassembly table, so late
// fragments can be told apart from the start of a new group.
type retiredGroup struct {
	at      time.Time
	evicted bool
}
