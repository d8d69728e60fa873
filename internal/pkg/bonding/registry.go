// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

import (
	"iter"
	"slices"
)

type slot struct {
	gen   uint32
	slave *Slave
}

// Registry is the ordered collection of slaves of a bond.
//
// Slaves live in an arena of generation-checked slots, while the attach order
// is kept separately as a ring of slot indices.
// Registry is not safe for concurrent use, the bond lock protects it.
type Registry struct {
	slots []slot
	free  []uint32
	order []uint32
}

// Len returns the number of slaves.
func (r *Registry) Len() int {
	return len(r.order)
}

// Add a slave to the end of the ring.
func (r *Registry) Add(s *Slave) SlaveHandle {
	var index uint32

	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	r.slots[index].gen++
	r.slots[index].slave = s

	r.order = append(r.order, index)

	s.handle = SlaveHandle{index: index, gen: r.slots[index].gen}

	return s.handle
}

// Remove the slave, the handle never resolves afterwards.
func (r *Registry) Remove(h SlaveHandle) (*Slave, bool) {
	s, ok := r.Get(h)
	if !ok {
		return nil, false
	}

	r.order = slices.DeleteFunc(r.order, func(index uint32) bool { return index == h.index })

	r.slots[h.index].slave = nil
	// bump the generation on release as well, so stale handles fail even before reuse
	r.slots[h.index].gen++
	r.free = append(r.free, h.index)

	return s, true
}

// Get resolves a handle.
func (r *Registry) Get(h SlaveHandle) (*Slave, bool) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil, false
	}

	sl := r.slots[h.index]
	if sl.gen != h.gen || sl.slave == nil {
		return nil, false
	}

	return sl.slave, true
}

// Contains returns true if the handle resolves.
func (r *Registry) Contains(h SlaveHandle) bool {
	_, ok := r.Get(h)

	return ok
}

// First returns the first attached slave, or nil.
func (r *Registry) First() *Slave {
	if len(r.order) == 0 {
		return nil
	}

	return r.slots[r.order[0]].slave
}

// Next returns the slave following h in the ring, wrapping around.
func (r *Registry) Next(h SlaveHandle) *Slave {
	pos := r.position(h)
	if pos < 0 {
		return r.First()
	}

	return r.slots[r.order[(pos+1)%len(r.order)]].slave
}

// Find returns the first slave matching the predicate.
func (r *Registry) Find(pred func(*Slave) bool) *Slave {
	for s := range r.All() {
		if pred(s) {
			return s
		}
	}

	return nil
}

// All iterates over slaves in attach order.
func (r *Registry) All() iter.Seq[*Slave] {
	return r.From(SlaveHandle{})
}

// From iterates over the ring starting at h, visiting every slave exactly once.
//
// If h doesn't resolve, iteration starts at the first slave.
func (r *Registry) From(h SlaveHandle) iter.Seq[*Slave] {
	return func(yield func(*Slave) bool) {
		n := len(r.order)
		if n == 0 {
			return
		}

		start := max(r.position(h), 0)

		order := slices.Clone(r.order)

		for i := range n {
			s := r.slots[order[(start+i)%n]].slave
			if s == nil {
				continue
			}

			if !yield(s) {
				return
			}
		}
	}
}

func (r *Registry) position(h SlaveHandle) int {
	if !r.Contains(h) {
		return -1
	}

	return slices.Index(r.order, h.index)
}
