// Package pool implements the intrusive, indexed, free-list-managed slot
// table that is the identity model for players, games, and connections:
// entries never move, identity is a stable integer index, and dangling
// references are impossible by construction (a freed index is observably
// unused via IsUsed).
package pool

import "fmt"

const noIndex = -1

type slot[T any] struct {
	value T
	used  bool
	prev  int
	next  int
}

// Pool is a contiguous slab of Slot[T] with a used list and a free list,
// both doubly linked through parallel index arrays. Fixed pools fail Alloc
// at capacity; growable pools double capacity on demand.
type Pool[T any] struct {
	slots    []slot[T]
	growable bool

	usedFirst, usedLast int
	freeFirst, freeLast int
	size                int
}

// NewFixed creates a pool with a capacity that never grows.
func NewFixed[T any](capacity int) *Pool[T] {
	return newPool[T](capacity, false)
}

// NewGrowable creates a pool that doubles capacity when Alloc/AllocAt need
// more room than currently exists.
func NewGrowable[T any](initialCapacity int) *Pool[T] {
	return newPool[T](initialCapacity, true)
}

func newPool[T any](capacity int, growable bool) *Pool[T] {
	p := &Pool[T]{growable: growable, usedFirst: noIndex, usedLast: noIndex, freeFirst: noIndex, freeLast: noIndex}
	p.grow(capacity)
	return p
}

func (p *Pool[T]) grow(toCapacity int) {
	start := len(p.slots)
	if toCapacity <= start {
		return
	}
	grown := make([]slot[T], toCapacity)
	copy(grown, p.slots)
	p.slots = grown
	for i := start; i < toCapacity; i++ {
		p.slots[i].prev = i - 1
		p.slots[i].next = i + 1
	}
	p.slots[toCapacity-1].next = noIndex
	if p.freeFirst == noIndex {
		p.freeFirst = start
		p.slots[start].prev = noIndex
	} else {
		p.slots[p.freeLast].next = start
		p.slots[start].prev = p.freeLast
	}
	p.freeLast = toCapacity - 1
}

func (p *Pool[T]) growToFit(minCapacity int) bool {
	if minCapacity <= len(p.slots) {
		return true
	}
	if !p.growable {
		return false
	}
	newCap := len(p.slots)
	if newCap == 0 {
		newCap = 1
	}
	for newCap < minCapacity {
		newCap *= 2
	}
	p.grow(newCap)
	return true
}

// Capacity returns the current slab size.
func (p *Pool[T]) Capacity() int { return len(p.slots) }

// Size returns the number of used entries.
func (p *Pool[T]) Size() int { return p.size }

// Available returns the number of free entries.
func (p *Pool[T]) Available() int { return len(p.slots) - p.size }

// IsUsed reports whether index i is currently allocated.
func (p *Pool[T]) IsUsed(i int) bool {
	return i >= 0 && i < len(p.slots) && p.slots[i].used
}

func (p *Pool[T]) unlinkFree(i int) {
	s := &p.slots[i]
	if s.prev != noIndex {
		p.slots[s.prev].next = s.next
	} else {
		p.freeFirst = s.next
	}
	if s.next != noIndex {
		p.slots[s.next].prev = s.prev
	} else {
		p.freeLast = s.prev
	}
}

func (p *Pool[T]) appendUsed(i int) {
	s := &p.slots[i]
	s.prev = p.usedLast
	s.next = noIndex
	if p.usedLast != noIndex {
		p.slots[p.usedLast].next = i
	} else {
		p.usedFirst = i
	}
	p.usedLast = i
}

func (p *Pool[T]) unlinkUsed(i int) {
	s := &p.slots[i]
	if s.prev != noIndex {
		p.slots[s.prev].next = s.next
	} else {
		p.usedFirst = s.next
	}
	if s.next != noIndex {
		p.slots[s.next].prev = s.prev
	} else {
		p.usedLast = s.prev
	}
}

func (p *Pool[T]) appendFree(i int) {
	s := &p.slots[i]
	s.prev = p.freeLast
	s.next = noIndex
	if p.freeLast != noIndex {
		p.slots[p.freeLast].next = i
	} else {
		p.freeFirst = i
	}
	p.freeLast = i
}

// Alloc returns the free-list head's index, marking it used. It fails on a
// fixed pool at capacity; a growable pool doubles capacity first.
func (p *Pool[T]) Alloc() (int, bool) {
	if p.freeFirst == noIndex {
		if !p.growable {
			return 0, false
		}
		p.grow(max(1, len(p.slots)) * 2)
		if p.freeFirst == noIndex {
			return 0, false
		}
	}
	i := p.freeFirst
	p.unlinkFree(i)
	p.slots[i].used = true
	var zero T
	p.slots[i].value = zero
	p.appendUsed(i)
	p.size++
	return i, true
}

// AllocAt reserves a specific index, failing if it's already used. For
// growable pools, capacity grows until i is available.
func (p *Pool[T]) AllocAt(i int) bool {
	if i < 0 {
		return false
	}
	if !p.growToFit(i + 1) {
		return false
	}
	if p.slots[i].used {
		return false
	}
	p.unlinkFree(i)
	p.slots[i].used = true
	var zero T
	p.slots[i].value = zero
	p.appendUsed(i)
	p.size++
	return true
}

// Free releases index i. A no-op if i is already unused.
func (p *Pool[T]) Free(i int) {
	if !p.IsUsed(i) {
		return
	}
	p.unlinkUsed(i)
	p.slots[i].used = false
	var zero T
	p.slots[i].value = zero
	p.appendFree(i)
	p.size--
}

// Get returns a pointer to the stored value at i. Panics if i is unused, to
// surface identity-model bugs loudly rather than silently returning a
// zero-value ghost entry.
func (p *Pool[T]) Get(i int) *T {
	if !p.IsUsed(i) {
		panic(fmt.Sprintf("pool: Get on unused index %d", i))
	}
	return &p.slots[i].value
}

// First returns the lowest-inserted used index, or -1 if the pool is empty.
func (p *Pool[T]) First() int { return p.usedFirst }

// Last returns the highest-inserted used index, or -1 if the pool is empty.
func (p *Pool[T]) Last() int { return p.usedLast }

// Next returns the used index following i in iteration order, or -1.
func (p *Pool[T]) Next(i int) int {
	if !p.IsUsed(i) {
		return noIndex
	}
	return p.slots[i].next
}

// Prev returns the used index preceding i in iteration order, or -1.
func (p *Pool[T]) Prev(i int) int {
	if !p.IsUsed(i) {
		return noIndex
	}
	return p.slots[i].prev
}

// Swap exchanges a and b's positions in the used-list order; values stay
// at their own indices, only iteration order changes.
func (p *Pool[T]) Swap(a, b int) {
	if a == b || !p.IsUsed(a) || !p.IsUsed(b) {
		return
	}
	aPrev, aNext := p.slots[a].prev, p.slots[a].next
	bPrev, bNext := p.slots[b].prev, p.slots[b].next

	relink := func(i, prev, next int) {
		if prev != noIndex {
			p.slots[prev].next = i
		} else {
			p.usedFirst = i
		}
		if next != noIndex {
			p.slots[next].prev = i
		} else {
			p.usedLast = i
		}
	}

	if aNext == b {
		p.slots[a].prev, p.slots[a].next = b, bNext
		p.slots[b].prev, p.slots[b].next = aPrev, a
		relink(b, aPrev, a)
		relink(a, b, bNext)
		return
	}
	if bNext == a {
		p.slots[b].prev, p.slots[b].next = a, aNext
		p.slots[a].prev, p.slots[a].next = bPrev, b
		relink(a, bPrev, b)
		relink(b, a, aNext)
		return
	}

	p.slots[a].prev, p.slots[a].next = bPrev, bNext
	p.slots[b].prev, p.slots[b].next = aPrev, aNext
	relink(a, bPrev, bNext)
	relink(b, aPrev, aNext)
}

// Insert relocates id so that it immediately precedes beforeID in the used
// list, or moves it to the tail if beforeID is unused.
func (p *Pool[T]) Insert(beforeID, id int) {
	if !p.IsUsed(id) {
		return
	}
	p.unlinkUsed(id)
	if !p.IsUsed(beforeID) || beforeID == id {
		p.appendUsed(id)
		return
	}
	prev := p.slots[beforeID].prev
	p.slots[id].prev = prev
	p.slots[id].next = beforeID
	if prev != noIndex {
		p.slots[prev].next = id
	} else {
		p.usedFirst = id
	}
	p.slots[beforeID].prev = id
}
