// Package reorder restores monotonic order to a stream of (word, id) pairs
// that are expected to increase by 1 starting from id 0 (again from 0 after
// each Flush or chunk reset), within bounded memory, dropping packets that
// fall more than the buffer's capacity behind the next expected id.
//
// This generalizes the goroutine-owned, slice-backed queue shape of
// dastard's internal/unboundedchan from an unbounded FIFO to a bounded,
// id-keyed structure: releases are ordered by sequence id, not by arrival
// order, and the buffer never grows past maxSize.
package reorder

import "sort"

// Release is called once per word the Buffer emits, in monotonically
// increasing id order (except immediately after a Flush or chunk reset),
// with these exceptions: a word released on overflow is emitted at once,
// ahead of any smaller ids still pending; a late word (id below the next
// expected one) is held until the next Flush, or emitted at once on
// overflow, in both cases after larger ids. Words dropped as too old are
// never released.
type Release func(word uint64)

// Buffer reorders a stream of (word, id) pairs local to a chunk.
type Buffer struct {
	release Release
	maxSize int
	chunkAware bool

	buffer       map[uint64]uint64 // id -> word
	nextExpected uint64
	oldestAllowed uint64
	firstSeen    bool
	currentChunk uint64

	PacketsReordered   uint64
	MaxReorderDistance uint64
	PacketsOverflowed  uint64
	PacketsTooOld      uint64
}

// New creates a Buffer bounded to maxSize buffered entries. release is
// called for every word this Buffer decides to emit, in the order
// described above. If chunkAware is true, a change in the chunk id passed
// to Submit triggers a Flush followed by a reset of the sequencing state.
func New(maxSize int, chunkAware bool, release Release) *Buffer {
	return &Buffer{
		release:    release,
		maxSize:    maxSize,
		chunkAware: chunkAware,
		buffer:     make(map[uint64]uint64, maxSize),
	}
}

// Len reports the number of entries currently buffered.
func (b *Buffer) Len() int {
	return len(b.buffer)
}

// Submit offers one (word, id) pair, tagged with the chunk it arrived in.
func (b *Buffer) Submit(word, id, chunk uint64) {
	if b.chunkAware && b.firstSeen && chunk != b.currentChunk && chunk > 0 {
		b.Flush()
		b.resetForNewChunk(chunk)
	} else if b.chunkAware && !b.firstSeen {
		b.currentChunk = chunk
	}
	b.firstSeen = true

	switch {
	// id's arrival order never establishes nextExpected on its own: the
	// first id to arrive is only released immediately if it happens to be
	// 0, the sequence's true starting point. An early id like 2 is
	// buffered as ahead-of-sequence below, the same as it would be if it
	// arrived after 0 and 1.
	case id == b.nextExpected:
		b.release(word)
		b.nextExpected = id + 1
		b.recomputeOldestAllowed()
		b.releaseConsecutive()

	case id < b.oldestAllowed:
		b.PacketsTooOld++

	case id > b.nextExpected:
		dist := id - b.nextExpected
		if dist > b.MaxReorderDistance {
			b.MaxReorderDistance = dist
		}
		b.PacketsReordered++
		if len(b.buffer) >= b.maxSize {
			b.PacketsOverflowed++
			b.release(word)
			return
		}
		b.buffer[id] = word

	default: // oldestAllowed <= id < nextExpected: a late packet
		dist := b.nextExpected - id
		if dist > b.MaxReorderDistance {
			b.MaxReorderDistance = dist
		}
		b.PacketsReordered++
		if len(b.buffer) >= b.maxSize {
			b.PacketsOverflowed++
			b.release(word)
			return
		}
		b.buffer[id] = word
	}
}

// releaseConsecutive drains every buffered entry starting at nextExpected
// for as long as consecutive ids are present.
func (b *Buffer) releaseConsecutive() {
	for {
		word, ok := b.buffer[b.nextExpected]
		if !ok {
			return
		}
		delete(b.buffer, b.nextExpected)
		b.release(word)
		b.nextExpected++
		b.recomputeOldestAllowed()
	}
}

func (b *Buffer) recomputeOldestAllowed() {
	if int(b.nextExpected) < b.maxSize {
		b.oldestAllowed = 0
		return
	}
	b.oldestAllowed = b.nextExpected - uint64(b.maxSize)
}

// Flush releases every buffered entry in ascending id order, then resets
// the sequencing state (but not the chunk id or the lifetime counters).
func (b *Buffer) Flush() {
	if len(b.buffer) > 0 {
		ids := make([]uint64, 0, len(b.buffer))
		for id := range b.buffer {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			b.release(b.buffer[id])
			delete(b.buffer, id)
		}
	}
	b.firstSeen = false
	b.nextExpected = 0
	b.oldestAllowed = 0
}

func (b *Buffer) resetForNewChunk(chunk uint64) {
	b.buffer = make(map[uint64]uint64, b.maxSize)
	b.firstSeen = false
	b.nextExpected = 0
	b.oldestAllowed = 0
	b.currentChunk = chunk
}
