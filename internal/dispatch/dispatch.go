// Package dispatch shards decode work by chip index across a fixed pool
// of worker goroutines, each with its own task queue and private partial
// statistics, merged into a single aggregator only at explicit flush
// points.
//
// Generalizes internal/unboundedchan.UnboundedChannel's single
// goroutine-owned queue into N per-shard queues, each still guarded by its
// own mutex + condvar rather than a buffered channel, because the queue
// needs to be drained on an explicit stop signal rather than simply closed
// (a worker mid-drain must finish its backlog, not abandon it).
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/usnistgov/tpx3ingest/internal/codec"
	"github.com/usnistgov/tpx3ingest/internal/frame"
	"github.com/usnistgov/tpx3ingest/internal/sink"
	"github.com/usnistgov/tpx3ingest/internal/stats"
)

type taskKind int

const (
	taskWords taskKind = iota
	taskFlush
)

type task struct {
	kind  taskKind
	words []uint64
	chip  uint8
	meta  codec.ChunkMetadata
	done  chan struct{}
}

// workerSink wraps a worker's private partial Aggregator so decode errors
// also reach an optional caller-supplied hook (problemlog.RateLimiter.Report
// in cmd/tpx3ingest) without dispatch needing to import problemlog itself.
type workerSink struct {
	*stats.Aggregator
	onDecodeError func(kind string, word uint64)
}

var _ sink.EventSink = (*workerSink)(nil)

func (w *workerSink) OnDecodeError(kind string, word uint64) {
	w.Aggregator.OnDecodeError(kind, word)
	if w.onDecodeError != nil {
		w.onDecodeError(kind, word)
	}
}

type worker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []task
	stop  bool

	partial *workerSink
}

// Dispatcher shards decode tasks across N workers by chip_index mod N,
// decoding each batch through frame.DecodeWord into the worker's own
// partial Aggregator, merged into the shared global Aggregator only when
// Flush, WaitUntilIdle, or Shutdown is called.
type Dispatcher struct {
	global  *stats.Aggregator
	workers []*worker
	wg      sync.WaitGroup

	pending int64
}

var _ frame.Dispatcher = (*Dispatcher)(nil)

// New starts numWorkers worker goroutines, each decoding into its own
// private partial stats.Aggregator derived from global's recent-hit
// capacity. numWorkers is clamped to at least 1. onDecodeError, if
// non-nil, is called from the owning worker goroutine for every decode
// error any worker observes, in addition to the partial's own counters.
func New(numWorkers int, global *stats.Aggregator, onDecodeError func(kind string, word uint64)) *Dispatcher {
	if numWorkers < 1 {
		numWorkers = 1
	}
	d := &Dispatcher{
		global:  global,
		workers: make([]*worker, numWorkers),
	}
	for i := range d.workers {
		w := &worker{partial: &workerSink{Aggregator: global.NewPartial(), onDecodeError: onDecodeError}}
		w.cond = sync.NewCond(&w.mu)
		d.workers[i] = w
		d.wg.Add(1)
		go d.runWorker(w)
	}
	return d
}

// Submit implements frame.Dispatcher. words is decoded entirely on the
// shard selected by chip mod numWorkers; within one chip, submissions
// remain FIFO because the frame parser that calls Submit is
// single-threaded.
func (d *Dispatcher) Submit(words []uint64, chip uint8, meta codec.ChunkMetadata) {
	atomic.AddInt64(&d.pending, 1)
	w := d.workers[int(chip)%len(d.workers)]
	w.mu.Lock()
	w.queue = append(w.queue, task{kind: taskWords, words: words, chip: chip, meta: meta})
	w.cond.Signal()
	w.mu.Unlock()
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stop {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stop {
			w.mu.Unlock()
			return
		}
		t := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		switch t.kind {
		case taskWords:
			for _, word := range t.words {
				frame.DecodeWord(w.partial, word, t.chip, t.meta)
			}
			atomic.AddInt64(&d.pending, -1)
		case taskFlush:
			d.global.Merge(w.partial.Aggregator)
			w.partial.Reset()
			close(t.done)
		}
	}
}

// Flush merges every worker's current partial into the global aggregator.
// It does not wait for in-flight task submissions that arrive after the
// call; callers that need a consistent final view should pair this with
// WaitUntilIdle first.
func (d *Dispatcher) Flush() {
	dones := make([]chan struct{}, len(d.workers))
	for i, w := range d.workers {
		done := make(chan struct{})
		dones[i] = done
		w.mu.Lock()
		w.queue = append(w.queue, task{kind: taskFlush, done: done})
		w.cond.Signal()
		w.mu.Unlock()
	}
	for _, done := range dones {
		<-done
	}
}

// WaitUntilIdle blocks until every submitted task has been decoded, then
// flushes every worker's partial into the global aggregator.
func (d *Dispatcher) WaitUntilIdle() {
	for atomic.LoadInt64(&d.pending) != 0 {
		time.Sleep(time.Millisecond)
	}
	d.Flush()
}

// Shutdown signals every worker to drain its remaining queue and exit,
// joins all of them, then performs one final merge of whatever each
// worker's partial still held.
func (d *Dispatcher) Shutdown() {
	for _, w := range d.workers {
		w.mu.Lock()
		w.stop = true
		w.cond.Signal()
		w.mu.Unlock()
	}
	d.wg.Wait()
	for _, w := range d.workers {
		d.global.Merge(w.partial.Aggregator)
	}
}
