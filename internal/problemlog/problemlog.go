// Package problemlog implements the "log at most the first 5 of each
// decode-error kind" policy called for by spec.md §7, as an injectable
// per-run component instead of the global *log.Logger the teacher's
// global_config.go kept as a package variable.
package problemlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultMaxPerKind = 5

// RateLimiter logs at most MaxPerKind occurrences of each distinct error
// kind, then silently continues counting without logging.
type RateLimiter struct {
	MaxPerKind int

	logger *log.Logger
	writer *lumberjack.Logger

	mu     sync.Mutex
	counts map[string]int
}

// New builds a RateLimiter that writes to stderr (per spec.md §7) and,
// durably, through a lumberjack.Logger rotating at path (50 MiB, 3
// backups, 28 days, matching the conservative defaults of a long-running
// unattended stream decoder).
func New(path string) *RateLimiter {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     28,
	}
	return &RateLimiter{
		MaxPerKind: defaultMaxPerKind,
		logger:     log.New(io.MultiWriter(os.Stderr, writer), "", log.LstdFlags),
		writer:     writer,
		counts:     make(map[string]int),
	}
}

// Close flushes and closes the underlying rotated log file.
func (r *RateLimiter) Close() error {
	return r.writer.Close()
}

// Report records one occurrence of kind, matching sink.EventSink's
// OnDecodeError(kind, word) shape so it can be called directly from a
// sink that fans decode errors out to both the aggregator and this
// limiter. On each of the first MaxPerKind occurrences it logs a message
// naming kind and, for the very first occurrence, a spew dump of
// offendingWord's context so the log carries enough detail to diagnose a
// firmware quirk without needing to log every subsequent occurrence of
// the same kind.
func (r *RateLimiter) Report(kind string, offendingWord uint64) {
	limit := r.MaxPerKind
	if limit <= 0 {
		limit = defaultMaxPerKind
	}

	r.mu.Lock()
	count := r.counts[kind] + 1
	r.counts[kind] = count
	r.mu.Unlock()

	if count > limit {
		return
	}

	if count == 1 {
		r.logger.Printf("decode error %q, word=0x%016x: %s",
			kind, offendingWord, spew.Sdump(offendingWord))
		return
	}
	r.logger.Printf("decode error %q, word=0x%016x (%d/%d logged)",
		kind, offendingWord, count, limit)
}

// Count returns how many times kind has been reported, logged or not.
func (r *RateLimiter) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// Summary renders a single-line "kind=count" tally for the final
// statistics block, sorted by kind for stable output.
func (r *RateLimiter) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return "no decode errors"
	}
	kinds := make([]string, 0, len(r.counts))
	for kind := range r.counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	s := ""
	for _, kind := range kinds {
		s += fmt.Sprintf("%s=%d ", kind, r.counts[kind])
	}
	return s
}
