// tpx3ingest decodes a TPX3/SERVAL raw data stream, either a live TCP
// connection to a SERVAL server or a flat capture file, and prints
// periodic and final human-readable statistics, matching the overall
// shape of cmd/dastard/main.go's viper bootstrap plus cmd/udpdump's and
// cmd/ringdump's flag-based CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/usnistgov/tpx3ingest/internal/config"
	"github.com/usnistgov/tpx3ingest/internal/dispatch"
	"github.com/usnistgov/tpx3ingest/internal/frame"
	"github.com/usnistgov/tpx3ingest/internal/ingress"
	"github.com/usnistgov/tpx3ingest/internal/obswriter"
	"github.com/usnistgov/tpx3ingest/internal/problemlog"
	"github.com/usnistgov/tpx3ingest/internal/queue"
	"github.com/usnistgov/tpx3ingest/internal/sink"
	"github.com/usnistgov/tpx3ingest/internal/stats"
)

// teeSink routes decoded events to the statistics aggregator, and decode
// errors additionally to the rate-limited problem logger, so the
// aggregator's own EventSink methods never need to know problemlog exists.
type teeSink struct {
	*stats.Aggregator
	problems *problemlog.RateLimiter
}

func (t *teeSink) OnDecodeError(kind string, word uint64) {
	t.Aggregator.OnDecodeError(kind, word)
	t.problems.Report(kind, word)
}

func main() {
	cfg, err := config.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(1)
	}

	if cfg.StatsDisable {
		cfg.StatsFinalOnly = true
	}

	problemLogPath := filepath.Join(os.TempDir(), "tpx3ingest-problems.log")
	problems := problemlog.New(problemLogPath)
	defer problems.Close()

	global := stats.New(cfg.RecentHitCount)
	events := &teeSink{Aggregator: global, problems: problems}

	out := obswriter.New(os.Stdout, 64, time.Second)
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	var source ingress.Ingress
	if cfg.InputFile != "" {
		source = &ingress.FileIngress{Path: cfg.InputFile}
	} else {
		source = &ingress.TCPIngress{Addr: cfg.Addr(), ExitOnDisconnect: cfg.ExitOnDisconnect}
	}

	var parserDispatcher frame.Dispatcher
	var workers *dispatch.Dispatcher
	if cfg.DecoderWorkers > 1 {
		workers = dispatch.New(cfg.DecoderWorkers, global, problems.Report)
		parserDispatcher = workers
	} else {
		parserDispatcher = &frame.InlineDispatcher{Sink: events}
	}

	reorderWindow := 0
	if cfg.Reorder {
		reorderWindow = cfg.ReorderWindow
	}
	parser := frame.New(parserDispatcher, events, reorderWindow)

	q := queue.New[[]byte](cfg.QueueSize)
	feedDone := make(chan struct{})
	go feedLoop(cfg, global, parser, q, out, feedDone)

	sinkAdapter := ingressSink{queue: q}

	runErr := source.Run(ctx, sinkAdapter)

	close(q.In())
	<-feedDone
	if workers != nil {
		workers.Shutdown()
	}

	global.FinalizeRates()
	printFinalSummary(global.Snapshot(), parser.ReorderStats(), problems, out)
	out.Flush()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "tpx3ingest: %v\n", runErr)
		os.Exit(1)
	}
}

// ingressSink adapts ingress.Sink (Feed/Close) onto the bounded queue:
// raw buffers move through the queue so a slow parser never blocks the
// receive loop beyond the queue's own back-pressure policy.
type ingressSink struct {
	queue *queue.Queue[[]byte]
}

func (s ingressSink) Feed(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.queue.In() <- cp
}

func (s ingressSink) Close() {}

func installSignalHandler(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
}

// feedLoop is the single goroutine that ever touches parser: it drains the
// backpressure queue into parser.Feed and, on the same select loop, prints
// periodic statistics. Keeping both on one goroutine means parser's
// internal reorder buffer (internal/reorder.Buffer, which keeps no lock of
// its own) never sees a concurrent reader while Feed/Close are mutating it.
func feedLoop(cfg *config.Config, global *stats.Aggregator, parser *frame.Parser, q *queue.Queue[[]byte], out *obswriter.Writer, done chan<- struct{}) {
	defer close(done)

	var tickC <-chan time.Time
	if !cfg.StatsFinalOnly && !cfg.StatsDisable {
		interval := time.Duration(cfg.StatsTimeSeconds) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case buf, ok := <-q.Out():
			if !ok {
				parser.Close()
				return
			}
			parser.Feed(buf)
		case <-tickC:
			global.OnReorderStats(parser.ReorderStats())
			out.WriteString(formatPeriodicBlock(global.Snapshot()))
		}
	}
}

func formatPeriodicBlock(snap sink.Snapshot) string {
	return fmt.Sprintf(
		"[Periodic Statistics Update] total_hits=%d total_tdc1=%d total_tdc2=%d inst_hit_rate=%.1f cum_hit_rate=%.1f\n",
		snap.TotalHits, snap.TotalTDC1, snap.TotalTDC2, snap.InstantaneousHitRate, snap.CumulativeHitRate,
	)
}

func printFinalSummary(snap sink.Snapshot, reorder sink.ReorderStats, problems *problemlog.RateLimiter, out *obswriter.Writer) {
	out.WriteString("=== FINAL SUMMARY ===\n")
	out.WriteString(fmt.Sprintf("total_chunks=%d total_hits=%d total_tdc1=%d total_tdc2=%d total_decode_errors=%d total_unknown=%d\n",
		snap.TotalChunks, snap.TotalHits, snap.TotalTDC1, snap.TotalTDC2, snap.TotalDecodeErrors, snap.TotalUnknown))
	out.WriteString(fmt.Sprintf("total_bytes_accounted=%d started_mid_stream=%v\n",
		snap.TotalBytesAccounted, snap.StartedMidStream))
	for chip, c := range snap.PerChip {
		if !c.Present {
			continue
		}
		out.WriteString(fmt.Sprintf("chip=%d hits=%d tdc1_count=%d\n", chip, c.HitCount, c.TDC1Count))
	}
	out.WriteString(fmt.Sprintf("[TCP] reordered=%d max_reorder_distance=%d overflowed=%d too_old=%d\n",
		reorder.PacketsReordered, reorder.MaxReorderDistance, reorder.PacketsOverflowed, reorder.PacketsTooOld))
	out.WriteString("problem_log: " + problems.Summary() + "\n")
}
