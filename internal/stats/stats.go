// Package stats implements the statistics aggregator: the single place
// that owns totals, per-chip breakdowns, and the rolling rates reported in
// the periodic and final summaries.
//
// Every decode path — inline or sharded across decode workers — reports
// through the sink.EventSink interface. Guarded by one plain sync.Mutex
// rather than the recursive mutex the original tool used: a worker's
// partial Aggregator is only ever touched by its owning worker, and merges
// into a receiving Aggregator never re-enter through the EventSink
// methods, so there is no re-entrant lock path left to motivate recursion.
package stats

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/usnistgov/tpx3ingest/internal/codec"
	"github.com/usnistgov/tpx3ingest/internal/sink"
)

// ClockPeriodSeconds is the duration of one tick, in seconds (the 640 MHz
// detector clock: 1/640e6 s). Not an integer number of nanoseconds, so rate
// math works in float64 seconds rather than time.Duration.
const ClockPeriodSeconds = 1.5625e-9

const (
	rateUpdateEveryNHits = 1000
	rateUpdateMinPeriod  = time.Second
	sampleWindowCap      = 512
)

type chipCounters struct {
	present     bool
	hitCount    uint64
	tdc1Count   uint64
	tdc1MinTick uint64
	tdc1MaxTick uint64
}

// Aggregator accumulates decoded events and accounting updates. The same
// type is used both as the single global aggregator and as each decode
// worker's private partial accumulator; Merge folds one into another.
type Aggregator struct {
	mu sync.Mutex

	recentHitCap int
	recentHits   []codec.PixelHit
	recentHead   int

	totalHits             uint64
	totalChunks           uint64
	totalTDCEvents        uint64
	totalTDC1             uint64
	totalTDC2             uint64
	totalDecodeErrors     uint64
	totalFractionalErrors uint64
	totalUnknown          uint64
	totalBytesAccounted   uint64

	packetBytesByKind map[sink.PacketKind]uint64

	perChip [4]chipCounters

	earliestHitTick, latestHitTick uint64
	hitTicksValid                  bool
	earliestTDC1Tick, latestTDC1Tick uint64
	tdc1TicksValid                   bool

	startedMidStream bool

	reorder sink.ReorderStats

	startWall time.Time

	hitsSinceRateUpdate uint64
	lastRateUpdateWall  time.Time
	instHitRate         float64
	cumHitRate          float64
	instTDC1Rate        float64
	cumTDC1Rate         float64
	instTDC2Rate        float64
	cumTDC2Rate         float64
	tdc2Count           uint64 // local running count used only for rate math

	// prev* hold the totals/ticks as of the last rate update, so the
	// instantaneous rate can be computed over the window since that update
	// rather than over the run's whole lifetime.
	prevTotalHits      uint64
	prevLatestHitTick  uint64
	prevHitTicksValid  bool
	prevTotalTDC1      uint64
	prevLatestTDC1Tick uint64
	prevTDC1TicksValid bool
	prevTotalTDC2      uint64

	lastHitTickForInterval uint64
	haveLastHitTick        bool
	interHitIntervals      []float64

	reorderDistanceSamples []float64
}

// New creates an Aggregator. recentHitCap is the fixed capacity of the
// recent-hit ring; 0 disables it.
func New(recentHitCap int) *Aggregator {
	return &Aggregator{
		recentHitCap:      recentHitCap,
		packetBytesByKind: make(map[sink.PacketKind]uint64),
		startWall:         now(),
		lastRateUpdateWall: now(),
	}
}

// now is the only place this package would call time.Now; factored out so
// the zero-value startWall in tests is easy to reason about. Kept as a
// thin wrapper rather than threading a clock interface through every
// method, since nothing here needs to be replayed deterministically.
func now() time.Time { return time.Now() }

// NewPartial creates a fresh Aggregator with the same recent-hit capacity,
// suitable as one decode worker's private accumulator.
func (a *Aggregator) NewPartial() *Aggregator {
	a.mu.Lock()
	capacity := a.recentHitCap
	a.mu.Unlock()
	return New(capacity)
}

// Reset zeroes every counter in place, keeping the configured capacity.
// Used on a worker's partial immediately after it has been merged.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	capacity := a.recentHitCap
	// The assignment below also replaces a.mu with a fresh, unlocked
	// mutex, so there is no Unlock to pair with the Lock above.
	*a = Aggregator{
		recentHitCap:       capacity,
		packetBytesByKind:  make(map[sink.PacketKind]uint64),
		startWall:          now(),
		lastRateUpdateWall: now(),
	}
}

var _ sink.EventSink = (*Aggregator)(nil)

// OnHit implements sink.EventSink.
func (a *Aggregator) OnHit(hit codec.PixelHit) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalHits++
	if !a.hitTicksValid {
		a.earliestHitTick = hit.ToATicks
		a.latestHitTick = hit.ToATicks
		a.hitTicksValid = true
	} else {
		if hit.ToATicks < a.earliestHitTick {
			a.earliestHitTick = hit.ToATicks
		}
		if hit.ToATicks > a.latestHitTick {
			a.latestHitTick = hit.ToATicks
		}
	}

	if a.haveLastHitTick {
		a.pushSample(&a.interHitIntervals, float64(diffAbs(hit.ToATicks, a.lastHitTickForInterval)))
	}
	a.lastHitTickForInterval = hit.ToATicks
	a.haveLastHitTick = true

	if int(hit.ChipIndex) < len(a.perChip) {
		c := &a.perChip[hit.ChipIndex]
		c.present = true
		c.hitCount++
	}

	a.appendRecentHit(hit)

	a.hitsSinceRateUpdate++
	a.maybeUpdateRates(false)
}

func diffAbs(x, y uint64) uint64 {
	if x > y {
		return x - y
	}
	return y - x
}

func (a *Aggregator) appendRecentHit(hit codec.PixelHit) {
	if a.recentHitCap == 0 {
		return
	}
	if len(a.recentHits) < a.recentHitCap {
		a.recentHits = append(a.recentHits, hit)
		return
	}
	a.recentHits[a.recentHead] = hit
	a.recentHead = (a.recentHead + 1) % a.recentHitCap
}

func (a *Aggregator) pushSample(samples *[]float64, v float64) {
	if len(*samples) >= sampleWindowCap {
		*samples = (*samples)[1:]
	}
	*samples = append(*samples, v)
}

// OnTDC implements sink.EventSink.
func (a *Aggregator) OnTDC(ev codec.TDCEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalTDCEvents++
	switch ev.Kind {
	case codec.TDC1Rise, codec.TDC1Fall:
		a.totalTDC1++
		if !a.tdc1TicksValid {
			a.earliestTDC1Tick = ev.TimestampTicks
			a.latestTDC1Tick = ev.TimestampTicks
			a.tdc1TicksValid = true
		} else {
			if ev.TimestampTicks < a.earliestTDC1Tick {
				a.earliestTDC1Tick = ev.TimestampTicks
			}
			if ev.TimestampTicks > a.latestTDC1Tick {
				a.latestTDC1Tick = ev.TimestampTicks
			}
		}
	case codec.TDC2Rise, codec.TDC2Fall:
		a.totalTDC2++
		a.tdc2Count++
	}

	// add_tdc updates rates unconditionally: TDC events are rare enough
	// that the 1000-call/1-second throttle would starve them.
	a.maybeUpdateRates(true)
}

// OnPacketBytes implements sink.EventSink.
func (a *Aggregator) OnPacketBytes(kind sink.PacketKind, nbytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packetBytesByKind[kind] += uint64(nbytes)
	a.totalBytesAccounted += uint64(nbytes)
	if kind == sink.KindChunkHeader {
		a.totalChunks++
	}
	if kind == sink.KindUnknown {
		a.totalUnknown++
	}
}

// OnChunkMeta implements sink.EventSink. The aggregator ignores chunk
// metadata and records nothing about it; ToA extension already happened by
// the time a hit reaches OnHit.
func (a *Aggregator) OnChunkMeta(chip uint8, meta codec.ChunkMetadata) {}

// OnDecodeError implements sink.EventSink.
func (a *Aggregator) OnDecodeError(kind string, word uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalDecodeErrors++
	if kind == "tdc_fractional_out_of_range" {
		a.totalFractionalErrors++
	}
}

// OnReorderStats implements sink.EventSink. The parser's reorder buffer
// exposes lifetime counters, not deltas, so the latest snapshot simply
// replaces the stored one; the observed maximum distance is also folded
// into a sample window so the final summary can report its spread.
func (a *Aggregator) OnReorderStats(stats sink.ReorderStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reorder = stats
	a.pushSample(&a.reorderDistanceSamples, float64(stats.MaxReorderDistance))
}

// OnStatsSnapshot implements sink.EventSink. The aggregator is the
// producer of snapshots, not a consumer of someone else's; this exists so
// Aggregator satisfies the interface for sinks that want to chain onward
// (e.g. a recording sink in tests).
func (a *Aggregator) OnStatsSnapshot(sink.Snapshot) {}

// OnStartedMidStream implements sink.EventSink.
func (a *Aggregator) OnStartedMidStream() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startedMidStream = true
}

// AddTDC1ChipSample records a per-chip TDC1 observation. The frame parser
// and dispatcher only route TDC events through OnTDC (which has no chip
// index on the wire format) and never call this method, so the per-chip
// TDC1 counts and ticks stay zero unless some other caller feeds them here.
func (a *Aggregator) AddTDC1ChipSample(chip uint8, tick uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(chip) >= len(a.perChip) {
		return
	}
	c := &a.perChip[chip]
	c.present = true
	if c.tdc1Count == 0 {
		c.tdc1MinTick = tick
		c.tdc1MaxTick = tick
	} else {
		if tick < c.tdc1MinTick {
			c.tdc1MinTick = tick
		}
		if tick > c.tdc1MaxTick {
			c.tdc1MaxTick = tick
		}
	}
	c.tdc1Count++
}

// maybeUpdateRates recomputes instantaneous and cumulative rates if the
// throttle allows it. Called with the lock already held.
func (a *Aggregator) maybeUpdateRates(force bool) {
	wallNow := now()
	elapsedSinceUpdate := wallNow.Sub(a.lastRateUpdateWall)
	if !force && a.hitsSinceRateUpdate < rateUpdateEveryNHits && elapsedSinceUpdate < rateUpdateMinPeriod {
		return
	}
	a.recomputeRatesLocked(wallNow)
	a.hitsSinceRateUpdate = 0
	a.lastRateUpdateWall = wallNow
}

func (a *Aggregator) recomputeRatesLocked(wallNow time.Time) {
	wallElapsed := wallNow.Sub(a.startWall).Seconds()
	windowWall := wallNow.Sub(a.lastRateUpdateWall).Seconds()

	if a.hitTicksValid && a.latestHitTick > a.earliestHitTick {
		dataSpan := float64(a.latestHitTick-a.earliestHitTick) * ClockPeriodSeconds
		if dataSpan > 0 {
			a.cumHitRate = float64(a.totalHits) / dataSpan
		}
	} else if wallElapsed > 0 {
		a.cumHitRate = float64(a.totalHits) / wallElapsed
	}

	// Instantaneous rate covers only the hits and data-clock span
	// accumulated since the previous rate update, not the run's whole
	// lifetime; falls back to wall-clock elapsed over the window when the
	// data clock hasn't advanced (e.g. no hits arrived in the window).
	deltaHits := a.totalHits - a.prevTotalHits
	if a.hitTicksValid && a.prevHitTicksValid && a.latestHitTick > a.prevLatestHitTick {
		windowSpan := float64(a.latestHitTick-a.prevLatestHitTick) * ClockPeriodSeconds
		if windowSpan > 0 {
			a.instHitRate = float64(deltaHits) / windowSpan
		}
	} else if windowWall > 0 {
		a.instHitRate = float64(deltaHits) / windowWall
	}
	a.prevTotalHits = a.totalHits
	a.prevLatestHitTick = a.latestHitTick
	a.prevHitTicksValid = a.hitTicksValid

	if a.tdc1TicksValid && a.latestTDC1Tick > a.earliestTDC1Tick {
		span := float64(a.latestTDC1Tick-a.earliestTDC1Tick) * ClockPeriodSeconds
		if span > 0 {
			a.cumTDC1Rate = float64(a.totalTDC1) / span
		}
	} else if wallElapsed > 0 {
		a.cumTDC1Rate = float64(a.totalTDC1) / wallElapsed
	}

	deltaTDC1 := a.totalTDC1 - a.prevTotalTDC1
	if a.tdc1TicksValid && a.prevTDC1TicksValid && a.latestTDC1Tick > a.prevLatestTDC1Tick {
		windowSpan := float64(a.latestTDC1Tick-a.prevLatestTDC1Tick) * ClockPeriodSeconds
		if windowSpan > 0 {
			a.instTDC1Rate = float64(deltaTDC1) / windowSpan
		}
	} else if windowWall > 0 {
		a.instTDC1Rate = float64(deltaTDC1) / windowWall
	}
	a.prevTotalTDC1 = a.totalTDC1
	a.prevLatestTDC1Tick = a.latestTDC1Tick
	a.prevTDC1TicksValid = a.tdc1TicksValid

	if wallElapsed > 0 {
		a.cumTDC2Rate = float64(a.totalTDC2) / wallElapsed
	}
	deltaTDC2 := a.totalTDC2 - a.prevTotalTDC2
	if windowWall > 0 {
		a.instTDC2Rate = float64(deltaTDC2) / windowWall
	}
	a.prevTotalTDC2 = a.totalTDC2
}

// FinalizeRates forces one last rate update and back-fills any rate that
// was never computed (because the relevant event never arrived) from the
// total counts over the process's whole wall-clock lifetime.
func (a *Aggregator) FinalizeRates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeRatesLocked(now())
}

// mergeSnapshot is a lock-free copy of the fields Merge needs out of src,
// taken under src's lock and applied to the destination under a separate
// lock acquisition. Keeping this as a plain struct (no embedded mutex)
// means the copy itself is never a lock copy.
type mergeSnapshot struct {
	totalHits             uint64
	totalChunks           uint64
	totalTDCEvents        uint64
	totalTDC1             uint64
	totalTDC2             uint64
	totalDecodeErrors     uint64
	totalFractionalErrors uint64
	totalUnknown          uint64
	totalBytesAccounted   uint64

	perChip [4]chipCounters

	earliestHitTick, latestHitTick  uint64
	hitTicksValid                   bool
	earliestTDC1Tick, latestTDC1Tick uint64
	tdc1TicksValid                   bool

	startedMidStream bool

	recentHits        []codec.PixelHit
	interHitIntervals []float64
	packetBytesByKind map[sink.PacketKind]uint64
}

// Merge folds src's counters into a (the receiving Aggregator), as if
// every event src observed had been observed directly by a. Used to drain
// a decode worker's partial into the global aggregator. Caller must ensure
// src is not concurrently mutated during the call (e.g. by routing the
// merge through src's owning worker goroutine).
func (a *Aggregator) Merge(src *Aggregator) {
	src.mu.Lock()
	snapshot := mergeSnapshot{
		totalHits:             src.totalHits,
		totalChunks:           src.totalChunks,
		totalTDCEvents:        src.totalTDCEvents,
		totalTDC1:             src.totalTDC1,
		totalTDC2:             src.totalTDC2,
		totalDecodeErrors:     src.totalDecodeErrors,
		totalFractionalErrors: src.totalFractionalErrors,
		totalUnknown:          src.totalUnknown,
		totalBytesAccounted:   src.totalBytesAccounted,
		perChip:               src.perChip,
		earliestHitTick:       src.earliestHitTick,
		latestHitTick:         src.latestHitTick,
		hitTicksValid:         src.hitTicksValid,
		earliestTDC1Tick:      src.earliestTDC1Tick,
		latestTDC1Tick:        src.latestTDC1Tick,
		tdc1TicksValid:        src.tdc1TicksValid,
		startedMidStream:      src.startedMidStream,
		recentHits:            append(append([]codec.PixelHit(nil), src.recentHits[src.recentHead:]...), src.recentHits[:src.recentHead]...),
		interHitIntervals:     append([]float64(nil), src.interHitIntervals...),
		packetBytesByKind:     make(map[sink.PacketKind]uint64, len(src.packetBytesByKind)),
	}
	for k, v := range src.packetBytesByKind {
		snapshot.packetBytesByKind[k] = v
	}
	src.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalHits += snapshot.totalHits
	a.totalChunks += snapshot.totalChunks
	a.totalTDCEvents += snapshot.totalTDCEvents
	a.totalTDC1 += snapshot.totalTDC1
	a.totalTDC2 += snapshot.totalTDC2
	a.totalDecodeErrors += snapshot.totalDecodeErrors
	a.totalFractionalErrors += snapshot.totalFractionalErrors
	a.totalUnknown += snapshot.totalUnknown
	a.totalBytesAccounted += snapshot.totalBytesAccounted

	for k, v := range snapshot.packetBytesByKind {
		a.packetBytesByKind[k] += v
	}

	for i := range a.perChip {
		sc := snapshot.perChip[i]
		if !sc.present {
			continue
		}
		dst := &a.perChip[i]
		if !dst.present {
			*dst = sc
			continue
		}
		dst.hitCount += sc.hitCount
		if sc.tdc1Count > 0 {
			if dst.tdc1Count == 0 {
				dst.tdc1MinTick = sc.tdc1MinTick
				dst.tdc1MaxTick = sc.tdc1MaxTick
			} else {
				if sc.tdc1MinTick < dst.tdc1MinTick {
					dst.tdc1MinTick = sc.tdc1MinTick
				}
				if sc.tdc1MaxTick > dst.tdc1MaxTick {
					dst.tdc1MaxTick = sc.tdc1MaxTick
				}
			}
			dst.tdc1Count += sc.tdc1Count
		}
	}

	if snapshot.hitTicksValid {
		if !a.hitTicksValid {
			a.earliestHitTick = snapshot.earliestHitTick
			a.latestHitTick = snapshot.latestHitTick
			a.hitTicksValid = true
		} else {
			if snapshot.earliestHitTick < a.earliestHitTick {
				a.earliestHitTick = snapshot.earliestHitTick
			}
			if snapshot.latestHitTick > a.latestHitTick {
				a.latestHitTick = snapshot.latestHitTick
			}
		}
	}
	if snapshot.tdc1TicksValid {
		if !a.tdc1TicksValid {
			a.earliestTDC1Tick = snapshot.earliestTDC1Tick
			a.latestTDC1Tick = snapshot.latestTDC1Tick
			a.tdc1TicksValid = true
		} else {
			if snapshot.earliestTDC1Tick < a.earliestTDC1Tick {
				a.earliestTDC1Tick = snapshot.earliestTDC1Tick
			}
			if snapshot.latestTDC1Tick > a.latestTDC1Tick {
				a.latestTDC1Tick = snapshot.latestTDC1Tick
			}
		}
	}

	if snapshot.startedMidStream {
		a.startedMidStream = true
	}

	for _, hit := range snapshot.recentHits {
		a.appendRecentHit(hit)
	}
	for _, v := range snapshot.interHitIntervals {
		a.pushSample(&a.interHitIntervals, v)
	}

	a.recomputeRatesLocked(now())
}

// Snapshot copies out a point-in-time view of every statistic, safe to
// read or print after the lock has been released.
func (a *Aggregator) Snapshot() sink.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := sink.Snapshot{
		TotalHits:             a.totalHits,
		TotalChunks:           a.totalChunks,
		TotalTDCEvents:        a.totalTDCEvents,
		TotalTDC1:             a.totalTDC1,
		TotalTDC2:             a.totalTDC2,
		TotalDecodeErrors:     a.totalDecodeErrors,
		TotalFractionalErrors: a.totalFractionalErrors,
		TotalUnknown:          a.totalUnknown,
		TotalBytesAccounted:   a.totalBytesAccounted,
		EarliestHitTick:       a.earliestHitTick,
		LatestHitTick:         a.latestHitTick,
		HitTicksValid:         a.hitTicksValid,
		InstantaneousHitRate:  a.instHitRate,
		CumulativeHitRate:     a.cumHitRate,
		InstantaneousTDC1Rate: a.instTDC1Rate,
		CumulativeTDC1Rate:    a.cumTDC1Rate,
		InstantaneousTDC2Rate: a.instTDC2Rate,
		CumulativeTDC2Rate:    a.cumTDC2Rate,
		Reorder:               a.reorder,
		StartedMidStream:      a.startedMidStream,
		PacketBytesByKind:     make(map[sink.PacketKind]uint64, len(a.packetBytesByKind)),
	}
	for k, v := range a.packetBytesByKind {
		snap.PacketBytesByKind[k] = v
	}
	for i := range a.perChip {
		c := a.perChip[i]
		snap.PerChip[i] = sink.ChipSnapshot{
			Present:     c.present,
			HitCount:    c.hitCount,
			TDC1Count:   c.tdc1Count,
			TDC1MinTick: c.tdc1MinTick,
			TDC1MaxTick: c.tdc1MaxTick,
		}
	}

	if len(a.interHitIntervals) > 1 {
		mean, variance := stat.MeanVariance(a.interHitIntervals, nil)
		snap.InterHitIntervalMean = mean
		snap.InterHitIntervalStdDev = math.Sqrt(variance)
	}
	if len(a.reorderDistanceSamples) > 1 {
		mean, variance := stat.MeanVariance(a.reorderDistanceSamples, nil)
		snap.ReorderDistanceMean = mean
		snap.ReorderDistanceStdDev = math.Sqrt(variance)
	}

	return snap
}
