// Package sink defines the capability that decouples the frame parser and
// decode dispatcher from any particular statistics implementation.
//
// The original tool passed callbacks around as bare function values; here
// every consumer of decoded events is handed a statically typed EventSink
// instead. The statistics aggregator is one implementation; the frame
// parser tests use a recording sink that need not touch any locking at all.
package sink

import "github.com/usnistgov/tpx3ingest/internal/codec"

// PacketKind names the byte-accounting buckets tracked per word.
type PacketKind uint8

const (
	KindPixelStandard PacketKind = iota
	KindPixelCountFB
	KindTDC
	KindSPIDRPacketID
	KindSPIDRControl
	KindTPX3Control
	KindExtraTimestamp
	KindGlobalTime
	KindChunkHeader
	KindOutsideChunk
	KindUnknown
)

func (k PacketKind) String() string {
	switch k {
	case KindPixelStandard:
		return "pixel_standard"
	case KindPixelCountFB:
		return "pixel_count_fb"
	case KindTDC:
		return "tdc"
	case KindSPIDRPacketID:
		return "spidr_packet_id"
	case KindSPIDRControl:
		return "spidr_control"
	case KindTPX3Control:
		return "tpx3_control"
	case KindExtraTimestamp:
		return "extra_timestamp"
	case KindGlobalTime:
		return "global_time"
	case KindChunkHeader:
		return "chunk_header"
	case KindOutsideChunk:
		return "outside_chunk"
	default:
		return "unknown"
	}
}

// ReorderStats is a point-in-time snapshot of one reorder buffer's counters.
type ReorderStats struct {
	PacketsReordered   uint64
	MaxReorderDistance uint64
	PacketsOverflowed  uint64
	PacketsTooOld      uint64
}

// ChipSnapshot is one chip's row of the per-chip breakdown.
type ChipSnapshot struct {
	Present     bool
	HitCount    uint64
	TDC1Count   uint64
	TDC1MinTick uint64
	TDC1MaxTick uint64
}

// Snapshot is a point-in-time copy of the aggregator's statistics, handed
// to a sink's OnStatsSnapshot so a printer can be just another EventSink
// implementation rather than a special case wired into the aggregator.
type Snapshot struct {
	TotalHits             uint64
	TotalChunks           uint64
	TotalTDCEvents        uint64
	TotalTDC1             uint64
	TotalTDC2             uint64
	TotalDecodeErrors     uint64
	TotalFractionalErrors uint64
	TotalUnknown          uint64
	TotalBytesAccounted   uint64

	EarliestHitTick uint64
	LatestHitTick   uint64
	HitTicksValid   bool

	InstantaneousHitRate  float64
	CumulativeHitRate     float64
	InstantaneousTDC1Rate float64
	CumulativeTDC1Rate    float64
	InstantaneousTDC2Rate float64
	CumulativeTDC2Rate    float64

	PerChip [4]ChipSnapshot

	PacketBytesByKind map[PacketKind]uint64

	Reorder ReorderStats

	InterHitIntervalMean   float64
	InterHitIntervalStdDev float64
	ReorderDistanceMean    float64
	ReorderDistanceStdDev  float64

	StartedMidStream bool
}

// EventSink receives decoded events and accounting updates from the frame
// parser and decode dispatcher. Implementations must be safe for
// concurrent use by multiple decode workers.
type EventSink interface {
	OnHit(hit codec.PixelHit)
	OnTDC(ev codec.TDCEvent)
	OnPacketBytes(kind PacketKind, nbytes int)
	OnChunkMeta(chip uint8, meta codec.ChunkMetadata)
	OnDecodeError(kind string, word uint64)
	OnReorderStats(stats ReorderStats)
	OnStatsSnapshot(snap Snapshot)

	// OnStartedMidStream is called at most once, the first time the parser
	// has to discard bytes because it has not yet synchronised to a chunk
	// header.
	OnStartedMidStream()
}

// NullSink discards every event, for callers that need an EventSink but
// no statistics.
type NullSink struct{}

func (NullSink) OnHit(codec.PixelHit)                  {}
func (NullSink) OnTDC(codec.TDCEvent)                  {}
func (NullSink) OnPacketBytes(PacketKind, int)         {}
func (NullSink) OnChunkMeta(uint8, codec.ChunkMetadata) {}
func (NullSink) OnDecodeError(string, uint64)          {}
func (NullSink) OnReorderStats(ReorderStats)           {}
func (NullSink) OnStatsSnapshot(Snapshot)              {}
func (NullSink) OnStartedMidStream()                   {}

var _ EventSink = NullSink{}
