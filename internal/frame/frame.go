// Package frame resynchronises an arbitrary byte stream to TPX3 chunk
// boundaries, classifies each word, and routes it either straight into a
// batch for decoding or through the reorder buffer first.
//
// Modeled on packets.Header's style of field-by-field extraction
// (dastard's packets package), but over an in-memory word rather than an
// io.Reader: a chunk header is a single 8-byte word, so there is nothing to
// gain from streaming reads here.
package frame

import (
	"encoding/binary"

	"github.com/usnistgov/tpx3ingest/internal/codec"
	"github.com/usnistgov/tpx3ingest/internal/reorder"
	"github.com/usnistgov/tpx3ingest/internal/sink"
)

const chunkMagic = 0x33585054

const (
	batchFlushThreshold = 128
	nearEndWords        = 3
)

// Dispatcher accepts a batch of words decoded against one chip index and
// chunk metadata snapshot. Submit must not retain words beyond the call if
// it intends to reuse buffers across calls; Parser always hands over a
// fresh slice.
type Dispatcher interface {
	Submit(words []uint64, chip uint8, meta codec.ChunkMetadata)
}

// InlineDispatcher decodes every word of a batch synchronously on the
// calling goroutine. Used in file mode, where there is no benefit to a
// worker pool, and in tests.
type InlineDispatcher struct {
	Sink sink.EventSink
}

// Submit implements Dispatcher.
func (d *InlineDispatcher) Submit(words []uint64, chip uint8, meta codec.ChunkMetadata) {
	for _, w := range words {
		DecodeWord(d.Sink, w, chip, meta)
	}
}

// DecodeWord classifies and decodes a single word that has already been
// routed past the frame parser's header and reorder handling, reporting
// the result to s. It is the shared classification logic behind both
// InlineDispatcher and the sharded worker dispatcher.
func DecodeWord(s sink.EventSink, word uint64, chip uint8, meta codec.ChunkMetadata) {
	top := codec.GetBits(word, 63, 56)
	nibble := codec.GetBits(word, 63, 60)

	switch {
	case top == 0x71:
		if _, ok := codec.DecodeTPX3Control(word); ok {
			s.OnPacketBytes(sink.KindTPX3Control, 8)
			return
		}

	case top == 0x44 || top == 0x45:
		if _, ok := codec.DecodeGlobalTime(word); ok {
			s.OnPacketBytes(sink.KindGlobalTime, 8)
			return
		}

	case top == 0x51 || top == 0x21:
		// Seen outside the chunk's near-end window: accounted, but not
		// folded into chunk metadata (that only happens in the parser's
		// near-end branch).
		if _, ok := codec.DecodeExtraTimestamp(word); ok {
			s.OnPacketBytes(sink.KindExtraTimestamp, 8)
			return
		}

	case top == 0x50:
		// Only reached with reordering disabled; otherwise the parser
		// intercepts 0x50 words before they reach a batch.
		if _, ok := codec.DecodeSPIDRPacketID(word); ok {
			s.OnPacketBytes(sink.KindSPIDRPacketID, 8)
			return
		}

	case nibble == 0xB:
		hit, err := codec.DecodePixelStandard(word, chip)
		if err != nil {
			s.OnDecodeError("pixel_field_out_of_range", word)
			return
		}
		extendToA(&hit, meta)
		s.OnHit(hit)
		s.OnPacketBytes(sink.KindPixelStandard, 8)
		return

	case nibble == 0xA:
		hit, err := codec.DecodePixelCountFB(word, chip)
		if err != nil {
			s.OnDecodeError("pixel_field_out_of_range", word)
			return
		}
		extendToA(&hit, meta)
		s.OnHit(hit)
		s.OnPacketBytes(sink.KindPixelCountFB, 8)
		return

	case nibble == 0x6:
		ev, err := codec.DecodeTDC(word)
		if err != nil {
			s.OnDecodeError("tdc_fractional_out_of_range", word)
			return
		}
		s.OnTDC(ev)
		s.OnPacketBytes(sink.KindTDC, 8)
		return

	case nibble == 0x5:
		if _, ok := codec.DecodeSPIDRControl(word); ok {
			s.OnPacketBytes(sink.KindSPIDRControl, 8)
			return
		}
	}

	s.OnDecodeError("unknown_packet_type", word)
	s.OnPacketBytes(sink.KindUnknown, 8)
}

func extendToA(hit *codec.PixelHit, meta codec.ChunkMetadata) {
	if meta.HasExtras {
		hit.ToATicks = codec.ExtendTimestamp(hit.ToATicks, meta.MinTime, 30)
	}
}

// Parser resynchronises a byte stream to TPX3 chunk boundaries and routes
// each word to a Dispatcher, optionally through a reorder buffer for the
// sequenced SPIDR packet-id words.
type Parser struct {
	dispatcher Dispatcher
	sink       sink.EventSink
	reorderBuf *reorder.Buffer

	tail []byte

	inChunk             bool
	chunkWordsRemaining uint32
	chipIndex           uint8
	localChunkID        uint64
	chunkMeta           codec.ChunkMetadata
	extras              []codec.ExtraTs
	sawFirstHeader      bool
	midStreamFlagged    bool

	batch []uint64

	BytesDroppedIncomplete uint64
}

// New creates a Parser that hands decoded batches to dispatcher and
// accounting events to s. If reorderWindow > 0, SPIDR packet-id words are
// passed through a chunk-aware reorder buffer of that capacity before
// being batched; a window of 0 disables reordering entirely.
func New(dispatcher Dispatcher, s sink.EventSink, reorderWindow int) *Parser {
	p := &Parser{
		dispatcher: dispatcher,
		sink:       s,
		extras:     make([]codec.ExtraTs, 0, 3),
	}
	if reorderWindow > 0 {
		p.reorderBuf = reorder.New(reorderWindow, true, p.releaseReordered)
	}
	return p
}

// Feed consumes an arbitrary-length byte buffer, processing every complete
// 8-byte word and carrying any partial tail over to the next call.
func (p *Parser) Feed(data []byte) {
	p.tail = append(p.tail, data...)
	n := len(p.tail) / 8 * 8
	for off := 0; off < n; off += 8 {
		p.processWord(binary.LittleEndian.Uint64(p.tail[off : off+8]))
	}
	if n == len(p.tail) {
		p.tail = p.tail[:0]
		return
	}
	remainder := p.tail[n:]
	newTail := make([]byte, len(remainder))
	copy(newTail, remainder)
	p.tail = newTail
}

// Close flushes any buffered batch and the reorder buffer, and accounts
// any unaligned trailing bytes as dropped-incomplete.
func (p *Parser) Close() {
	p.Flush()
	p.BytesDroppedIncomplete += uint64(len(p.tail))
	p.tail = p.tail[:0]
}

// Flush drains the current batch and the reorder buffer without resetting
// chunk-synchronisation state, for use at periodic boundaries (not just at
// end of stream).
func (p *Parser) Flush() {
	if p.reorderBuf != nil {
		p.reorderBuf.Flush()
	}
	p.flushBatch()
}

func (p *Parser) processWord(w uint64) {
	if codec.GetBits(w, 31, 0) == chunkMagic {
		p.flushBatch()
		p.enterChunk(w)
		return
	}

	if !p.inChunk || p.chunkWordsRemaining == 0 {
		if !p.sawFirstHeader && !p.midStreamFlagged {
			p.midStreamFlagged = true
			p.sink.OnStartedMidStream()
		}
		p.sink.OnPacketBytes(sink.KindOutsideChunk, 8)
		return
	}

	p.chunkWordsRemaining--
	nearEnd := p.chunkWordsRemaining <= nearEndWords
	top := codec.GetBits(w, 63, 56)

	switch {
	case nearEnd && (top == 0x51 || top == 0x21):
		p.flushBatch()
		p.absorbExtra(w)

	case top == 0x50 && p.reorderBuf != nil:
		p.flushBatch()
		if id, ok := codec.DecodeSPIDRPacketID(w); ok {
			p.sink.OnPacketBytes(sink.KindSPIDRPacketID, 8)
			p.reorderBuf.Submit(w, id, p.localChunkID)
		} else {
			p.sink.OnDecodeError("unknown_packet_type", w)
			p.sink.OnPacketBytes(sink.KindUnknown, 8)
		}

	default:
		p.batch = append(p.batch, w)
		if len(p.batch) >= batchFlushThreshold || p.chunkWordsRemaining == 0 {
			p.flushBatch()
		}
	}
}

func (p *Parser) enterChunk(header uint64) {
	chunkSizeBytes := codec.GetBits(header, 63, 48)
	chip := uint8(codec.GetBits(header, 47, 32))

	if chunkSizeBytes == 0 || chunkSizeBytes%8 != 0 {
		if !p.sawFirstHeader && !p.midStreamFlagged {
			p.midStreamFlagged = true
			p.sink.OnStartedMidStream()
		}
		p.sink.OnPacketBytes(sink.KindOutsideChunk, 8)
		return
	}

	p.inChunk = true
	p.sawFirstHeader = true
	// chunk_size_bytes includes the header word already consumed on this
	// branch, so chunk_size_bytes/8 - 1 data words follow it; processWord
	// decrements once per data word before dispatching it.
	p.chunkWordsRemaining = uint32(chunkSizeBytes/8 - 1)
	p.chipIndex = chip
	p.localChunkID++
	p.chunkMeta = codec.ChunkMetadata{}
	p.extras = p.extras[:0]
	p.sink.OnPacketBytes(sink.KindChunkHeader, 8)
}

func (p *Parser) absorbExtra(w uint64) {
	ets, ok := codec.DecodeExtraTimestamp(w)
	if !ok {
		p.sink.OnDecodeError("unknown_packet_type", w)
		p.sink.OnPacketBytes(sink.KindUnknown, 8)
		return
	}
	p.sink.OnPacketBytes(sink.KindExtraTimestamp, 8)
	if len(p.extras) < 3 {
		p.extras = append(p.extras, ets)
	}
	if len(p.extras) == 3 {
		p.chunkMeta = codec.ChunkMetadata{
			HasExtras:     true,
			PacketGenTime: p.extras[0].TimestampTicks,
			MinTime:       p.extras[1].TimestampTicks,
			MaxTime:       p.extras[2].TimestampTicks,
		}
		p.sink.OnChunkMeta(p.chipIndex, p.chunkMeta)
	}
}

// releaseReordered is the reorder buffer's release callback. SPIDR
// packet-id words carry no further decodable payload beyond the sequence
// counter already consumed for reordering, and were already accounted for
// at submit time; releasing one in order is the buffer's entire purpose.
func (p *Parser) releaseReordered(word uint64) {}

// ReorderStats reports the underlying reorder buffer's counters, or the
// zero value if reordering is disabled. Intended to be polled periodically
// and forwarded to a sink's OnReorderStats.
func (p *Parser) ReorderStats() sink.ReorderStats {
	if p.reorderBuf == nil {
		return sink.ReorderStats{}
	}
	return sink.ReorderStats{
		PacketsReordered:   p.reorderBuf.PacketsReordered,
		MaxReorderDistance: p.reorderBuf.MaxReorderDistance,
		PacketsOverflowed:  p.reorderBuf.PacketsOverflowed,
		PacketsTooOld:      p.reorderBuf.PacketsTooOld,
	}
}

func (p *Parser) flushBatch() {
	if len(p.batch) == 0 {
		return
	}
	words := make([]uint64, len(p.batch))
	copy(words, p.batch)
	p.dispatcher.Submit(words, p.chipIndex, p.chunkMeta)
	p.batch = p.batch[:0]
}
