package codec

import "testing"

func TestPixaddrRoundTrip(t *testing.T) {
	for pixaddr := 0; pixaddr < (1 << 16); pixaddr++ {
		x, y := PixaddrToXY(uint16(pixaddr))
		if int(x) >= 256 || int(y) >= 256 {
			t.Fatalf("pixaddr=%d gave out-of-range x=%d y=%d", pixaddr, x, y)
		}
		got := XYToPixaddr(x, y)
		if got != uint16(pixaddr) {
			t.Fatalf("pixaddr=%d -> (x=%d,y=%d) -> %d, want round trip", pixaddr, x, y, got)
		}
	}
}

func TestExtendTimestampIdentity(t *testing.T) {
	cases := []struct{ x, min uint64 }{
		{0, 0},
		{100, 50},
		{50, 100},
		{0x3FFF_FFFF, 0},
		{0, 0x3FFF_FFFF},
	}
	const n = 30
	mask := uint64(1)<<n - 1
	for _, c := range cases {
		short := c.x & mask
		got := ExtendTimestamp(short, c.min, n)
		want := c.min + ((c.x - c.min) & mask)
		if got != want {
			t.Errorf("ExtendTimestamp(%d,%d,%d) = %d, want %d", short, c.min, n, got, want)
		}
	}
}

func TestExtendTimestampWraparound(t *testing.T) {
	minTs := uint64(0x3FFF_FF00)
	short := uint64(0x0000_0010)
	got := ExtendTimestamp(short, minTs, 30)
	want := uint64(0x4000_0010)
	if got != want {
		t.Errorf("ExtendTimestamp wraparound = 0x%x, want 0x%x", got, want)
	}
}

func TestDecodePixelStandardZeroWord(t *testing.T) {
	hit, err := DecodePixelStandard(0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit.X != 0 || hit.Y != 0 || hit.ToATicks != 0 || hit.ToTNs != 0 || hit.ChipIndex != 1 || hit.Mode != ModeStandard {
		t.Errorf("got %+v, want x=0 y=0 toa=0 tot=0 chip=1 mode=standard", hit)
	}
}

func TestDecodePixelStandardNonzero(t *testing.T) {
	pixaddr := uint16(0x1234)
	wantX, wantY := PixaddrToXY(pixaddr)
	toa14 := uint64(0x2AAA)
	tot10 := uint64(100)
	ftoa4 := uint64(3)
	spidr16 := uint64(7)
	word := (uint64(0xB) << 60) | (uint64(pixaddr) << 44) | (toa14 << 30) | (tot10 << 20) | (ftoa4 << 16) | spidr16

	hit, err := DecodePixelStandard(word, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit.X != wantX || hit.Y != wantY {
		t.Errorf("got (x=%d,y=%d), want (x=%d,y=%d)", hit.X, hit.Y, wantX, wantY)
	}
	if hit.ToTNs != uint32(tot10*25) {
		t.Errorf("ToTNs = %d, want %d", hit.ToTNs, tot10*25)
	}
	wantToA := (((spidr16 << 14) | toa14) << 4) - ftoa4
	if hit.ToATicks != wantToA {
		t.Errorf("ToATicks = %d, want %d", hit.ToATicks, wantToA)
	}
	if hit.ChipIndex != 2 || hit.Mode != ModeStandard {
		t.Errorf("got chip=%d mode=%v", hit.ChipIndex, hit.Mode)
	}
}

func TestDecodePixelCountFB(t *testing.T) {
	pixaddr := uint16(0x0F0F)
	intTot14 := uint64(40)
	event10 := uint64(9)
	spidr16 := uint64(3)
	word := (uint64(0xA) << 60) | (uint64(pixaddr) << 44) | (intTot14 << 30) | (event10 << 20) | spidr16

	hit, err := DecodePixelCountFB(word, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit.Mode != ModeCountFB || hit.ChipIndex != 3 {
		t.Errorf("got mode=%v chip=%d", hit.Mode, hit.ChipIndex)
	}
	wantToA := ((spidr16 << 14) | event10) << 4
	if hit.ToATicks != wantToA {
		t.Errorf("ToATicks = %d, want %d", hit.ToATicks, wantToA)
	}
	if hit.ToTNs != uint32(intTot14*25) {
		t.Errorf("ToTNs = %d, want %d", hit.ToTNs, intTot14*25)
	}
}

// mkTDCWord composes a TDC word from its field values directly, so the
// test is pinned to the field layout rather than to a hand-transcribed
// hex literal.
func mkTDCWord(kind uint64, trigger, coarse, fine uint64) uint64 {
	return (kind << 56) | (trigger << 44) | (coarse << 9) | (fine << 5)
}

func TestDecodeTDCRiseFinePhase(t *testing.T) {
	word := mkTDCWord(0xF, 0, 0, 6)
	ev, err := DecodeTDC(word)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != TDC1Rise {
		t.Errorf("Kind = %v, want TDC1_RISE", ev.Kind)
	}
	if ev.TriggerCount != 0 {
		t.Errorf("TriggerCount = %d, want 0", ev.TriggerCount)
	}
	if ev.TimestampTicks != 0 {
		t.Errorf("TimestampTicks = %d, want 0", ev.TimestampTicks)
	}
}

func TestDecodeTDCFineZeroQuirk(t *testing.T) {
	word := mkTDCWord(0xF, 0, 0, 0)
	ev, err := DecodeTDC(word)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Fine != 1 {
		t.Errorf("Fine = %d, want 1 (firmware quirk coerced from 0)", ev.Fine)
	}
	if ev.TimestampTicks != 0 {
		t.Errorf("TimestampTicks = %d, want 0", ev.TimestampTicks)
	}
}

func TestDecodeTDCFractionalOutOfRange(t *testing.T) {
	word := mkTDCWord(0xF, 0, 0, 13)
	if _, err := DecodeTDC(word); err == nil {
		t.Fatalf("expected DecodeError for fine=13, got nil")
	}
}

func TestDecodeSPIDRPacketID(t *testing.T) {
	word := (uint64(0x50) << 56) | 0x1234_5678_9ABC
	id, ok := DecodeSPIDRPacketID(word)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if id != 0x1234_5678_9ABC {
		t.Errorf("id = 0x%x, want 0x1234_5678_9ABC", id)
	}

	other := uint64(0x5A) << 56
	if _, ok := DecodeSPIDRPacketID(other); ok {
		t.Errorf("expected ok=false for non-0x50 top byte")
	}
}

func TestDecodeSPIDRControl(t *testing.T) {
	word := uint64(0x5F) << 56
	sc, ok := DecodeSPIDRControl(word)
	if !ok || sc.Command != SpidrOpen {
		t.Fatalf("got sc=%+v ok=%v, want SpidrOpen", sc, ok)
	}

	if _, ok := DecodeSPIDRControl(uint64(0x50) << 56); ok {
		t.Errorf("expected 0x50 to be excluded from SPIDR control")
	}

	if _, ok := DecodeSPIDRControl(uint64(0x59) << 56); ok {
		t.Errorf("expected invalid command 0x9 to be rejected")
	}
}

func TestDecodeTPX3Control(t *testing.T) {
	word := (uint64(0x71) << 56) | (uint64(0xA0) << 48)
	cmd, ok := DecodeTPX3Control(word)
	if !ok || cmd != TPX3CmdA0 {
		t.Fatalf("got cmd=%v ok=%v, want TPX3CmdA0", cmd, ok)
	}

	if _, ok := DecodeTPX3Control(uint64(0x72) << 56); ok {
		t.Errorf("expected ok=false for non-0x71 top byte")
	}
}

func TestDecodeExtraTimestamp(t *testing.T) {
	for _, top := range []uint64{0x51, 0x21} {
		word := top << 56
		ets, ok := DecodeExtraTimestamp(word)
		if !ok || ets.Error || ets.Overflow || ets.TimestampTicks != 0 {
			t.Fatalf("top=0x%x: got %+v ok=%v, want zeroed", top, ets, ok)
		}
	}

	errBit := uint64(0x51)<<56 | (1 << 55)
	ets, _ := DecodeExtraTimestamp(errBit)
	if !ets.Error {
		t.Errorf("expected Error=true")
	}

	overflowBit := uint64(0x51)<<56 | (1 << 54)
	ets, _ = DecodeExtraTimestamp(overflowBit)
	if !ets.Overflow {
		t.Errorf("expected Overflow=true")
	}
}

func TestDecodeGlobalTime(t *testing.T) {
	low := (uint64(0x44) << 56) | (uint64(0xABCD) << 16) | 0x0102
	gt, ok := DecodeGlobalTime(low)
	if !ok || gt.High || gt.Counter25ns != 0xABCD || gt.SpidrTime16 != 0x0102 {
		t.Fatalf("got %+v ok=%v", gt, ok)
	}

	high := (uint64(0x45) << 56) | (uint64(0x00FF) << 16) | 0x0304
	gt, ok = DecodeGlobalTime(high)
	if !ok || !gt.High || gt.Counter107s != 0x00FF || gt.SpidrTime16 != 0x0304 {
		t.Fatalf("got %+v ok=%v", gt, ok)
	}
}

func TestGetBits(t *testing.T) {
	word := uint64(0xFF00)
	if got := GetBits(word, 15, 8); got != 0xFF {
		t.Errorf("GetBits(0xFF00,15,8) = 0x%x, want 0xFF", got)
	}
	if got := GetBits(word, 63, 0); got != word {
		t.Errorf("GetBits full width should be identity")
	}
}
