package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-unwind/unwind/pkg/dwarf/leb128"
)

// sectionBuilder assembles synthetic .debug_frame / .eh_frame bytes,
// taking care of record lengths and eh_frame relative CIE pointers.
type sectionBuilder struct {
	buf    bytes.Buffer
	order  binary.ByteOrder
	format Format
}

func newSectionBuilder(format Format) *sectionBuilder {
	return &sectionBuilder{order: binary.LittleEndian, format: format}
}

func (s *sectionBuilder) offset() uint64 { return uint64(s.buf.Len()) }

// record writes a length-prefixed record. For CIEs pass cieOffset < 0,
// for FDEs pass the section offset of their CIE.
func (s *sectionBuilder) record(cieOffset int64, body []byte) uint64 {
	offset := s.offset()
	binary.Write(&s.buf, s.order, uint32(len(body)+4))
	idPos := s.offset()
	var id uint32
	switch {
	case cieOffset < 0 && s.format == DebugFrame:
		id = 0xffffffff
	case cieOffset < 0:
		id = 0
	case s.format == EhFrame:
		id = uint32(idPos) - uint32(cieOffset)
	default:
		id = uint32(cieOffset)
	}
	binary.Write(&s.buf, s.order, id)
	s.buf.Write(body)
	return offset
}

func (s *sectionBuilder) terminator() {
	binary.Write(&s.buf, s.order, uint32(0))
}

func (s *sectionBuilder) bytes() []byte { return s.buf.Bytes() }

func uleb(v uint64) []byte {
	var buf bytes.Buffer
	leb128.EncodeUnsigned(&buf, v)
	return buf.Bytes()
}

func sleb(v int64) []byte {
	var buf bytes.Buffer
	leb128.EncodeSigned(&buf, v)
	return buf.Bytes()
}

// cieBody returns a version 3 CIE body: code alignment 1, data
// alignment -8, return address register 16, initial instructions
// def_cfa rsp+8 and saved return address at cfa-8.
func cieBody() []byte {
	var body bytes.Buffer
	body.WriteByte(3)    // version
	body.WriteByte(0)    // augmentation ""
	body.Write(uleb(1))  // code alignment factor
	body.Write(sleb(-8)) // data alignment factor
	body.Write(uleb(16)) // return address register
	body.Write([]byte{DW_CFA_def_cfa, 0x07, 0x08})
	body.Write([]byte{DW_CFA_offset | 16, 0x01})
	return body.Bytes()
}

// fdeBody returns a .debug_frame FDE body for [begin, begin+size).
func fdeBody(order binary.ByteOrder, begin, size uint64, instructions []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, order, begin)
	binary.Write(&body, order, size)
	body.Write(instructions)
	return body.Bytes()
}

func TestParseDebugFrame(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	sb.record(int64(cie), fdeBody(sb.order, 0x401000, 0x100, []byte{DW_CFA_nop}))
	sb.record(int64(cie), fdeBody(sb.order, 0x402000, 0x80, []byte{DW_CFA_nop}))
	sb.terminator()

	fdes, err := Parse(sb.bytes(), sb.order, 0, 8, DebugFrame)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 2 {
		t.Fatalf("expected 2 FDEs, got %d", len(fdes))
	}

	fde := fdes[0]
	if fde.Begin() != 0x401000 || fde.End() != 0x401100 {
		t.Errorf("unexpected range [%#x, %#x)", fde.Begin(), fde.End())
	}
	if fde.CIE == nil {
		t.Fatal("FDE has no CIE")
	}
	if fde.CIE.Version != 3 {
		t.Errorf("unexpected CIE version %d", fde.CIE.Version)
	}
	if fde.CIE.CodeAlignmentFactor != 1 || fde.CIE.DataAlignmentFactor != -8 {
		t.Errorf("unexpected alignment factors %d %d",
			fde.CIE.CodeAlignmentFactor, fde.CIE.DataAlignmentFactor)
	}
	if fde.CIE.ReturnAddressRegister != 16 {
		t.Errorf("unexpected return address register %d", fde.CIE.ReturnAddressRegister)
	}
	if fdes[1].CIE != fde.CIE {
		t.Error("FDEs referencing the same CIE should share the parsed entry")
	}
}

func TestStaticBase(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	sb.record(int64(cie), fdeBody(sb.order, 0x1000, 0x100, []byte{DW_CFA_nop}))

	fdes, err := Parse(sb.bytes(), sb.order, 0x400000, 8, DebugFrame)
	if err != nil {
		t.Fatal(err)
	}
	if fdes[0].Begin() != 0x401000 {
		t.Errorf("static base not applied, begin = %#x", fdes[0].Begin())
	}
}

func TestFindFDEOffset(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	fde1 := sb.record(int64(cie), fdeBody(sb.order, 0x401000, 0x100, []byte{DW_CFA_nop}))
	fde2 := sb.record(int64(cie), fdeBody(sb.order, 0x402000, 0x80, []byte{DW_CFA_nop}))
	sb.terminator()

	tab, err := NewTable(sb.bytes(), sb.order, TableConfig{Format: DebugFrame, PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		pc     uint64
		offset uint64
		found  bool
	}{
		{0x400fff, 0, false},
		{0x401000, fde1, true},
		{0x4010ff, fde1, true},
		{0x401100, 0, false}, // one past the end is not covered
		{0x401800, 0, false},
		{0x402000, fde2, true},
		{0x40207f, fde2, true},
		{0x402080, 0, false},
		{0x500000, 0, false},
	}
	for _, c := range cases {
		offset, err := tab.FindFDEOffset(c.pc)
		if c.found {
			if err != nil {
				t.Errorf("pc %#x: unexpected error %v", c.pc, err)
				continue
			}
			if offset != c.offset {
				t.Errorf("pc %#x: expected offset %#x got %#x", c.pc, c.offset, offset)
			}
		} else {
			if _, ok := err.(*ErrNoFDEForPC); !ok {
				t.Errorf("pc %#x: expected ErrNoFDEForPC, got %v", c.pc, err)
			}
		}
	}
}

func TestFDECaching(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	offset := sb.record(int64(cie), fdeBody(sb.order, 0x401000, 0x100, []byte{DW_CFA_nop}))

	tab, err := NewTable(sb.bytes(), sb.order, TableConfig{Format: DebugFrame, PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	first, err := tab.FDEAt(offset)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tab.FDEAt(offset)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected identical entry for repeated loads of the same offset")
	}

	byIndex, err := tab.FDEAtIndex(0)
	if err != nil {
		t.Fatal(err)
	}
	if byIndex != first {
		t.Error("index and offset lookups should return the same entry")
	}
}

func TestFDEAtRejectsNonFDE(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	sb.record(int64(cie), fdeBody(sb.order, 0x401000, 0x100, []byte{DW_CFA_nop}))

	tab, err := NewTable(sb.bytes(), sb.order, TableConfig{Format: DebugFrame, PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tab.FDEAt(cie); err == nil {
		t.Error("expected error loading a CIE offset as FDE")
	}
}

func TestParseEhFrame(t *testing.T) {
	// Version 1 CIE with augmentation "zRS". The return address
	// register is a single byte in version 1 and the one augmentation
	// byte selects 4-byte absolute FDE pointers.
	var body bytes.Buffer
	body.WriteByte(1)
	body.WriteString("zRS\x00")
	body.Write(uleb(1))  // code alignment factor
	body.Write(sleb(-8)) // data alignment factor
	body.WriteByte(16)
	body.Write(uleb(1)) // augmentation data length
	body.WriteByte(byte(ptrEncUdata4))
	body.Write([]byte{DW_CFA_def_cfa, 0x07, 0x08})

	sb := newSectionBuilder(EhFrame)
	cie := sb.record(-1, body.Bytes())

	var fde bytes.Buffer
	binary.Write(&fde, sb.order, uint32(0x401000)) // pc begin
	binary.Write(&fde, sb.order, uint32(0x100))    // pc range
	fde.Write(uleb(0))                             // augmentation data length
	fde.Write([]byte{DW_CFA_nop})
	sb.record(int64(cie), fde.Bytes())
	sb.terminator()

	fdes, err := Parse(sb.bytes(), sb.order, 0, 8, EhFrame)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x401000 || fdes[0].End() != 0x401100 {
		t.Errorf("unexpected range [%#x, %#x)", fdes[0].Begin(), fdes[0].End())
	}
	if !fdes[0].CIE.IsSignalFrame() {
		t.Error("expected signal frame CIE")
	}
}

func TestParseEhFramePCRel(t *testing.T) {
	const sectionAddr = 0x10000

	var body bytes.Buffer
	body.WriteByte(1)
	body.WriteString("zR\x00")
	body.Write(uleb(1))
	body.Write(sleb(-8))
	body.WriteByte(16)
	body.Write(uleb(1))
	body.WriteByte(byte(ptrEncSdata4 | ptrEncPCRel))
	body.Write([]byte{DW_CFA_def_cfa, 0x07, 0x08})

	sb := newSectionBuilder(EhFrame)
	cie := sb.record(-1, body.Bytes())

	fdeOffset := sb.offset()
	beginFieldPos := fdeOffset + 8 // length + CIE pointer
	const target = uint64(0x401000)
	delta := int32(int64(target) - int64(sectionAddr+beginFieldPos))

	var fde bytes.Buffer
	binary.Write(&fde, sb.order, delta)
	binary.Write(&fde, sb.order, uint32(0x100)) // range uses the size part only
	fde.Write(uleb(0))
	fde.Write([]byte{DW_CFA_nop})
	sb.record(int64(cie), fde.Bytes())

	tab, err := NewTable(sb.bytes(), sb.order, TableConfig{
		Format:      EhFrame,
		PtrSize:     8,
		SectionAddr: sectionAddr,
	})
	if err != nil {
		t.Fatal(err)
	}
	fdeParsed, err := tab.FDEForPC(target + 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if fdeParsed.Begin() != target {
		t.Errorf("expected begin %#x got %#x", target, fdeParsed.Begin())
	}
}

func TestParseDwarf64(t *testing.T) {
	order := binary.LittleEndian
	var sec bytes.Buffer

	// CIE with 64-bit initial length.
	cie := cieBody()
	binary.Write(&sec, order, uint32(0xffffffff))
	binary.Write(&sec, order, uint64(len(cie)+8))
	binary.Write(&sec, order, uint64(0xffffffffffffffff))
	sec.Write(cie)

	fdeOffset := uint64(sec.Len())
	fde := fdeBody(order, 0x401000, 0x100, []byte{DW_CFA_nop})
	binary.Write(&sec, order, uint32(0xffffffff))
	binary.Write(&sec, order, uint64(len(fde)+8))
	binary.Write(&sec, order, uint64(0)) // CIE at offset 0
	sec.Write(fde)

	tab, err := NewTable(sec.Bytes(), order, TableConfig{Format: DebugFrame, PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	offset, err := tab.FindFDEOffset(0x401080)
	if err != nil {
		t.Fatal(err)
	}
	if offset != fdeOffset {
		t.Errorf("expected offset %#x got %#x", fdeOffset, offset)
	}
	parsed, err := tab.FDEAt(offset)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Begin() != 0x401000 {
		t.Errorf("unexpected begin %#x", parsed.Begin())
	}
}

func TestParseMalformed(t *testing.T) {
	order := binary.LittleEndian

	run := func(name string, data []byte) {
		tab, err := NewTable(data, order, TableConfig{Format: DebugFrame, PtrSize: 8})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := tab.NumFDEs(); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}

	// Truncated initial length.
	run("truncated length", []byte{0x10, 0x00})
	// Reserved initial length value.
	run("reserved length", []byte{0xf0, 0xff, 0xff, 0xff, 0, 0, 0, 0})
	// Record length overrunning the section.
	run("overrun", []byte{0xff, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0x03})

	// FDE whose CIE pointer leads outside the section.
	var sec bytes.Buffer
	fde := fdeBody(order, 0x401000, 0x100, []byte{DW_CFA_nop})
	binary.Write(&sec, order, uint32(len(fde)+4))
	binary.Write(&sec, order, uint32(0x8000))
	sec.Write(fde)
	run("dangling CIE pointer", sec.Bytes())

	// CIE with an unsupported version.
	var body bytes.Buffer
	body.WriteByte(9)
	body.WriteByte(0)
	body.Write(uleb(1))
	body.Write(sleb(-8))
	body.Write(uleb(16))
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, body.Bytes())
	sb.record(int64(cie), fdeBody(order, 0x401000, 0x100, []byte{DW_CFA_nop}))
	run("bad version", sb.bytes())

	// FDE with an empty code range.
	sb = newSectionBuilder(DebugFrame)
	cie = sb.record(-1, cieBody())
	sb.record(int64(cie), fdeBody(order, 0x401000, 0, []byte{DW_CFA_nop}))
	run("empty range", sb.bytes())
}

func TestNumFDEs(t *testing.T) {
	sb := newSectionBuilder(DebugFrame)
	cie := sb.record(-1, cieBody())
	for i := 0; i < 5; i++ {
		begin := 0x401000 + uint64(i)*0x100
		sb.record(int64(cie), fdeBody(sb.order, begin, 0x100, []byte{DW_CFA_nop}))
	}
	sb.terminator()

	tab, err := NewTable(sb.bytes(), sb.order, TableConfig{Format: DebugFrame, PtrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	n, err := tab.NumFDEs()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 FDEs, got %d", n)
	}
}
