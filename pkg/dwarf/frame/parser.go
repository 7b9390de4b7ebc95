// Package frame contains data structures and related functions for
// parsing and searching through Dwarf .debug_frame and .eh_frame data.
package frame

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-unwind/unwind/pkg/logflags"
)

// Format selects the flavor of call frame information stored in a
// section. The two flavors share the record layout but differ in how
// CIE records are marked and how the CIE pointer of an FDE is
// interpreted.
type Format uint8

const (
	// DebugFrame is the DWARF standard .debug_frame encoding.
	DebugFrame Format = iota
	// EhFrame is the GCC .eh_frame encoding.
	EhFrame
)

// Most sections have a single CIE shared by all FDEs, multiple CIEs
// show up with mixed languages or personality routines.
const cieCacheSize = 128

// TableConfig describes the section being parsed.
type TableConfig struct {
	// Format of the section, DebugFrame or EhFrame.
	Format Format
	// StaticBase is the load bias of the module the section belongs to,
	// added to every code address found in the section.
	StaticBase uint64
	// PtrSize is the size in bytes of a target pointer, 4 or 8.
	PtrSize int
	// SectionAddr is the virtual address of the start of the section,
	// used to resolve PC-relative pointer encodings in eh_frame.
	SectionAddr uint64
}

// Table provides offset, index and PC based access to the CIE and FDE
// records of one section. Records are parsed lazily on first access
// and cached, lookups for the same offset return the identical entry.
// Table is safe for concurrent use.
type Table struct {
	data   []byte
	order  binary.ByteOrder
	cfg    TableConfig
	logger logflags.Logger

	mu      sync.Mutex
	indexed bool
	index   []indexEntry
	fdes    map[uint64]*FrameDescriptionEntry
	cies    *lru.Cache
}

// indexEntry records the code range of an FDE without keeping the
// parsed entry alive.
type indexEntry struct {
	begin, end uint64
	offset     uint64
}

// NewTable returns a Table reading entries from data.
func NewTable(data []byte, order binary.ByteOrder, cfg TableConfig) (*Table, error) {
	if cfg.PtrSize != 4 && cfg.PtrSize != 8 {
		return nil, fmt.Errorf("frame: unsupported pointer size %d", cfg.PtrSize)
	}
	cies, err := lru.New(cieCacheSize)
	if err != nil {
		return nil, err
	}
	return &Table{
		data:   data,
		order:  order,
		cfg:    cfg,
		logger: logflags.FrameParserLogger(),
		fdes:   make(map[uint64]*FrameDescriptionEntry),
		cies:   cies,
	}, nil
}

// FindFDEOffset returns the section offset of the FDE covering pc.
// Returns ErrNoFDEForPC if no entry covers pc.
func (t *Table) FindFDEOffset(pc uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.buildIndex(); err != nil {
		return 0, err
	}
	idx := sort.Search(len(t.index), func(i int) bool {
		e := &t.index[i]
		return (pc-e.begin) < (e.end-e.begin) || e.begin >= pc
	})
	if idx == len(t.index) {
		return 0, &ErrNoFDEForPC{pc}
	}
	if e := &t.index[idx]; (pc - e.begin) < (e.end - e.begin) {
		return e.offset, nil
	}
	return 0, &ErrNoFDEForPC{pc}
}

// FDEAt parses (or returns the cached) FDE starting at the given
// section offset and resolves its CIE.
func (t *Table) FDEAt(offset uint64) (*FrameDescriptionEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fdeAt(offset)
}

// FDEAtIndex returns the i-th FDE, in section order.
func (t *Table) FDEAtIndex(i int) (*FrameDescriptionEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.buildIndex(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(t.index) {
		return nil, fmt.Errorf("frame: FDE index %d out of range (%d entries)", i, len(t.index))
	}
	return t.fdeAt(t.index[i].offset)
}

// FDEForPC returns the Frame Description Entry covering pc.
func (t *Table) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	offset, err := t.FindFDEOffset(pc)
	if err != nil {
		return nil, err
	}
	return t.FDEAt(offset)
}

// NumFDEs returns the number of FDE records in the section.
func (t *Table) NumFDEs() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.buildIndex(); err != nil {
		return 0, err
	}
	return len(t.index), nil
}

// Parse eagerly parses every record of the section and returns the
// FDE list sorted by begin address.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, format Format) (FrameDescriptionEntries, error) {
	t, err := NewTable(data, order, TableConfig{Format: format, StaticBase: staticBase, PtrSize: ptrSize})
	if err != nil {
		return nil, err
	}
	n, err := t.NumFDEs()
	if err != nil {
		return nil, err
	}
	entries := newFrameIndex()
	for i := 0; i < n; i++ {
		fde, err := t.FDEAtIndex(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fde)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Begin() < entries[j].Begin()
	})
	return entries, nil
}

// buildIndex walks every record in the section once, recording the
// code range and offset of each FDE. Bodies are not retained, full
// parses happen lazily in fdeAt. Callers must hold t.mu.
func (t *Table) buildIndex() error {
	if t.indexed {
		return nil
	}
	for pos := uint64(0); pos < uint64(len(t.data)); {
		rec, err := t.readRecordHeader(pos)
		if err != nil {
			return err
		}
		if rec.zeroTerminator {
			pos = rec.next
			continue
		}
		if !rec.isCIE {
			cie, err := t.cieAt(rec.cieOffset)
			if err != nil {
				return err
			}
			begin, size, err := t.readFDERange(rec, cie)
			if err != nil {
				return err
			}
			t.index = append(t.index, indexEntry{begin: begin, end: begin + size, offset: pos})
		}
		pos = rec.next
	}
	sort.Slice(t.index, func(i, j int) bool {
		return t.index[i].begin < t.index[j].begin
	})
	t.indexed = true
	if logflags.FrameParser() {
		t.logger.Debugf("indexed %d FDEs in %d bytes", len(t.index), len(t.data))
	}
	return nil
}

// recordHeader is the decoded length-prefixed ID header common to CIE
// and FDE records.
type recordHeader struct {
	offset         uint64 // section offset of the record
	bodyStart      uint64 // offset right after the ID field
	bodyEnd        uint64 // offset one past the last byte of the record
	next           uint64 // offset of the next record
	dwarf64        bool
	isCIE          bool
	cieOffset      uint64 // for FDEs, section offset of the associated CIE
	zeroTerminator bool
}

// readRecordHeader reads the initial length and ID fields at offset
// and classifies the record as CIE or FDE.
func (t *Table) readRecordHeader(offset uint64) (recordHeader, error) {
	rd := &reader{data: t.data, pos: offset, order: t.order}
	rec := recordHeader{offset: offset}

	length32, err := rd.u32()
	if err != nil {
		return rec, fmt.Errorf("frame: record at %#x: %v", offset, err)
	}
	if length32 == 0 {
		// ZERO terminator
		rec.zeroTerminator = true
		rec.next = rd.pos
		return rec, nil
	}

	var length uint64
	if length32 == 0xffffffff {
		rec.dwarf64 = true
		if length, err = rd.u64(); err != nil {
			return rec, fmt.Errorf("frame: record at %#x: %v", offset, err)
		}
	} else if length32 >= 0xfffffff0 {
		return rec, fmt.Errorf("frame: record at %#x: reserved initial length %#x", offset, length32)
	} else {
		length = uint64(length32)
	}

	idPos := rd.pos
	var id uint64
	if rec.dwarf64 {
		id, err = rd.u64()
	} else {
		var id32 uint32
		id32, err = rd.u32()
		id = uint64(id32)
	}
	if err != nil {
		return rec, fmt.Errorf("frame: record at %#x: %v", offset, err)
	}

	rec.bodyStart = rd.pos
	rec.bodyEnd = idPos + length
	rec.next = rec.bodyEnd
	if rec.bodyEnd > uint64(len(t.data)) || rec.bodyEnd < rec.bodyStart {
		return rec, fmt.Errorf("frame: record at %#x: length %#x overruns section", offset, length)
	}

	if rec.dwarf64 {
		rec.isCIE = t.isCIE64(id)
	} else {
		rec.isCIE = t.isCIE32(uint32(id))
	}
	if !rec.isCIE {
		rec.cieOffset = t.cieOffsetFromFDE(id, idPos)
		if rec.cieOffset >= uint64(len(t.data)) {
			return rec, fmt.Errorf("frame: FDE at %#x: CIE pointer %#x out of section", offset, rec.cieOffset)
		}
	}
	return rec, nil
}

// isCIE32 reports whether a 32-bit ID field marks a CIE record.
func (t *Table) isCIE32(id uint32) bool {
	if t.cfg.Format == EhFrame {
		return id == 0
	}
	return id == 0xffffffff
}

// isCIE64 reports whether a 64-bit ID field marks a CIE record.
func (t *Table) isCIE64(id uint64) bool {
	if t.cfg.Format == EhFrame {
		return id == 0
	}
	return id == 0xffffffffffffffff
}

// cieOffsetFromFDE converts the CIE pointer field of an FDE into a
// section offset. In .debug_frame the pointer is the section offset of
// the CIE, in .eh_frame it is relative to the position of the pointer
// field itself.
func (t *Table) cieOffsetFromFDE(id, idPos uint64) uint64 {
	if t.cfg.Format == EhFrame {
		return idPos - id
	}
	return id
}

// cieAt returns the parsed (or cached) CIE at the given section
// offset. Callers must hold t.mu.
func (t *Table) cieAt(offset uint64) (*CommonInformationEntry, error) {
	if v, ok := t.cies.Get(offset); ok {
		return v.(*CommonInformationEntry), nil
	}
	cie, err := t.parseCIE(offset)
	if err != nil {
		return nil, err
	}
	t.cies.Add(offset, cie)
	if logflags.FrameParser() {
		t.logger.Debugf("parsed CIE at %#x version %d augmentation %q", offset, cie.Version, cie.Augmentation)
	}
	return cie, nil
}

// fdeAt returns the parsed (or cached) FDE at the given section
// offset. Callers must hold t.mu.
func (t *Table) fdeAt(offset uint64) (*FrameDescriptionEntry, error) {
	if fde, ok := t.fdes[offset]; ok {
		return fde, nil
	}
	rec, err := t.readRecordHeader(offset)
	if err != nil {
		return nil, err
	}
	if rec.zeroTerminator || rec.isCIE {
		return nil, fmt.Errorf("frame: record at %#x is not an FDE", offset)
	}
	cie, err := t.cieAt(rec.cieOffset)
	if err != nil {
		return nil, err
	}
	fde, err := t.parseFDE(rec, cie)
	if err != nil {
		return nil, err
	}
	t.fdes[offset] = fde
	if logflags.FrameParser() {
		t.logger.Debugf("parsed FDE at %#x covering [%#x, %#x)", offset, fde.Begin(), fde.End())
	}
	return fde, nil
}

// parseCIE parses the CIE record starting at offset.
func (t *Table) parseCIE(offset uint64) (*CommonInformationEntry, error) {
	rec, err := t.readRecordHeader(offset)
	if err != nil {
		return nil, err
	}
	if rec.zeroTerminator || !rec.isCIE {
		return nil, fmt.Errorf("frame: record at %#x is not a CIE", offset)
	}
	rd := &reader{data: t.data, pos: rec.bodyStart, end: rec.bodyEnd, order: t.order}

	cie := &CommonInformationEntry{
		Offset:     offset,
		Length:     rec.bodyEnd - rec.bodyStart,
		staticBase: t.cfg.StaticBase,
		order:      t.order,
		ptrSize:    t.cfg.PtrSize,
		ptrEncAddr: ptrEncAbs,
		ptrEncLSDA: ptrEncOmit,
	}

	if cie.Version, err = rd.u8(); err != nil {
		return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
	}
	if cie.Version != 1 && cie.Version != 3 && cie.Version != 4 {
		return nil, fmt.Errorf("frame: CIE at %#x: unsupported version %d", offset, cie.Version)
	}

	if cie.Augmentation, err = rd.str(); err != nil {
		return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
	}

	if cie.Version == 4 {
		// Skip the address_size and segment_selector_size fields.
		if err = rd.skip(2); err != nil {
			return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
		}
	}

	if cie.CodeAlignmentFactor, err = rd.uleb(); err != nil {
		return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
	}
	if cie.DataAlignmentFactor, err = rd.sleb(); err != nil {
		return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
	}
	if cie.Version == 1 {
		b, err := rd.u8()
		if err != nil {
			return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
		}
		cie.ReturnAddressRegister = uint64(b)
	} else {
		if cie.ReturnAddressRegister, err = rd.uleb(); err != nil {
			return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
		}
	}

	if len(cie.Augmentation) > 0 {
		if cie.Augmentation[0] != 'z' {
			return nil, fmt.Errorf("frame: CIE at %#x: unsupported augmentation %q", offset, cie.Augmentation)
		}
		augLen, err := rd.uleb()
		if err != nil {
			return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
		}
		augEnd := rd.pos + augLen
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'L':
				b, err := rd.u8()
				if err != nil {
					return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
				}
				cie.ptrEncLSDA = ptrEnc(b)
			case 'R':
				b, err := rd.u8()
				if err != nil {
					return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
				}
				cie.ptrEncAddr = ptrEnc(b)
				if !cie.ptrEncAddr.Supported() {
					return nil, fmt.Errorf("frame: CIE at %#x: unsupported pointer encoding %#x", offset, b)
				}
			case 'P':
				b, err := rd.u8()
				if err != nil {
					return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
				}
				// The personality routine is not needed for unwinding,
				// only its encoded size matters here.
				if cie.personality, err = t.readEncodedPointer(rd, ptrEnc(b)&^ptrEncIndirect); err != nil {
					return nil, fmt.Errorf("frame: CIE at %#x: %v", offset, err)
				}
			case 'S':
				cie.signalFrame = true
			default:
				return nil, fmt.Errorf("frame: CIE at %#x: unsupported augmentation %q", offset, cie.Augmentation)
			}
		}
		if rd.pos > augEnd || augEnd > rec.bodyEnd {
			return nil, fmt.Errorf("frame: CIE at %#x: augmentation data overruns record", offset)
		}
		rd.pos = augEnd
	}

	cie.InitialInstructions = t.data[rd.pos:rec.bodyEnd]
	return cie, nil
}

// readFDERange decodes the pc_begin and pc_range fields of an FDE
// record, leaving rd unavailable to the caller. Used both by the index
// walk and the full parse.
func (t *Table) readFDERange(rec recordHeader, cie *CommonInformationEntry) (begin, size uint64, err error) {
	rd := &reader{data: t.data, pos: rec.bodyStart, end: rec.bodyEnd, order: t.order}
	begin, size, _, err = t.readFDERangeFrom(rd, rec, cie)
	return begin, size, err
}

func (t *Table) readFDERangeFrom(rd *reader, rec recordHeader, cie *CommonInformationEntry) (begin, size uint64, lsda uint64, err error) {
	if t.cfg.Format == EhFrame {
		if begin, err = t.readEncodedPointer(rd, cie.ptrEncAddr); err != nil {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
		}
		// The range field uses the size part of the encoding only, it
		// is never relative to anything.
		if size, err = t.readEncodedPointer(rd, cie.ptrEncAddr&^ptrEncFlagsMask); err != nil {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
		}
	} else {
		if begin, err = rd.uint(t.cfg.PtrSize); err != nil {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
		}
		if size, err = rd.uint(t.cfg.PtrSize); err != nil {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
		}
	}
	begin += t.cfg.StaticBase
	if size == 0 {
		return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: empty code range", rec.offset)
	}

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := rd.uleb()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
		}
		augEnd := rd.pos + augLen
		if augEnd > rec.bodyEnd {
			return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: augmentation data overruns record", rec.offset)
		}
		if cie.ptrEncLSDA != ptrEncOmit {
			if lsda, err = t.readEncodedPointer(rd, cie.ptrEncLSDA); err != nil {
				return 0, 0, 0, fmt.Errorf("frame: FDE at %#x: %v", rec.offset, err)
			}
		}
		rd.pos = augEnd
	}
	return begin, size, lsda, nil
}

// parseFDE parses the FDE record described by rec.
func (t *Table) parseFDE(rec recordHeader, cie *CommonInformationEntry) (*FrameDescriptionEntry, error) {
	rd := &reader{data: t.data, pos: rec.bodyStart, end: rec.bodyEnd, order: t.order}
	begin, size, lsda, err := t.readFDERangeFrom(rd, rec, cie)
	if err != nil {
		return nil, err
	}
	return &FrameDescriptionEntry{
		Offset:       rec.offset,
		Length:       rec.bodyEnd - rec.bodyStart,
		CIE:          cie,
		Instructions: t.data[rd.pos:rec.bodyEnd],
		LSDA:         lsda,
		begin:        begin,
		size:         size,
		order:        t.order,
	}, nil
}

// readEncodedPointer reads one pointer value encoded per the DWARF
// exception header encoding.
func (t *Table) readEncodedPointer(rd *reader, enc ptrEnc) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}
	fieldPos := rd.pos

	var val uint64
	var err error
	switch enc & 0x0f {
	case ptrEncAbs:
		val, err = rd.uint(t.cfg.PtrSize)
	case ptrEncSigned:
		val, err = rd.uint(t.cfg.PtrSize)
		if err == nil && t.cfg.PtrSize == 4 {
			val = uint64(int64(int32(val)))
		}
	case ptrEncUleb:
		val, err = rd.uleb()
	case ptrEncSleb:
		var sval int64
		sval, err = rd.sleb()
		val = uint64(sval)
	case ptrEncUdata2:
		var v uint16
		v, err = rd.u16()
		val = uint64(v)
	case ptrEncSdata2:
		var v uint16
		v, err = rd.u16()
		val = uint64(int64(int16(v)))
	case ptrEncUdata4:
		var v uint32
		v, err = rd.u32()
		val = uint64(v)
	case ptrEncSdata4:
		var v uint32
		v, err = rd.u32()
		val = uint64(int64(int32(v)))
	case ptrEncUdata8, ptrEncSdata8:
		val, err = rd.u64()
	default:
		return 0, fmt.Errorf("unsupported pointer encoding %#x", uint8(enc))
	}
	if err != nil {
		return 0, err
	}

	switch enc & ptrEncFlagsMask &^ ptrEncIndirect {
	case 0:
	case ptrEncPCRel:
		val += t.cfg.SectionAddr + fieldPos
	case ptrEncDataRel:
		val += t.cfg.SectionAddr
	default:
		return 0, fmt.Errorf("unsupported pointer encoding flags %#x", uint8(enc))
	}

	if enc&ptrEncIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect pointer encoding %#x", uint8(enc))
	}
	return val, nil
}
