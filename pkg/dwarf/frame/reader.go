package frame

import (
	"encoding/binary"
	"errors"
)

var errTruncated = errors.New("truncated record")

// reader provides bounds-checked sequential access to the raw section
// bytes. A zero end means the whole section is readable.
type reader struct {
	data  []byte
	pos   uint64
	end   uint64
	order binary.ByteOrder
}

func (r *reader) limit() uint64 {
	if r.end != 0 {
		return r.end
	}
	return uint64(len(r.data))
}

func (r *reader) remaining() uint64 {
	lim := r.limit()
	if r.pos >= lim {
		return 0
	}
	return lim - r.pos
}

func (r *reader) skip(n uint64) error {
	if r.remaining() < n {
		return errTruncated
	}
	r.pos += n
	return nil
}

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, errTruncated
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errTruncated
	}
	v := r.order.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errTruncated
	}
	v := r.order.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, errTruncated
	}
	v := r.order.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// uint reads an unsigned integer of the given byte size.
func (r *reader) uint(size int) (uint64, error) {
	switch size {
	case 4:
		v, err := r.u32()
		return uint64(v), err
	case 8:
		return r.u64()
	}
	return 0, errTruncated
}

// uleb reads one unsigned LEB128 encoded value.
func (r *reader) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

// sleb reads one signed LEB128 encoded value.
func (r *reader) sleb() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -(1 << shift)
			}
			break
		}
	}
	return result, nil
}

// str reads one zero-terminated string.
func (r *reader) str() (string, error) {
	start := r.pos
	for {
		b, err := r.u8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(r.data[start : r.pos-1]), nil
		}
	}
}
