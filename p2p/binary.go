package p2p

import (
	"encoding/binary"
	"fmt"
)

// w/r are p2p-local binary codec primitives, mirroring wire's writer/reader
// so every package encodes its payloads the same way without p2p importing
// wire's unexported helpers.
type w struct{ buf []byte }

func newW() *w { return &w{buf: make([]byte, 0, 128)} }

func (x *w) bytes() []byte { return x.buf }

func (x *w) u8(v uint8) *w {
	x.buf = append(x.buf, v)
	return x
}

func (x *w) u32(v uint32) *w {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	x.buf = append(x.buf, b[:]...)
	return x
}

func (x *w) i64(v int64) *w {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	x.buf = append(x.buf, b[:]...)
	return x
}

func (x *w) str(s string) *w {
	x.u32(uint32(len(s)))
	x.buf = append(x.buf, s...)
	return x
}

func (x *w) blob(b []byte) *w {
	x.u32(uint32(len(b)))
	x.buf = append(x.buf, b...)
	return x
}

type r struct {
	buf []byte
	pos int
}

func newR(b []byte) *r { return &r{buf: b} }

func (x *r) remaining() int { return len(x.buf) - x.pos }

func (x *r) u8() (uint8, error) {
	if x.remaining() < 1 {
		return 0, fmt.Errorf("p2p: unexpected EOF reading u8")
	}
	v := x.buf[x.pos]
	x.pos++
	return v, nil
}

func (x *r) u32() (uint32, error) {
	if x.remaining() < 4 {
		return 0, fmt.Errorf("p2p: unexpected EOF reading u32")
	}
	v := binary.BigEndian.Uint32(x.buf[x.pos : x.pos+4])
	x.pos += 4
	return v, nil
}

func (x *r) i64() (int64, error) {
	if x.remaining() < 8 {
		return 0, fmt.Errorf("p2p: unexpected EOF reading i64")
	}
	v := binary.BigEndian.Uint64(x.buf[x.pos : x.pos+8])
	x.pos += 8
	return int64(v), nil
}

const maxFieldLen = 64 << 20

func (x *r) raw(n int) ([]byte, error) {
	if x.remaining() < n {
		return nil, fmt.Errorf("p2p: unexpected EOF reading %d raw bytes", n)
	}
	out := make([]byte, n)
	copy(out, x.buf[x.pos:x.pos+n])
	x.pos += n
	return out, nil
}

func (x *r) str() (string, error) {
	n, err := x.u32()
	if err != nil {
		return "", err
	}
	if n > maxFieldLen {
		return "", fmt.Errorf("p2p: string field too long (%d)", n)
	}
	b, err := x.raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (x *r) blob() ([]byte, error) {
	n, err := x.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("p2p: blob field too long (%d)", n)
	}
	return x.raw(int(n))
}
