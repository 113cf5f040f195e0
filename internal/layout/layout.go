// Package layout encodes account records as fixed-width little-endian fields behind an
// 8-byte type discriminator.
package layout

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"greenova.io/internal/address"
)

var (
	ErrShort         = errors.New("layout: record too short")
	ErrDiscriminator = errors.New("layout: discriminator mismatch")
	ErrStringTooLong = errors.New("layout: string exceeds bound")
)

type Discriminator [8]byte

// DiscriminatorFor derives the tag stored in front of every record of a type.
func DiscriminatorFor(name string) Discriminator {
	sum := sha256.Sum256([]byte("account:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

type Writer struct {
	buf []byte
	err error
}

func NewWriter(d Discriminator, sizeHint int) *Writer {
	w := &Writer{buf: make([]byte, 0, 8+sizeHint)}
	w.buf = append(w.buf, d[:]...)
	return w
}

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

func (w *Writer) Address(a address.Address) { w.buf = append(w.buf, a[:]...) }

// String writes a u32 length prefix followed by the bytes; max bounds the byte length.
func (w *Writer) String(s string, max int) {
	if len(s) > max {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d > %d", ErrStringTooLong, len(s), max)
		}
		return
	}
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(data []byte, d Discriminator) (*Reader, error) {
	if len(data) < 8 {
		return nil, ErrShort
	}
	if Discriminator(data[:8]) != d {
		return nil, ErrDiscriminator
	}
	return &Reader{buf: data, off: 8}, nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Bool() bool { return r.U8() != 0 }

func (r *Reader) Address() address.Address {
	var a address.Address
	if b := r.take(address.Size); b != nil {
		copy(a[:], b)
	}
	return a
}

func (r *Reader) String(max int) string {
	n := int(r.U32())
	if r.err != nil {
		return ""
	}
	if n > max {
		r.err = fmt.Errorf("%w: %d > %d", ErrStringTooLong, n, max)
		return ""
	}
	return string(r.take(n))
}

func (r *Reader) Err() error { return r.err }
