package layout

import (
	"errors"
	"testing"

	"greenova.io/internal/address"
)

func TestWriterReader(t *testing.T) {
	d := DiscriminatorFor("Thing")
	w := NewWriter(d, 64)
	w.U64(42)
	w.U32(7)
	w.String("solar", 50)
	w.Bool(true)
	w.Address(address.FromSeed("x"))
	w.I64(-5)
	b, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	r, err := NewReader(b, d)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if r.U64() != 42 || r.U32() != 7 || r.String(50) != "solar" || !r.Bool() || r.Address() != address.FromSeed("x") || r.I64() != -5 {
		t.Fatalf("decoded fields mismatch")
	}
	if r.Err() != nil {
		t.Fatalf("unexpected err: %v", r.Err())
	}
}

func TestReaderRejectsWrongDiscriminator(t *testing.T) {
	w := NewWriter(DiscriminatorFor("A"), 8)
	w.U64(1)
	b, _ := w.Bytes()
	if _, err := NewReader(b, DiscriminatorFor("B")); !errors.Is(err, ErrDiscriminator) {
		t.Fatalf("expected ErrDiscriminator, got %v", err)
	}
	if _, err := NewReader(b[:4], DiscriminatorFor("A")); !errors.Is(err, ErrShort) {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestStringBound(t *testing.T) {
	w := NewWriter(DiscriminatorFor("A"), 8)
	w.String("123456", 5)
	if _, err := w.Bytes(); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}

func TestShortRead(t *testing.T) {
	d := DiscriminatorFor("A")
	w := NewWriter(d, 8)
	w.U32(1)
	b, _ := w.Bytes()
	r, err := NewReader(b, d)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	_ = r.U64()
	if !errors.Is(r.Err(), ErrShort) {
		t.Fatalf("expected ErrShort, got %v", r.Err())
	}
}
