// Package address defines the 32-byte identity used for both principals and storage
// locations, and the seed-based derivation that places program-owned records.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const Size = 32

// derivedMarker separates derived addresses from plain key hashes.
const derivedMarker = "ProgramDerivedAddress"

type Address [Size]byte

var Zero Address

func (a Address) String() string { return hex.EncodeToString(a[:]) }

func (a Address) IsZero() bool { return a == Zero }

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Compare(b Address) int { return bytes.Compare(a[:], b[:]) }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// Parse accepts the 64-char hex form, optionally prefixed with 0x.
func Parse(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != hex.EncodedLen(Size) {
		return a, fmt.Errorf("address: want %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	return a, nil
}

func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromSeed hashes an arbitrary phrase into an address. Used for program ids and
// deterministic test identities.
func FromSeed(seed string) Address {
	return Address(sha256.Sum256([]byte(seed)))
}

// Derive maps (program, seeds...) to an address. Seeds are length-prefixed so that
// distinct seed lists never share an encoding.
func Derive(program Address, seeds ...[]byte) Address {
	h := sha256.New()
	var n [4]byte
	for _, s := range seeds {
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivedMarker))
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// U64Seed encodes v as 8 little-endian bytes.
func U64Seed(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Sort orders addresses in place, ascending.
func Sort(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
}

// Dedupe sorts and removes duplicates.
func Dedupe(addrs []Address) []Address {
	if len(addrs) == 0 {
		return nil
	}
	out := append([]Address(nil), addrs...)
	Sort(out)
	w := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[w-1] {
			out[w] = out[i]
			w++
		}
	}
	return out[:w]
}
