package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
)

type Digest [sha256.Size]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func ParseDigest(s string) (Digest, error) {
	var d Digest
	if s == "" {
		return d, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

func digestWriteU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteBytes(h hash.Hash, tmp *[8]byte, b []byte) {
	digestWriteU64(h, tmp, uint64(len(b)))
	h.Write(b)
}

// writeSet hashes the post-state of the written accounts: addr ‖ sha256(data) each,
// ascending by address.
func writeSet(r store.Reader, written []address.Address) (Digest, error) {
	h := sha256.New()
	for _, a := range written {
		acct, err := r.Get(a)
		if err != nil {
			return Digest{}, err
		}
		sum := sha256.Sum256(acct.Data)
		h.Write(a[:])
		h.Write(sum[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// chainNext links one committed op onto the chain head.
func chainNext(prev Digest, seq uint64, kind Kind, writes Digest) Digest {
	h := sha256.New()
	var tmp [8]byte
	h.Write(prev[:])
	digestWriteU64(h, &tmp, seq)
	digestWriteBytes(h, &tmp, []byte(kind))
	h.Write(writes[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// stateDigest covers every account, ascending by address.
func stateDigest(accts []store.Account) Digest {
	h := sha256.New()
	var tmp [8]byte
	digestWriteU64(h, &tmp, uint64(len(accts)))
	for _, a := range accts {
		h.Write(a.Address[:])
		h.Write(a.Owner[:])
		digestWriteBytes(h, &tmp, []byte(a.Kind))
		digestWriteBytes(h, &tmp, a.Data)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
