package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func sample(seq uint64) SnapshotV1 {
	return SnapshotV1{
		Header:         Header{Version: Version, ProgramID: "p", Seq: seq, Chain: "c", CreatedAt: 1},
		TokenProgramID: "t",
		StateDigest:    "d",
		Accounts: []AccountV1{
			{Address: "a1", Owner: "o", Kind: "escrow/project", Data: []byte{1, 2, 3}},
			{Address: "a2", Owner: "o", Kind: "token/account", Data: []byte{4}},
		},
	}
}

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots", FileName(7))
	if err := WriteSnapshot(path, sample(7)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header.Seq != 7 || len(got.Accounts) != 2 || string(got.Accounts[0].Data) != "\x01\x02\x03" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Seq != 7 || h.Chain != "c" {
		t.Fatalf("unexpected header: %+v", h)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestListAndLatest(t *testing.T) {
	dir := t.TempDir()
	for _, seq := range []uint64{10, 2, 33} {
		if err := WriteSnapshot(filepath.Join(dir, FileName(seq)), sample(seq)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	all, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Seq != 2 || all[2].Seq != 33 {
		t.Fatalf("unexpected list: %+v", all)
	}
	latest, ok, err := Latest(dir)
	if err != nil || !ok || latest.Seq != 33 {
		t.Fatalf("unexpected latest: %+v %v %v", latest, ok, err)
	}
	if _, ok, err := Latest(filepath.Join(dir, "missing")); ok || err != nil {
		t.Fatalf("expected empty result for missing dir, got ok=%v err=%v", ok, err)
	}
}
