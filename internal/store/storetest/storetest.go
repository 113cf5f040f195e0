// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
)

func acct(seed, kind string, data string) store.Account {
	return store.Account{
		Address: address.FromSeed(seed),
		Owner:   address.FromSeed("owner"),
		Kind:    kind,
		Data:    []byte(data),
	}
}

// Run exercises a fresh store produced by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("CreateGetCommit", func(t *testing.T) { testCreateGetCommit(t, open(t)) })
	t.Run("AbortDiscards", func(t *testing.T) { testAbortDiscards(t, open(t)) })
	t.Run("CreateCollides", func(t *testing.T) { testCreateCollides(t, open(t)) })
	t.Run("UpdateKeepsKind", func(t *testing.T) { testUpdateKeepsKind(t, open(t)) })
	t.Run("ListByKind", func(t *testing.T) { testListByKind(t, open(t)) })
	t.Run("Restore", func(t *testing.T) { testRestore(t, open(t)) })
	t.Run("HeadCommitsWithAccounts", func(t *testing.T) { testHeadCommitsWithAccounts(t, open(t)) })
}

func mustBegin(t *testing.T, s store.Store) store.WriteTxn {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func testCreateGetCommit(t *testing.T, s store.Store) {
	a := acct("a", "project", "hello")
	tx := mustBegin(t, s)
	if err := tx.Create(a); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := tx.Get(a.Address)
	if err != nil {
		t.Fatalf("get inside tx: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Fatalf("unexpected data %q", got.Data)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rd, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	got, err = rd.Get(a.Address)
	if err != nil {
		t.Fatalf("get after commit: %v", err)
	}
	if got.Kind != "project" || got.Owner != a.Owner || string(got.Data) != "hello" {
		t.Fatalf("unexpected account %+v", got)
	}
	if _, err := rd.Get(address.FromSeed("missing")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAbortDiscards(t *testing.T, s store.Store) {
	a := acct("a", "project", "v1")
	tx := mustBegin(t, s)
	if err := tx.Create(a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = mustBegin(t, s)
	a.Data = []byte("v2")
	if err := tx.Update(a); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Create(acct("b", "investment", "x")); err != nil {
		t.Fatalf("create b: %v", err)
	}
	tx.Abort()

	rd, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	got, err := rd.Get(a.Address)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != "v1" {
		t.Fatalf("abort leaked update: %q", got.Data)
	}
	if _, err := rd.Get(address.FromSeed("b")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("abort leaked create: %v", err)
	}
}

func testCreateCollides(t *testing.T, s store.Store) {
	tx := mustBegin(t, s)
	defer tx.Abort()
	if err := tx.Create(acct("a", "project", "1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Create(acct("a", "vault", "2")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := tx.Update(acct("nope", "project", "1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func testUpdateKeepsKind(t *testing.T, s store.Store) {
	tx := mustBegin(t, s)
	defer tx.Abort()
	a := acct("a", "project", "1")
	if err := tx.Create(a); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := a
	b.Kind = "vault"
	b.Owner = address.FromSeed("intruder")
	b.Data = []byte("2")
	if err := tx.Update(b); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := tx.Get(a.Address)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != "project" || got.Owner != a.Owner || string(got.Data) != "2" {
		t.Fatalf("update should only replace data: %+v", got)
	}
}

func testListByKind(t *testing.T, s store.Store) {
	tx := mustBegin(t, s)
	for _, a := range []store.Account{
		acct("p1", "project", "1"),
		acct("p2", "project", "2"),
		acct("i1", "investment", "3"),
	} {
		if err := tx.Create(a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rd, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	projects, err := rd.List("project")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	if projects[0].Address.Compare(projects[1].Address) >= 0 {
		t.Fatalf("expected address order")
	}
	all, err := rd.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Address.Compare(all[i].Address) >= 0 {
			t.Fatalf("list all not ordered at %d", i)
		}
	}
}

func testRestore(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := []store.Account{acct("a", "project", "1"), acct("b", "vault", "2")}
	head := store.Head{Seq: 9, Chain: "c9"}
	if err := s.Restore(ctx, in, head); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := s.Restore(ctx, in, head); !errors.Is(err, store.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	rd, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	all, err := rd.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 restored accounts, got %d", len(all))
	}
	got, err := rd.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if got.Seq != 9 || got.Chain != "c9" {
		t.Fatalf("expected restored head 9/c9, got %+v", got)
	}
}

func testHeadCommitsWithAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	tx := mustBegin(t, s)
	if _, err := tx.Head(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any head, got %v", err)
	}
	if err := tx.Create(acct("a", "project", "1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.SetHead(store.Head{Seq: 1, Chain: "c1", Entry: []byte(`{"seq":1}`)}); err != nil {
		t.Fatalf("set head: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx = mustBegin(t, s)
	if err := tx.Create(acct("b", "project", "2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.SetHead(store.Head{Seq: 2, Chain: "c2"}); err != nil {
		t.Fatalf("set head: %v", err)
	}
	tx.Abort()

	rd, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	got, err := rd.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if got.Seq != 1 || got.Chain != "c1" || string(got.Entry) != `{"seq":1}` {
		t.Fatalf("expected committed head 1, got %+v", got)
	}
}
