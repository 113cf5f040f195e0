package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"greenova.io/internal/address"
	"greenova.io/internal/persistence/snapshot"
	"greenova.io/internal/store"
)

// ExportSnapshot captures every account together with the seq and chain head they
// correspond to.
func (l *Ledger) ExportSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	var snap snapshot.SnapshotV1
	// A write txn excludes commits for as long as it is open; it is never committed.
	txn, err := l.st.Begin(ctx)
	if err != nil {
		return snap, fmt.Errorf("begin: %w", err)
	}
	defer txn.Abort()

	seq, chain := l.Head()
	accts, err := txn.List("")
	if err != nil {
		return snap, fmt.Errorf("list accounts: %w", err)
	}

	snap.Header = snapshot.Header{
		Version:   snapshot.Version,
		ProgramID: l.env.Program.String(),
		Seq:       seq,
		Chain:     chain.String(),
		CreatedAt: l.now().Unix(),
	}
	snap.TokenProgramID = l.env.Token.ID.String()
	snap.StateDigest = stateDigest(accts).String()
	snap.Accounts = make([]snapshot.AccountV1, 0, len(accts))
	for _, a := range accts {
		snap.Accounts = append(snap.Accounts, snapshot.AccountV1{
			Address: a.Address.String(),
			Owner:   a.Owner.String(),
			Kind:    a.Kind,
			Data:    a.Data,
		})
	}
	return snap, nil
}

// ImportSnapshot loads snap into an empty store and positions the chain after it.
func (l *Ledger) ImportSnapshot(ctx context.Context, snap snapshot.SnapshotV1) error {
	if snap.Header.ProgramID != l.env.Program.String() {
		return fmt.Errorf("snapshot program %s, ledger program %s", snap.Header.ProgramID, l.env.Program)
	}
	if snap.TokenProgramID != l.env.Token.ID.String() {
		return fmt.Errorf("snapshot token program %s, ledger token program %s", snap.TokenProgramID, l.env.Token.ID)
	}
	chain, err := ParseDigest(snap.Header.Chain)
	if err != nil {
		return fmt.Errorf("snapshot chain: %w", err)
	}
	accts := make([]store.Account, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		addr, err := address.Parse(a.Address)
		if err != nil {
			return fmt.Errorf("snapshot account: %w", err)
		}
		owner, err := address.Parse(a.Owner)
		if err != nil {
			return fmt.Errorf("snapshot account %s owner: %w", addr, err)
		}
		accts = append(accts, store.Account{Address: addr, Owner: owner, Kind: a.Kind, Data: a.Data})
	}
	sort.Slice(accts, func(i, j int) bool { return accts[i].Address.Compare(accts[j].Address) < 0 })
	if got := stateDigest(accts).String(); got != snap.StateDigest {
		return fmt.Errorf("snapshot state digest mismatch: file %s, computed %s", snap.StateDigest, got)
	}
	if err := l.st.Restore(ctx, accts, store.Head{Seq: snap.Header.Seq, Chain: snap.Header.Chain}); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	l.SetHead(snap.Header.Seq, chain)
	return nil
}

// StateDigest hashes every committed account.
func (l *Ledger) StateDigest(ctx context.Context) (Digest, error) {
	rd, err := l.st.Read(ctx)
	if err != nil {
		return Digest{}, err
	}
	defer rd.Close()
	accts, err := rd.List("")
	if err != nil {
		return Digest{}, err
	}
	return stateDigest(accts), nil
}

// SaveSnapshot exports and writes a snapshot named after its seq under dir.
func (l *Ledger) SaveSnapshot(ctx context.Context, dir string) (string, snapshot.SnapshotV1, error) {
	start := time.Now()
	snap, err := l.ExportSnapshot(ctx)
	if err != nil {
		return "", snap, err
	}
	path := filepath.Join(dir, snapshot.FileName(snap.Header.Seq))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", snap, err
	}
	l.logf("snapshot seq=%d accounts=%d path=%s took=%s", snap.Header.Seq, len(snap.Accounts), path, time.Since(start))
	return path, snap, nil
}
