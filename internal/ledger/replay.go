package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

type ReplayResult struct {
	Applied  int    `json:"applied"`
	Skipped  int    `json:"skipped"`
	Rejected int    `json:"rejected"`
	Seq      uint64 `json:"seq"`
	Digest   string `json:"digest"`
}

// Replay re-executes committed journal entries past the current head with their
// recorded signer, clock and tx id, and checks every recorded chain digest. Entries
// must be in journal order. Replayed ops are not journaled again and publish nothing.
func (l *Ledger) Replay(ctx context.Context, entries []Entry) (ReplayResult, error) {
	var res ReplayResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.OK {
			res.Rejected++
			continue
		}
		head, _ := l.Head()
		if e.Seq <= head {
			res.Skipped++
			continue
		}
		if e.Seq != head+1 {
			return res, fmt.Errorf("journal gap: head %d, next entry seq %d", head, e.Seq)
		}
		replayed := Entry{TxID: e.TxID, Time: e.Time, Signer: e.Signer, Op: e.Op}
		got, err := l.execute(ctx, replayed, false)
		if err != nil {
			return res, fmt.Errorf("seq %d (%s): replay rejected: %w", e.Seq, e.Op.Kind, err)
		}
		if got.Digest != e.Digest {
			return res, fmt.Errorf("seq %d (%s): digest mismatch: journal %s, replay %s", e.Seq, e.Op.Kind, e.Digest, got.Digest)
		}
		res.Applied++
	}
	seq, chain := l.Head()
	res.Seq = seq
	res.Digest = chain.String()
	return res, nil
}

type ResumeResult struct {
	StoreSeq uint64       `json:"store_seq"`
	Repaired bool         `json:"repaired"`
	Replay   ReplayResult `json:"replay"`
}

// Resume positions the ledger on a durable store that already holds state. The head
// committed with the accounts is authoritative: journal entries past it are replayed,
// and a journal that lost the store's last op gets it back from the store.
func (l *Ledger) Resume(ctx context.Context, entries []Entry) (ResumeResult, error) {
	var res ResumeResult
	rd, err := l.st.Read(ctx)
	if err != nil {
		return res, err
	}
	head, err := rd.Head()
	rd.Close()
	if err != nil {
		return res, fmt.Errorf("store head: %w", err)
	}
	chain, err := ParseDigest(head.Chain)
	if err != nil {
		return res, fmt.Errorf("store head chain: %w", err)
	}
	res.StoreSeq = head.Seq
	l.SetHead(head.Seq, chain)

	var last uint64
	for _, e := range entries {
		if !e.OK {
			continue
		}
		if e.Seq == head.Seq && e.Digest != head.Chain {
			return res, fmt.Errorf("seq %d: journal digest %s, store digest %s", e.Seq, e.Digest, head.Chain)
		}
		if e.Seq > last {
			last = e.Seq
		}
	}

	switch {
	case last+1 == head.Seq:
		var pending Entry
		if err := json.Unmarshal(head.Entry, &pending); err != nil {
			return res, fmt.Errorf("store head entry: %w", err)
		}
		if pending.Seq != head.Seq || pending.Digest != head.Chain {
			return res, fmt.Errorf("store head entry is seq %d, want %d", pending.Seq, head.Seq)
		}
		if l.journal != nil {
			if err := l.journal.WriteEntry(pending); err != nil {
				return res, fmt.Errorf("append seq %d to journal: %w", pending.Seq, err)
			}
		}
		l.notify(pending)
		res.Repaired = true
		l.logf("resume: appended seq=%d from store to journal", pending.Seq)
	case last < head.Seq:
		return res, fmt.Errorf("journal ends at seq %d, store head is %d", last, head.Seq)
	}

	res.Replay, err = l.Replay(ctx, entries)
	return res, err
}
