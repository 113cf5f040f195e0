package ledger

import (
	"context"
	"sync"

	"greenova.io/internal/address"
)

// lockTable hands out exclusive per-address locks. Entries exist only while held or
// waited on.
type lockTable struct {
	mu sync.Mutex
	m  map[address.Address]*addrLock
}

type addrLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{m: map[address.Address]*addrLock{}}
}

func (t *lockTable) ref(a address.Address) *addrLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.m[a]
	if l == nil {
		l = &addrLock{ch: make(chan struct{}, 1)}
		t.m[a] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(a address.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.m[a]
	l.refs--
	if l.refs == 0 {
		delete(t.m, a)
	}
}

// acquire locks addrs in ascending order. addrs must already be sorted and unique
// (address.Dedupe). The returned release must be called exactly once.
func (t *lockTable) acquire(ctx context.Context, addrs []address.Address) (release func(), err error) {
	type heldLock struct {
		addr address.Address
		l    *addrLock
	}
	held := make([]heldLock, 0, len(addrs))
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].l.ch
			t.unref(held[i].addr)
		}
	}
	for _, a := range addrs {
		l := t.ref(a)
		select {
		case l.ch <- struct{}{}:
			held = append(held, heldLock{addr: a, l: l})
		case <-ctx.Done():
			t.unref(a)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
