package ledger

import (
	"sync"
	"sync/atomic"
	"time"

	"greenova.io/internal/escrow"
)

type stats struct {
	submitted atomic.Uint64
	committed atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	lastNanos atomic.Int64

	mu     sync.Mutex
	byCode map[escrow.Code]uint64
}

func (s *stats) observe(d time.Duration, code escrow.Code) {
	s.lastNanos.Store(int64(d))
	if code == "" {
		return
	}
	s.mu.Lock()
	s.byCode[code]++
	s.mu.Unlock()
}

type Metrics struct {
	Submitted     uint64                 `json:"submitted"`
	Committed     uint64                 `json:"committed"`
	Rejected      uint64                 `json:"rejected"`
	RejectsByCode map[escrow.Code]uint64 `json:"rejects_by_code"`
	LastLatency   time.Duration          `json:"last_latency_ns"`
	Seq           uint64                 `json:"seq"`
	EventsDropped uint64                 `json:"events_dropped"`
	LocksHeld     int                    `json:"locks_held"`
	Subscribers   int                    `json:"subscribers"`
}

func (l *Ledger) Metrics() Metrics {
	m := Metrics{
		Submitted:     l.stats.submitted.Load(),
		Committed:     l.stats.committed.Load(),
		Rejected:      l.stats.rejected.Load(),
		LastLatency:   time.Duration(l.stats.lastNanos.Load()),
		EventsDropped: l.stats.dropped.Load(),
		LocksHeld:     l.locks.size(),
		RejectsByCode: map[escrow.Code]uint64{},
	}
	l.stats.mu.Lock()
	for k, v := range l.stats.byCode {
		m.RejectsByCode[k] = v
	}
	l.stats.mu.Unlock()
	m.Seq, _ = l.Head()
	l.subsMu.Lock()
	m.Subscribers = len(l.subs)
	l.subsMu.Unlock()
	return m
}
