// Package ledger hosts operations: it resolves and locks the accounts an op declares,
// runs the handler inside one store transaction, and either commits everything or
// nothing. Committed ops get a sequence number, extend a digest chain, are journaled,
// and fan their events out to subscribers.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/store"
	"greenova.io/internal/token"
)

// Journal receives one entry per submitted op, committed or rejected, in order. A
// committed entry is written before its transaction commits.
type Journal interface {
	WriteEntry(Entry) error
}

type Options struct {
	Program address.Address
	Token   *token.Program
	Store   store.Store
	Journal Journal

	// Sinks get every entry after the fact; their errors are logged and dropped.
	Sinks  []Journal
	Logger *log.Logger
	Now    func() time.Time
	Tracer trace.Tracer
}

type Ledger struct {
	env     Env
	st      store.Store
	journal Journal
	sinks   []Journal
	logger  *log.Logger
	now     func() time.Time
	tracer  trace.Tracer
	locks   *lockTable

	// mu orders commits: seq, chain and journal writes advance together under it.
	mu     sync.Mutex
	seq    uint64
	chain  Digest
	halted error

	subsMu  sync.Mutex
	subs    map[int]chan Notification
	nextSub int

	stats stats
}

type EventRecord struct {
	Name      string          `json:"name"`
	ProjectID uint64          `json:"project_id"`
	Data      json.RawMessage `json:"data"`
}

// Entry is the journal record of one submitted op.
type Entry struct {
	Seq     uint64            `json:"seq,omitempty"`
	TxID    string            `json:"tx_id"`
	Time    int64             `json:"time"`
	Signer  address.Address   `json:"signer"`
	Op      Op                `json:"op"`
	OK      bool              `json:"ok"`
	Code    escrow.Code       `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Writes  []address.Address `json:"writes,omitempty"`
	Events  []EventRecord     `json:"events,omitempty"`
	Digest  string            `json:"digest,omitempty"`
}

type Receipt struct {
	TxID    string        `json:"tx_id"`
	Seq     uint64        `json:"seq,omitempty"`
	OK      bool          `json:"ok"`
	Code    escrow.Code   `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Events  []EventRecord `json:"events,omitempty"`
	Digest  string        `json:"digest,omitempty"`
}

func (e Entry) receipt() Receipt {
	return Receipt{TxID: e.TxID, Seq: e.Seq, OK: e.OK, Code: e.Code, Message: e.Message, Events: e.Events, Digest: e.Digest}
}

func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ledger: nil store")
	}
	if opts.Token == nil {
		return nil, fmt.Errorf("ledger: nil token program")
	}
	if opts.Program.IsZero() {
		return nil, fmt.Errorf("ledger: zero program id")
	}
	if opts.Program == opts.Token.ID {
		return nil, fmt.Errorf("ledger: program id equals token program id")
	}
	l := &Ledger{
		env:     Env{Program: opts.Program, Token: opts.Token},
		st:      opts.Store,
		journal: opts.Journal,
		sinks:   opts.Sinks,
		logger:  opts.Logger,
		now:     opts.Now,
		tracer:  opts.Tracer,
		locks:   newLockTable(),
		subs:    map[int]chan Notification{},
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("greenova.io/internal/ledger")
	}
	l.stats.byCode = map[escrow.Code]uint64{}
	return l, nil
}

func (l *Ledger) Env() Env { return l.env }

func (l *Ledger) Store() store.Store { return l.st }

// Head returns the last committed seq and the chain digest after it.
func (l *Ledger) Head() (uint64, Digest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.chain
}

// SetHead positions the chain for a store that already holds state up to seq.
func (l *Ledger) SetHead(seq uint64, chain Digest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = seq
	l.chain = chain
}

// Submit runs op signed by signer as one atomic transaction. A rejected op returns an
// *escrow.Error and a receipt carrying the same code; nothing it did is kept.
func (l *Ledger) Submit(ctx context.Context, signer address.Address, op Op) (Receipt, error) {
	e := Entry{
		TxID:   uuid.NewString(),
		Time:   l.now().Unix(),
		Signer: signer,
		Op:     op,
	}
	return l.submit(ctx, e, true)
}

func (l *Ledger) submit(ctx context.Context, e Entry, record bool) (Receipt, error) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "ledger.Submit", trace.WithAttributes(
		attribute.String("op.kind", string(e.Op.Kind)),
		attribute.String("op.signer", e.Signer.String()),
		attribute.String("tx.id", e.TxID),
	))
	defer span.End()

	l.stats.submitted.Add(1)
	e, err := l.execute(ctx, e, record)
	l.stats.observe(time.Since(start), e.Code)

	if err != nil {
		span.SetAttributes(attribute.String("result.code", string(e.Code)))
		span.SetStatus(codes.Error, e.Message)
		return e.receipt(), err
	}
	span.SetAttributes(attribute.Int64("tx.seq", int64(e.Seq)))
	return e.receipt(), nil
}

func (l *Ledger) execute(ctx context.Context, e Entry, record bool) (Entry, error) {
	if err := e.Op.Validate(); err != nil {
		return l.reject(e, err, record)
	}
	declared := e.Op.Accounts(l.env, e.Signer)
	release, err := l.locks.acquire(ctx, declared)
	if err != nil {
		return l.reject(e, escrow.Wrap(escrow.CodeInternal, "acquire account locks", err), record)
	}
	defer release()

	txn, err := l.st.Begin(ctx)
	if err != nil {
		return l.reject(e, l.internal("begin", err), record)
	}
	g := newGuard(txn, declared)
	events, err := l.dispatch(g, e.Signer, e.Op, e.Time)
	if g.violated != nil {
		err = g.violated
	}
	if err != nil {
		txn.Abort()
		return l.reject(e, err, record)
	}

	written := g.written()
	ws, err := writeSet(txn, written)
	if err != nil {
		txn.Abort()
		return l.reject(e, l.internal("hash write set", err), record)
	}
	records, err := encodeEvents(events)
	if err != nil {
		txn.Abort()
		return l.reject(e, l.internal("encode events", err), record)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		txn.Abort()
		return l.rejectLocked(e, escrow.Wrap(escrow.CodeInternal, "ledger halted", l.halted), record)
	}
	seq := l.seq + 1
	chain := chainNext(l.chain, seq, e.Op.Kind, ws)
	committed := e
	committed.Seq = seq
	committed.OK = true
	committed.Writes = written
	committed.Events = records
	committed.Digest = chain.String()
	raw, err := json.Marshal(committed)
	if err != nil {
		txn.Abort()
		return l.rejectLocked(e, l.internal("encode entry", err), record)
	}
	if err := txn.SetHead(store.Head{Seq: seq, Chain: committed.Digest, Entry: raw}); err != nil {
		txn.Abort()
		return l.rejectLocked(e, l.internal("set head", err), record)
	}

	// The journal entry goes first: an op is acknowledged only once it can be replayed.
	journaled := false
	if record && l.journal != nil {
		if err := l.journal.WriteEntry(committed); err != nil {
			txn.Abort()
			l.halted = fmt.Errorf("journal write seq=%d: %w", seq, err)
			l.logf("halting: %v", l.halted)
			return l.rejectLocked(e, escrow.Wrap(escrow.CodeInternal, "journal write", err), record)
		}
		journaled = true
	}
	if err := txn.Commit(); err != nil {
		if journaled {
			// Recovery replays the journaled entry onto the store.
			l.halted = fmt.Errorf("commit seq=%d after journal write: %w", seq, err)
			l.logf("halting: %v", l.halted)
			return l.rejectLocked(e, l.internal("commit", err), false)
		}
		return l.rejectLocked(e, l.internal("commit", err), record)
	}
	l.seq = seq
	l.chain = chain
	l.stats.committed.Add(1)
	if record {
		l.notify(committed)
		l.publish(committed)
	}
	return committed, nil
}

func (l *Ledger) reject(e Entry, err error, record bool) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejectLocked(e, err, record)
}

func (l *Ledger) rejectLocked(e Entry, err error, record bool) (Entry, error) {
	var coded *escrow.Error
	if !errors.As(err, &coded) {
		coded = escrow.Wrap(escrow.CodeInternal, "operation failed", err)
	}
	e.OK = false
	e.Code = coded.Code
	e.Message = coded.Error()
	l.stats.rejected.Add(1)
	if record {
		if l.journal != nil {
			if err := l.journal.WriteEntry(e); err != nil {
				l.logf("journal write rejected tx=%s: %v", e.TxID, err)
			}
		}
		l.notify(e)
	}
	return e, coded
}

// Halted reports why the ledger stopped accepting ops, or nil.
func (l *Ledger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

func (l *Ledger) internal(stage string, err error) error {
	l.logf("%s: %v", stage, err)
	return escrow.Wrap(escrow.CodeInternal, stage, err)
}

func (l *Ledger) notify(e Entry) {
	for _, s := range l.sinks {
		if err := s.WriteEntry(e); err != nil {
			l.logf("sink write seq=%d tx=%s: %v", e.Seq, e.TxID, err)
		}
	}
}

func (l *Ledger) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

func encodeEvents(events []escrow.Event) ([]EventRecord, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, EventRecord{Name: ev.EventName(), ProjectID: ev.Project(), Data: b})
	}
	return out, nil
}
