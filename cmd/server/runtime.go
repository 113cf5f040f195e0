package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"greenova.io/internal/config"
	"greenova.io/internal/ledger"
	persistlog "greenova.io/internal/persistence/log"
	"greenova.io/internal/persistence/offsite"
	"greenova.io/internal/persistence/snapshot"
	"greenova.io/internal/store"
	"greenova.io/internal/store/memstore"
	"greenova.io/internal/store/sqlitestore"
	"greenova.io/internal/token"
	"greenova.io/internal/transport/ws"
)

type serverRuntime struct {
	cfg    config.Config
	logger *log.Logger

	store   store.Store
	journal *persistlog.JournalLogger
	index   runtimeIndex
	reads   ws.Index
	offsite *offsite.Mirror
	ledger  *ledger.Ledger
	ws      *ws.Server

	snapMu       sync.Mutex
	lastSnapSeq  uint64
	lastSnapPath string
}

func snapshotDir(dataDir string) string { return filepath.Join(dataDir, "snapshots") }

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemDB:
		return memstore.New()
	case config.StoreSQLite:
		return sqlitestore.Open(filepath.Join(cfg.DataDir, "state", "accounts.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.Store)
	}
}

func newRuntime(cfg config.Config, logger *log.Logger) (*serverRuntime, error) {
	rt := &serverRuntime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	program, tokenID, err := cfg.Programs()
	if err != nil {
		return nil, err
	}

	if cfg.Offsite.Enabled {
		client, err := offsite.NewClient(offsite.ClientConfig{
			Endpoint:        cfg.Offsite.Endpoint,
			Bucket:          cfg.Offsite.Bucket,
			Region:          cfg.Offsite.Region,
			AccessKeyID:     cfg.Offsite.AccessKeyID,
			SecretAccessKey: cfg.Offsite.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("offsite: %w", err)
		}
		prefix := cfg.Offsite.Prefix
		if prefix == "" {
			prefix = cfg.Index.Network
		}
		rt.offsite = offsite.NewMirror(client, offsite.Options{
			DataDir: cfg.DataDir,
			Prefix:  prefix,
			Workers: cfg.Offsite.Workers,
			Logger:  logger,
		})
	}

	rt.store, err = openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	logOpts := persistlog.LoggerOptions{RotateLayout: cfg.RotateLayout, Sync: cfg.JournalSync}
	if rt.offsite != nil {
		logOpts.OnClose = rt.offsite.Enqueue
	}
	rt.journal = persistlog.NewJournalLogger(cfg.DataDir, logOpts)

	rt.index, rt.reads, err = openRuntimeIndex(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	var sinks []ledger.Journal
	if rt.index != nil {
		sinks = append(sinks, rt.index)
	}
	rt.ledger, err = ledger.New(ledger.Options{
		Program: program,
		Token:   token.New(tokenID),
		Store:   rt.store,
		Journal: rt.journal,
		Sinks:   sinks,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	rt.ws = ws.NewServer(rt.ledger, rt.reads, ws.Config{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		MaxQueue:       cfg.WS.MaxQueue,
		ReadTimeout:    cfg.WS.ReadTimeout,
		DedupeTTL:      cfg.WS.DedupeTTL,
	}, logger)

	ok = true
	return rt, nil
}

// recover brings the ledger head up to date with what is on disk. A durable store
// that already holds accounts resumes from the head committed with them; an empty
// store is rebuilt from the latest snapshot plus the journal tail.
func (rt *serverRuntime) recover(ctx context.Context) error {
	entries, err := persistlog.ReadJournal(persistlog.JournalDir(rt.cfg.DataDir))
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	empty, err := storeEmpty(ctx, rt.store)
	if err != nil {
		return err
	}
	if !empty {
		res, err := rt.ledger.Resume(ctx, entries)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		rt.logger.Printf("recover: durable store seq=%d repaired=%v replayed=%d head=%d", res.StoreSeq, res.Repaired, res.Replay.Applied, res.Replay.Seq)
		return nil
	}

	ent, found, err := snapshot.Latest(snapshotDir(rt.cfg.DataDir))
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if found {
		snap, err := snapshot.ReadSnapshot(ent.Path)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		if err := rt.ledger.ImportSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("import snapshot: %w", err)
		}
		rt.lastSnapSeq, rt.lastSnapPath = snap.Header.Seq, ent.Path
		rt.logger.Printf("recover: loaded snapshot seq=%d accounts=%d", snap.Header.Seq, len(snap.Accounts))
	}
	res, err := rt.ledger.Replay(ctx, entries)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	rt.logger.Printf("recover: replayed applied=%d skipped=%d rejected=%d head=%d", res.Applied, res.Skipped, res.Rejected, res.Seq)
	return nil
}

func storeEmpty(ctx context.Context, st store.Store) (bool, error) {
	rd, err := st.Read(ctx)
	if err != nil {
		return false, err
	}
	defer rd.Close()
	accts, err := rd.List("")
	if err != nil {
		return false, err
	}
	return len(accts) == 0, nil
}

// takeSnapshot writes a snapshot unless nothing committed since the last one.
func (rt *serverRuntime) takeSnapshot(ctx context.Context, force bool) (string, snapshot.SnapshotV1, error) {
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()

	seq, _ := rt.ledger.Head()
	if !force && seq == rt.lastSnapSeq {
		return rt.lastSnapPath, snapshot.SnapshotV1{}, nil
	}
	path, snap, err := rt.ledger.SaveSnapshot(ctx, snapshotDir(rt.cfg.DataDir))
	if err != nil {
		return "", snap, err
	}
	rt.lastSnapSeq, rt.lastSnapPath = snap.Header.Seq, path
	if rt.index != nil {
		rt.index.RecordSnapshot(path, snap)
	}
	if rt.offsite != nil {
		rt.offsite.Enqueue(path)
	}
	return path, snap, nil
}

func (rt *serverRuntime) snapshotLoop(ctx context.Context) {
	if rt.cfg.SnapshotEvery <= 0 {
		return
	}
	t := time.NewTicker(rt.cfg.SnapshotEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := rt.takeSnapshot(ctx, false); err != nil {
				rt.logger.Printf("snapshot: %v", err)
			}
		}
	}
}

// Close flushes in dependency order: ws sessions first so no submit is in flight,
// journal before index, both before the offsite mirror so the last segment gets queued.
func (rt *serverRuntime) Close() {
	if rt.ws != nil {
		rt.ws.Close()
	}
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
	if rt.index != nil {
		_ = rt.index.Close()
	}
	if rt.offsite != nil {
		rt.offsite.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
