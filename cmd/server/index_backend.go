package main

import (
	"fmt"
	"log"
	"path/filepath"

	"greenova.io/internal/config"
	"greenova.io/internal/ledger"
	"greenova.io/internal/persistence/indexdb"
	"greenova.io/internal/persistence/snapshot"
	"greenova.io/internal/transport/ws"
)

// runtimeIndex receives every journaled entry and snapshot. It never affects ledger
// state; losing it only loses the read model.
type runtimeIndex interface {
	ledger.Journal
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	Close() error
}

// openRuntimeIndex returns the configured index and, for the local sqlite backend,
// the query side served over ws and REST.
func openRuntimeIndex(cfg config.Config, logger *log.Logger) (runtimeIndex, ws.Index, error) {
	switch cfg.Index.Backend {
	case config.IndexNone:
		return nil, nil, nil
	case config.IndexSQLite:
		idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "ledger.sqlite"))
		if err != nil {
			return nil, nil, err
		}
		return idx, idx, nil
	case config.IndexRemote:
		idx, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint: cfg.Index.RemoteURL,
			Token:    cfg.Index.RemoteToken,
			Network:  cfg.Index.Network,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return idx, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}
