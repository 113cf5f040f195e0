package indexdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"greenova.io/internal/ledger"
	"greenova.io/internal/persistence/snapshot"
)

func TestRemoteIndex_BatchesAndFlushesOnClose(t *testing.T) {
	var (
		mu     sync.Mutex
		kinds  []string
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []struct {
				Kind    string `json:"kind"`
				Network string `json:"network"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		tokens = append(tokens, r.Header.Get("x-gv-index-token"))
		for _, ev := range body.Events {
			if ev.Network != "devnet" {
				http.Error(w, "wrong network", http.StatusBadRequest)
				return
			}
			kinds = append(kinds, ev.Kind)
		}
	}))
	defer srv.Close()

	idx, err := OpenRemote(RemoteConfig{
		Endpoint:      srv.URL,
		Token:         "secret",
		Network:       "devnet",
		BatchSize:     2,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = idx.WriteEntry(ledger.Entry{TxID: "a", Seq: 1, OK: true})
	_ = idx.WriteEntry(ledger.Entry{TxID: "b", Seq: 2, OK: true})
	idx.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{Seq: 2}})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 3 || kinds[0] != "entry" || kinds[2] != "snapshot" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok != "secret" {
			t.Fatalf("expected token header, got %q", tok)
		}
	}
	if st := idx.Stats(); st.SentTotal != 3 || st.SendErrorTotal != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestOpenRemote_Validates(t *testing.T) {
	if _, err := OpenRemote(RemoteConfig{Network: "devnet"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := OpenRemote(RemoteConfig{Endpoint: "http://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for empty network")
	}
}
