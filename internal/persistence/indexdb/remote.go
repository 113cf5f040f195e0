package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"greenova.io/internal/ledger"
	"greenova.io/internal/persistence/snapshot"
)

// RemoteConfig points the index at an HTTP ingest endpoint that accepts batches of
// {"events":[...]} and maintains its own read model.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	Network       string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped    atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
}

type remoteEvent struct {
	Kind    string `json:"kind"`
	Network string `json:"network"`
	Payload any    `json:"payload"`
}

type remoteSnapshotPayload struct {
	Seq         uint64 `json:"seq"`
	Path        string `json:"path"`
	Chain       string `json:"chain"`
	StateDigest string `json:"state_digest"`
	Accounts    int    `json:"accounts"`
	CreatedAt   int64  `json:"created_at"`
}

type RemoteStats struct {
	DropTotal      uint64 `json:"drop_total"`
	SentTotal      uint64 `json:"sent_total"`
	SendErrorTotal uint64 `json:"send_error_total"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Network = strings.TrimSpace(cfg.Network)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty remote ingest endpoint")
	}
	if cfg.Network == "" {
		return nil, fmt.Errorf("empty network id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &RemoteIndex{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan remoteEvent, 32768),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

// Close flushes the pending batch and stops the sender.
func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) WriteEntry(e ledger.Entry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(remoteEvent{Kind: "entry", Network: d.cfg.Network, Payload: e})
	return nil
}

func (d *RemoteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if d == nil || d.closed.Load() {
		return
	}
	p := remoteSnapshotPayload{
		Seq:         snap.Header.Seq,
		Path:        path,
		Chain:       snap.Header.Chain,
		StateDigest: snap.StateDigest,
		Accounts:    len(snap.Accounts),
		CreatedAt:   snap.Header.CreatedAt,
	}
	d.enqueue(remoteEvent{Kind: "snapshot", Network: d.cfg.Network, Payload: p})
}

func (d *RemoteIndex) Stats() RemoteStats {
	if d == nil {
		return RemoteStats{}
	}
	return RemoteStats{
		DropTotal:      d.dropped.Load(),
		SentTotal:      d.sent.Load(),
		SendErrorTotal: d.sendErrors.Load(),
		QueueDepth:     len(d.ch),
		QueueCapacity:  cap(d.ch),
	}
}

func (d *RemoteIndex) enqueue(ev remoteEvent) {
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.printf("remote index queue full; drop kind=%s network=%s", ev.Kind, ev.Network)
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.sendErrors.Add(1)
			d.printf("remote index flush failed batch=%d err=%v", len(batch), err)
		} else {
			d.sent.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []remoteEvent) error {
	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-gv-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
