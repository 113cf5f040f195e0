package offsite

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMirror_UploadsUnderPrefixWithRetry(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "journal", "journal-2026-10-18-09.jsonl.zst")
	snap := filepath.Join(dir, "snapshots", "12.snap.zst")
	writeFile(t, seg, "seg")
	writeFile(t, snap, "snap")

	up := &fakeUploader{fails: 1}
	m := NewMirror(up, Options{DataDir: dir, Prefix: "/devnet/", MaxAttempts: 3})
	m.Enqueue(seg)
	m.Enqueue(snap)
	m.Enqueue(filepath.Join(t.TempDir(), "outside.txt"))
	m.Close()

	if len(up.keys) != 2 {
		t.Fatalf("expected 2 uploads, got %v", up.keys)
	}
	want := map[string]bool{
		"devnet/journal/journal-2026-10-18-09.jsonl.zst": true,
		"devnet/snapshots/12.snap.zst":                   true,
	}
	for _, k := range up.keys {
		if !want[k] {
			t.Fatalf("unexpected key %q", k)
		}
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 2 || st.UploadFailTotal != 0 || st.EnqueuedTotal != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestMirror_ObjectKeyRejectsOutsideDataDir(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(t.TempDir(), "x.snap.zst")
	writeFile(t, other, "x")
	m := NewMirror(&fakeUploader{}, Options{DataDir: dir})
	defer m.Close()
	if _, err := m.ObjectKey(other); err == nil {
		t.Fatalf("expected error for path outside data dir")
	}
}

func TestClient_PutFileSigned(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotType string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "ledger", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	p := filepath.Join(t.TempDir(), "3.snap.zst")
	writeFile(t, p, "payload")
	if err := c.PutFile(context.Background(), "devnet/snapshots/3.snap.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/ledger/devnet/snapshots/3.snap.zst" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/") || !strings.Contains(gotAuth, "/auto/s3/aws4_request") {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotType != "application/zstd" || gotBody != "payload" {
		t.Fatalf("unexpected upload type=%q body=%q", gotType, gotBody)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoint: "example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
