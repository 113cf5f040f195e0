package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"greenova.io/internal/ledger"
)

const defaultRotateLayout = "2006-01-02-15"

var ErrClosed = errors.New("log: writer closed")

type LoggerOptions struct {
	// RotateLayout is the time layout naming each segment; a new segment starts when
	// the formatted time changes. Defaults to hourly.
	RotateLayout string
	// OnClose is called with the path of every segment after it is closed.
	OnClose func(path string)
	// Sync fsyncs the segment after every write.
	Sync bool
	Now  func() time.Time
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	opts    LoggerOptions

	mu      sync.Mutex
	closed  bool
	curSeg  string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	if opts.RotateLayout == "" {
		opts.RotateLayout = defaultRotateLayout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		opts:    opts,
	}
}

// Close flushes the open segment. Later writes fail with ErrClosed.
func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeLocked()
}

// Write appends v as one JSON line and flushes it through the compressor, so every
// returned write is readable from the segment even before it is closed.
func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	seg := w.opts.Now().UTC().Format(w.opts.RotateLayout)
	if seg != w.curSeg {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	if w.opts.Sync {
		return w.f.Sync()
	}
	return nil
}

func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathFor(seg, 0)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// A segment left by an earlier process may end mid-frame; never append to it.
	for n := 1; hasData(path); n++ {
		path = w.pathFor(seg, n)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.opts.OnClose != nil {
			w.opts.OnClose(w.curPath)
		}
	}
	w.w = nil
	w.curSeg = ""
	w.curPath = ""
	return err1
}

// pathFor names restarts within one segment so they sort after the first file.
func (w *JSONLZstdWriter) pathFor(seg string, n int) string {
	if n == 0 {
		return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
	}
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.r%03d.jsonl.zst", w.prefix, seg, n))
}

func hasData(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}

// JournalLogger writes one JSONL entry per submitted operation (compressed).
type JournalLogger struct{ w *JSONLZstdWriter }

func JournalDir(dataDir string) string { return filepath.Join(dataDir, "journal") }

func NewJournalLogger(dataDir string, opts LoggerOptions) *JournalLogger {
	return &JournalLogger{w: NewJSONLZstdWriter(JournalDir(dataDir), "journal", opts)}
}

func (l *JournalLogger) WriteEntry(e ledger.Entry) error { return l.w.Write(e) }
func (l *JournalLogger) Close() error                   { return l.w.Close() }
