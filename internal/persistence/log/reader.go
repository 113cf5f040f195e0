package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"greenova.io/internal/ledger"
)

// ListSegments returns the prefix-*.jsonl.zst files in dir in write order.
func ListSegments(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ScanFile calls fn for every line of a compressed JSONL segment. A segment cut short
// mid-frame (the writer died before closing it) ends at its last complete line.
func ScanFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJournal decodes every entry under the journal dir, oldest segment first.
func ReadJournal(dir string) ([]ledger.Entry, error) {
	paths, err := ListSegments(dir, "journal")
	if err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, path := range paths {
		err := ScanFile(path, func(line []byte) error {
			var e ledger.Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			out = append(out, e)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LastCommitted returns the newest committed entry, ok=false when none exists.
func LastCommitted(entries []ledger.Entry) (ledger.Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].OK {
			return entries[i], true
		}
	}
	return ledger.Entry{}, false
}
