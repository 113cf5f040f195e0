package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"greenova.io/internal/config"
	"greenova.io/internal/ledger"
	persistlog "greenova.io/internal/persistence/log"
	"greenova.io/internal/persistence/snapshot"
	"greenova.io/internal/store/memstore"
	"greenova.io/internal/token"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		snapPath  = flag.String("snapshot", "", "snapshot to start from (default: replay the whole journal)")
		toSeq     = flag.Uint64("to_seq", 0, "stop after this seq (inclusive, optional)")
		programID = flag.String("program", config.Defaults().ProgramID, "escrow program id (hex or seed; ignored with -snapshot)")
		tokenID   = flag.String("token_program", config.Defaults().TokenProgramID, "token program id (hex or seed; ignored with -snapshot)")
		verbose   = flag.Bool("v", false, "log ledger activity")
	)
	flag.Parse()

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "[replay] ", log.LstdFlags|log.Lmicroseconds)
	}
	rep, err := run(context.Background(), options{
		DataDir:        *dataDir,
		SnapshotPath:   strings.TrimSpace(*snapPath),
		ToSeq:          *toSeq,
		ProgramID:      *programID,
		TokenProgramID: *tokenID,
		Logger:         logger,
	})
	if rep.Start != "" {
		fmt.Println(rep.Start)
	}
	for _, c := range rep.Checkpoints {
		fmt.Printf("checkpoint seq=%d snapshot=%s ok\n", c.Seq, filepath.Base(c.Path))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: applied=%d skipped=%d rejected=%d head=%d chain=%s state=%s\n",
		rep.Result.Applied, rep.Result.Skipped, rep.Result.Rejected, rep.Result.Seq, rep.Result.Digest, rep.StateDigest)
}

type options struct {
	DataDir        string
	SnapshotPath   string
	ToSeq          uint64
	ProgramID      string
	TokenProgramID string
	Logger         *log.Logger
}

type checkpoint struct {
	Seq  uint64
	Path string
}

type report struct {
	Start       string
	Checkpoints []checkpoint
	Result      ledger.ReplayResult
	StateDigest string
}

// run rebuilds state in memory from an optional snapshot plus the journal. Every
// snapshot on disk past the start is a checkpoint: replay stops there and the
// recomputed state digest must match the file.
func run(ctx context.Context, opts options) (report, error) {
	var rep report

	var start *snapshot.SnapshotV1
	if opts.SnapshotPath != "" {
		snap, err := snapshot.ReadSnapshot(opts.SnapshotPath)
		if err != nil {
			return rep, fmt.Errorf("read snapshot: %w", err)
		}
		start = &snap
		opts.ProgramID, opts.TokenProgramID = snap.Header.ProgramID, snap.TokenProgramID
	}
	cfg := config.Config{ProgramID: opts.ProgramID, TokenProgramID: opts.TokenProgramID}
	program, tokenID, err := cfg.Programs()
	if err != nil {
		return rep, err
	}

	st, err := memstore.New()
	if err != nil {
		return rep, err
	}
	defer st.Close()
	l, err := ledger.New(ledger.Options{
		Program: program,
		Token:   token.New(tokenID),
		Store:   st,
		Logger:  opts.Logger,
	})
	if err != nil {
		return rep, err
	}

	if start != nil {
		if err := l.ImportSnapshot(ctx, *start); err != nil {
			return rep, err
		}
		rep.Start = fmt.Sprintf("snapshot v%d seq=%d accounts=%d state=%s", start.Header.Version, start.Header.Seq, len(start.Accounts), start.StateDigest)
	} else {
		rep.Start = "genesis"
	}

	entries, err := persistlog.ReadJournal(persistlog.JournalDir(opts.DataDir))
	if err != nil {
		return rep, fmt.Errorf("read journal: %w", err)
	}
	if opts.ToSeq > 0 {
		entries = truncate(entries, opts.ToSeq)
	}

	snaps, err := snapshot.List(filepath.Join(opts.DataDir, "snapshots"))
	if err != nil {
		return rep, fmt.Errorf("list snapshots: %w", err)
	}
	head, _ := l.Head()
	applied := 0
	for _, s := range snaps {
		if s.Seq <= head || (opts.ToSeq > 0 && s.Seq > opts.ToSeq) {
			continue
		}
		res, err := l.Replay(ctx, truncate(entries, s.Seq))
		applied += res.Applied
		if err != nil {
			return rep, err
		}
		if res.Seq != s.Seq {
			// Journal ends before this snapshot; nothing more to compare.
			break
		}
		snap, err := snapshot.ReadSnapshot(s.Path)
		if err != nil {
			return rep, fmt.Errorf("read snapshot %s: %w", s.Path, err)
		}
		got, err := l.StateDigest(ctx)
		if err != nil {
			return rep, err
		}
		if got.String() != snap.StateDigest {
			return rep, fmt.Errorf("seq %d: state digest %s, snapshot %s", s.Seq, got, snap.StateDigest)
		}
		if _, chain := l.Head(); chain.String() != snap.Header.Chain {
			return rep, fmt.Errorf("seq %d: chain %s, snapshot %s", s.Seq, chain, snap.Header.Chain)
		}
		rep.Checkpoints = append(rep.Checkpoints, checkpoint{Seq: s.Seq, Path: s.Path})
	}

	res, err := l.Replay(ctx, entries)
	// Entries applied at checkpoints show up as skipped in the final pass.
	res.Skipped -= applied
	res.Applied += applied
	rep.Result = res
	if err != nil {
		return rep, err
	}
	digest, err := l.StateDigest(ctx)
	if err != nil {
		return rep, err
	}
	rep.StateDigest = digest.String()
	return rep, nil
}

// truncate keeps the journal prefix that ends at seq.
func truncate(entries []ledger.Entry, seq uint64) []ledger.Entry {
	for i, e := range entries {
		if e.Seq > seq {
			return entries[:i]
		}
	}
	return entries
}
