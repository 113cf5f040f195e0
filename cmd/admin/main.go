package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
	persistlog "greenova.io/internal/persistence/log"
	"greenova.io/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "snapshots":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints one line per snapshot file, newest last.
func listCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	ents, err := snapshot.List(snapshotDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, e := range ents {
		h, err := snapshot.ReadHeader(e.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", e.Path, err)
			continue
		}
		printJSON(struct {
			Path string `json:"path"`
			snapshot.Header
		}{e.Path, h})
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	since := fs.Uint64("since", 0, "only entries with seq > since")
	project := fs.Int64("project", -1, "only entries touching this project id")
	rejected := fs.Bool("rejected", false, "only rejected entries")
	summary := fs.Bool("summary", false, "print per-kind and per-code counts instead of entries")
	_ = fs.Parse(args)

	entries, err := persistlog.ReadJournal(persistlog.JournalDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}

	var sel []ledger.Entry
	for _, e := range entries {
		if *since > 0 && e.Seq <= *since {
			continue
		}
		if *rejected && e.OK {
			continue
		}
		if *project >= 0 {
			id, ok := e.Op.ProjectID()
			if !ok || id != uint64(*project) {
				continue
			}
		}
		sel = append(sel, e)
	}

	if !*summary {
		for _, e := range sel {
			printJSON(e)
		}
		return
	}
	printJSON(summarize(sel))
}

type journalSummary struct {
	Entries  int                 `json:"entries"`
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	LastSeq  uint64              `json:"last_seq"`
	ByKind   map[ledger.Kind]int `json:"by_kind"`
	ByCode   map[escrow.Code]int `json:"by_code"`
	Codes    []escrow.Code       `json:"codes"`
}

func summarize(entries []ledger.Entry) journalSummary {
	s := journalSummary{ByKind: map[ledger.Kind]int{}, ByCode: map[escrow.Code]int{}}
	for _, e := range entries {
		s.Entries++
		s.ByKind[e.Op.Kind]++
		if e.OK {
			s.Accepted++
			if e.Seq > s.LastSeq {
				s.LastSeq = e.Seq
			}
			continue
		}
		s.Rejected++
		s.ByCode[e.Code]++
	}
	for c := range s.ByCode {
		s.Codes = append(s.Codes, c)
	}
	sort.Slice(s.Codes, func(i, j int) bool { return s.Codes[i] < s.Codes[j] })
	return s
}
