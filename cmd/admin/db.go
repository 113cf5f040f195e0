package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func snapshotDir(dataDir string) string { return filepath.Join(dataDir, "snapshots") }

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "index sqlite path (optional; defaults to <data>/index/ledger.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	project := fs.Int64("project", -1, "project_id filter (ops, events, withdrawals)")
	signer := fs.String("signer", "", "signer filter (ops)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "ledger.sqlite")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT seq,path,accounts,state_digest,created_at FROM snapshots ORDER BY seq DESC LIMIT ?`, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq         int64  `json:"seq"`
				Path        string `json:"path"`
				Accounts    int    `json:"accounts"`
				StateDigest string `json:"state_digest"`
				CreatedAt   int64  `json:"created_at"`
			}
			exitOn("scan", rows.Scan(&r.Seq, &r.Path, &r.Accounts, &r.StateDigest, &r.CreatedAt))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "ops":
		where, qargs := []string{"1=1"}, []any{}
		if *project >= 0 {
			where = append(where, "project_id=?")
			qargs = append(qargs, *project)
		}
		if s := strings.TrimSpace(*signer); s != "" {
			where = append(where, "signer=?")
			qargs = append(qargs, s)
		}
		qargs = append(qargs, *limit)
		rows, err := db.Query(`SELECT raw_json FROM ops WHERE `+strings.Join(where, " AND ")+` ORDER BY time DESC, seq DESC LIMIT ?`, qargs...)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var raw string
			exitOn("scan", rows.Scan(&raw))
			fmt.Println(raw)
		}
		exitOn("rows", rows.Err())

	case "events":
		if *project < 0 {
			fmt.Fprintln(os.Stderr, "events requires -project")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT seq,tx_id,name,raw_json FROM events WHERE project_id=? ORDER BY seq DESC, idx DESC LIMIT ?`, *project, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq  int64           `json:"seq"`
				TxID string          `json:"tx_id"`
				Name string          `json:"name"`
				Data json.RawMessage `json:"data"`
			}
			var raw string
			exitOn("scan", rows.Scan(&r.Seq, &r.TxID, &r.Name, &raw))
			r.Data = json.RawMessage(raw)
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "withdrawals":
		if *project < 0 {
			fmt.Fprintln(os.Stderr, "withdrawals requires -project")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT seq,tx_id,authority,destination,amount,time FROM withdrawals WHERE project_id=? ORDER BY seq LIMIT ?`, *project, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq         int64  `json:"seq"`
				TxID        string `json:"tx_id"`
				Authority   string `json:"authority"`
				Destination string `json:"destination"`
				Amount      uint64 `json:"amount"`
				Time        int64  `json:"time"`
			}
			var amount int64
			exitOn("scan", rows.Scan(&r.Seq, &r.TxID, &r.Authority, &r.Destination, &amount, &r.Time))
			// Stored as the int64 bit pattern of the u64 amount.
			r.Amount = uint64(amount)
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-project ID] [-signer HEX] [-limit N] snapshots|ops|events|withdrawals")
		os.Exit(2)
	}
}

func exitOn(stage string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
