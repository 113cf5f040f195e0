package main

import (
	"testing"

	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
)

func TestSummarize(t *testing.T) {
	entries := []ledger.Entry{
		{Seq: 1, OK: true, Op: ledger.Op{Kind: ledger.KindCreateProject}},
		{Seq: 2, OK: true, Op: ledger.Op{Kind: ledger.KindInvest}},
		{Seq: 2, OK: false, Code: escrow.CodeMinimumInvestmentNotMet, Op: ledger.Op{Kind: ledger.KindInvest}},
		{Seq: 2, OK: false, Code: escrow.CodeUnauthorized, Op: ledger.Op{Kind: ledger.KindWithdraw}},
		{Seq: 2, OK: false, Code: escrow.CodeUnauthorized, Op: ledger.Op{Kind: ledger.KindWithdraw}},
	}
	s := summarize(entries)
	if s.Entries != 5 || s.Accepted != 2 || s.Rejected != 3 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.LastSeq != 2 {
		t.Fatalf("expected last seq 2, got %d", s.LastSeq)
	}
	if s.ByKind[ledger.KindInvest] != 2 || s.ByKind[ledger.KindWithdraw] != 2 {
		t.Fatalf("unexpected by_kind: %v", s.ByKind)
	}
	if s.ByCode[escrow.CodeUnauthorized] != 2 {
		t.Fatalf("expected 2 unauthorized, got %d", s.ByCode[escrow.CodeUnauthorized])
	}
	if len(s.Codes) != 2 || s.Codes[0] != escrow.CodeMinimumInvestmentNotMet {
		t.Fatalf("expected sorted codes, got %v", s.Codes)
	}
}
