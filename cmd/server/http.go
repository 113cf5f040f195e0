package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"greenova.io/internal/escrow"
	"greenova.io/internal/persistence/indexdb"
	"greenova.io/internal/persistence/offsite"
	"greenova.io/internal/protocol"
	"greenova.io/internal/transport/ws"
)

func newMux(rt *serverRuntime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if err := rt.ledger.Halted(); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte("halted: " + err.Error()))
			return
		}
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)
	mux.HandleFunc("/v1/ws", rt.ws.Handler())

	mux.HandleFunc("GET /v1/projects", rt.queryHandler(protocol.QueryListProjects, nil))
	mux.HandleFunc("GET /v1/projects/{id}", rt.queryHandler(protocol.QueryGetProject, projectParam))
	mux.HandleFunc("GET /v1/projects/{id}/investments", rt.queryHandler(protocol.QueryListInvestments, projectParam))
	mux.HandleFunc("GET /v1/projects/{id}/vault", rt.queryHandler(protocol.QueryVaultBalance, projectParam))
	mux.HandleFunc("GET /v1/projects/{id}/withdrawals", rt.queryHandler(protocol.QueryWithdrawals, projectParam))
	mux.HandleFunc("GET /v1/investors/{identity}/portfolio", rt.queryHandler(protocol.QueryPortfolio, func(r *http.Request, p *protocol.QueryParams) error {
		p.Investor = r.PathValue("identity")
		return nil
	}))
	mux.HandleFunc("GET /v1/identities/{identity}/activity", rt.queryHandler(protocol.QueryActivity, func(r *http.Request, p *protocol.QueryParams) error {
		p.Address = r.PathValue("identity")
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("limit: %w", err)
			}
			p.Limit = n
		}
		return nil
	}))
	mux.HandleFunc("GET /v1/token-accounts/{address}", rt.queryHandler(protocol.QueryTokenAccount, func(r *http.Request, p *protocol.QueryParams) error {
		p.Address = r.PathValue("address")
		return nil
	}))

	if rt.cfg.Admin.HTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", rt.handleAdminState)
		mux.HandleFunc("/admin/v1/snapshot", rt.handleAdminSnapshot)
	} else {
		rt.logger.Printf("admin endpoints disabled (admin.http=false)")
	}
	if envBool("GV_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func projectParam(r *http.Request, p *protocol.QueryParams) error {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	p.ProjectID = &id
	return nil
}

func (rt *serverRuntime) queryHandler(name string, bind func(*http.Request, *protocol.QueryParams) error) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var p protocol.QueryParams
		if bind != nil {
			if err := bind(r, &p); err != nil {
				writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
				return
			}
		}
		data, err := rt.ws.Query(r.Context(), name, p)
		if err != nil {
			code := ws.ErrorCode(err)
			writeError(rw, statusFor(code), code, err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, data)
	}
}

func statusFor(code string) int {
	switch code {
	case string(escrow.CodeNotFound):
		return http.StatusNotFound
	case protocol.ErrProtoBadRequest, string(escrow.CodeBadRequest), string(escrow.CodeInvalidAccount):
		return http.StatusBadRequest
	case protocol.ErrIndexUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, map[string]any{"ok": false, "code": code, "message": msg})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (rt *serverRuntime) handleAdminState(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	digest, err := rt.ledger.StateDigest(ctx)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, string(escrow.CodeInternal), err.Error())
		return
	}
	seq, chain := rt.ledger.Head()
	env := rt.ledger.Env()
	resp := struct {
		ProgramID      string      `json:"program_id"`
		TokenProgramID string      `json:"token_program_id"`
		Store          string      `json:"store"`
		Seq            uint64      `json:"seq"`
		Chain          string      `json:"chain"`
		StateDigest    string      `json:"state_digest"`
		Sessions       int64       `json:"sessions"`
		Metrics        any         `json:"metrics"`
		Index          any         `json:"index,omitempty"`
		Offsite        *offsite.Stats `json:"offsite,omitempty"`
	}{
		ProgramID:      env.Program.String(),
		TokenProgramID: env.Token.ID.String(),
		Store:          rt.cfg.Store,
		Seq:            seq,
		Chain:          chain.String(),
		StateDigest:    digest.String(),
		Sessions:       rt.ws.Sessions(),
		Metrics:        rt.ledger.Metrics(),
	}
	if st, ok := rt.indexStats(); ok {
		resp.Index = st
	}
	if rt.offsite != nil {
		st := rt.offsite.Stats()
		resp.Offsite = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (rt *serverRuntime) handleAdminSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	path, snap, err := rt.takeSnapshot(ctx, true)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"ok":           true,
		"seq":          snap.Header.Seq,
		"path":         path,
		"accounts":     len(snap.Accounts),
		"state_digest": snap.StateDigest,
	})
}

func (rt *serverRuntime) indexStats() (any, bool) {
	switch idx := rt.index.(type) {
	case *indexdb.SQLiteIndex:
		return idx.Stats(), true
	case *indexdb.RemoteIndex:
		return idx.Stats(), true
	default:
		return nil, false
	}
}

func (rt *serverRuntime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m := rt.ledger.Metrics()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP greenova_ledger_seq Last committed journal sequence number.\n")
	fmt.Fprintf(rw, "# TYPE greenova_ledger_seq gauge\n")
	fmt.Fprintf(rw, "greenova_ledger_seq %d\n", m.Seq)

	halted := 0
	if rt.ledger.Halted() != nil {
		halted = 1
	}
	fmt.Fprintf(rw, "# HELP greenova_ledger_halted 1 once a journal or commit failure stopped the ledger.\n")
	fmt.Fprintf(rw, "# TYPE greenova_ledger_halted gauge\n")
	fmt.Fprintf(rw, "greenova_ledger_halted %d\n", halted)

	fmt.Fprintf(rw, "# HELP greenova_ops_total Submitted operations by outcome.\n")
	fmt.Fprintf(rw, "# TYPE greenova_ops_total counter\n")
	fmt.Fprintf(rw, "greenova_ops_total{result=%q} %d\n", "submitted", m.Submitted)
	fmt.Fprintf(rw, "greenova_ops_total{result=%q} %d\n", "committed", m.Committed)
	fmt.Fprintf(rw, "greenova_ops_total{result=%q} %d\n", "rejected", m.Rejected)

	fmt.Fprintf(rw, "# HELP greenova_rejects_total Rejected operations by error code.\n")
	fmt.Fprintf(rw, "# TYPE greenova_rejects_total counter\n")
	codes := make([]string, 0, len(m.RejectsByCode))
	for c := range m.RejectsByCode {
		codes = append(codes, string(c))
	}
	sort.Strings(codes)
	for _, c := range codes {
		fmt.Fprintf(rw, "greenova_rejects_total{code=%q} %d\n", c, m.RejectsByCode[escrow.Code(c)])
	}

	fmt.Fprintf(rw, "# HELP greenova_op_latency_ms Last operation latency in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE greenova_op_latency_ms gauge\n")
	fmt.Fprintf(rw, "greenova_op_latency_ms %.3f\n", float64(m.LastLatency)/float64(time.Millisecond))

	fmt.Fprintf(rw, "# HELP greenova_events_dropped_total Events dropped because a subscriber was slow.\n")
	fmt.Fprintf(rw, "# TYPE greenova_events_dropped_total counter\n")
	fmt.Fprintf(rw, "greenova_events_dropped_total{stage=%q} %d\n", "ledger", m.EventsDropped)
	fmt.Fprintf(rw, "greenova_events_dropped_total{stage=%q} %d\n", "session", rt.ws.DroppedEvents())

	fmt.Fprintf(rw, "# HELP greenova_locks_held Account locks currently held.\n")
	fmt.Fprintf(rw, "# TYPE greenova_locks_held gauge\n")
	fmt.Fprintf(rw, "greenova_locks_held %d\n", m.LocksHeld)

	fmt.Fprintf(rw, "# HELP greenova_submit_replayed_total SUBMITs answered from the retry cache.\n")
	fmt.Fprintf(rw, "# TYPE greenova_submit_replayed_total counter\n")
	fmt.Fprintf(rw, "greenova_submit_replayed_total %d\n", rt.ws.ReplayedResults())

	fmt.Fprintf(rw, "# HELP greenova_ws_sessions Connected ws sessions.\n")
	fmt.Fprintf(rw, "# TYPE greenova_ws_sessions gauge\n")
	fmt.Fprintf(rw, "greenova_ws_sessions %d\n", rt.ws.Sessions())

	if idx, ok := rt.index.(*indexdb.SQLiteIndex); ok {
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP greenova_index_queue_depth Index write queue depth.\n")
		fmt.Fprintf(rw, "# TYPE greenova_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "greenova_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP greenova_index_dropped_total Index writes dropped on a full queue.\n")
		fmt.Fprintf(rw, "# TYPE greenova_index_dropped_total counter\n")
		fmt.Fprintf(rw, "greenova_index_dropped_total{kind=%q} %d\n", "entry", s.DropEntryTotal)
		fmt.Fprintf(rw, "greenova_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
	}
	if rt.offsite != nil {
		s := rt.offsite.Stats()
		fmt.Fprintf(rw, "# HELP greenova_offsite_queue_depth Offsite upload queue depth.\n")
		fmt.Fprintf(rw, "# TYPE greenova_offsite_queue_depth gauge\n")
		fmt.Fprintf(rw, "greenova_offsite_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP greenova_offsite_uploads_total Offsite uploads by outcome.\n")
		fmt.Fprintf(rw, "# TYPE greenova_offsite_uploads_total counter\n")
		fmt.Fprintf(rw, "greenova_offsite_uploads_total{result=%q} %d\n", "ok", s.UploadSuccessTotal)
		fmt.Fprintf(rw, "greenova_offsite_uploads_total{result=%q} %d\n", "fail", s.UploadFailTotal)
		fmt.Fprintf(rw, "greenova_offsite_uploads_total{result=%q} %d\n", "dropped", s.DroppedTotal)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
