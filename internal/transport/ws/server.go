package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
	"greenova.io/internal/protocol"
)

type Config struct {
	// JWTSecret verifies HELLO tokens (HS256). Empty disables token auth.
	JWTSecret []byte

	// AllowAnonymous lets a client claim any identity. Development only.
	AllowAnonymous bool

	MaxQueue         int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	// DedupeTTL is how long a SUBMIT result is replayed for a retried id. Zero
	// means ten minutes; negative disables deduplication.
	DedupeTTL time.Duration
}

type Server struct {
	ledger *ledger.Ledger
	index  Index
	cfg    Config
	log    *log.Logger

	upgrader websocket.Upgrader
	results  *resultCache

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	active sync.WaitGroup

	sessions atomic.Int64
	dropped  atomic.Uint64
	replayed atomic.Uint64
}

// NewServer serves sessions against l. index may be nil; the index-backed queries
// then fail with E_INDEX_UNAVAILABLE.
func NewServer(l *ledger.Ledger, index Index, cfg Config, logger *log.Logger) *Server {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 32
	}
	if cfg.MaxQueue > 1024 {
		cfg.MaxQueue = 1024
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.DedupeTTL == 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	s := &Server{
		ledger:  l,
		index:   index,
		cfg:     cfg,
		log:     logger,
		results: newResultCache(cfg.DedupeTTL),
		conns:   map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// Sessions is the number of live connections.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// DroppedEvents counts EVENT frames skipped because a session queue was full.
func (s *Server) DroppedEvents() uint64 { return s.dropped.Load() }

// ReplayedResults counts SUBMITs answered from the dedupe cache.
func (s *Server) ReplayedResults() uint64 { return s.replayed.Load() }

func (s *Server) track(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	s.active.Done()
}

// Close refuses new sessions, closes live ones and waits for their handlers to
// return. A SUBMIT already executing finishes first.
func (s *Server) Close() {
	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		s.active.Wait()
		return
	}
	s.closed = true
	for conn := range s.conns {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.active.Wait()
}

type session struct {
	id       string
	identity address.Address
	out      chan []byte

	notes       <-chan ledger.Notification
	unsubscribe func()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
		defer s.untrack(conn)

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		if sess.notes != nil {
			defer sess.unsubscribe()
			go s.forwardEvents(ctx, sess, sess.notes)
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleFrame(ctx, sess, msg)
		}
		cancel()
		<-writerDone
		s.logf("session closed id=%s identity=%s", sess.id, sess.identity)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	identity, err := s.identify(hello.Token, hello.Identity)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, protocol.ErrUnauthenticated)
		return nil
	}

	maxQ := s.cfg.MaxQueue
	if hello.MaxQueue > 0 && hello.MaxQueue < maxQ {
		maxQ = hello.MaxQueue
	}
	sess := &session{
		id:       uuid.NewString(),
		identity: identity,
		out:      make(chan []byte, maxQ),
	}

	// Subscribe before WELCOME so no event committed after it is missed.
	if hello.Subscribe {
		sess.notes, sess.unsubscribe = s.ledger.Subscribe(s.cfg.MaxQueue)
	}

	env := s.ledger.Env()
	seq, _ := s.ledger.Head()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Identity:        identity.String(),
		ProgramID:       env.Program.String(),
		TokenProgramID:  env.Token.ID.String(),
		Seq:             seq,
	}
	if err := writeJSON(conn, welcome); err != nil {
		if sess.unsubscribe != nil {
			sess.unsubscribe()
		}
		return nil
	}
	s.logf("session open id=%s identity=%s subscribe=%v", sess.id, identity, hello.Subscribe)
	return sess
}

func (s *Server) handleFrame(ctx context.Context, sess *session, msg []byte) {
	base, err := protocol.Validate(msg)
	if err != nil {
		// Echo whatever correlation id the frame carried so the client can match it.
		var ref struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg, &ref)
		typ := protocol.TypeResult
		if base.Type == protocol.TypeQuery {
			typ = protocol.TypeQueryResult
		}
		s.send(ctx, sess, map[string]any{
			"type":             typ,
			"protocol_version": protocol.Version,
			"ref":              ref.ID,
			"ok":               false,
			"code":             protocol.ErrProtoBadRequest,
			"message":          err.Error(),
		})
		return
	}

	switch base.Type {
	case protocol.TypeSubmit:
		var m protocol.SubmitMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.send(ctx, sess, badResult(m.ID, err))
			return
		}
		if m.ProtocolVersion != protocol.Version {
			s.send(ctx, sess, protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, Ref: m.ID, Code: protocol.ErrProtoBadRequest, Message: "bad protocol_version"})
			return
		}
		var op ledger.Op
		if err := json.Unmarshal(m.Op, &op); err != nil {
			s.send(ctx, sess, badResult(m.ID, err))
			return
		}
		key := sess.identity.String() + "|" + m.ID
		if res, ok := s.results.claim(key, time.Now()); ok {
			s.replayed.Add(1)
			res.Ref = m.ID
			s.send(ctx, sess, res)
			return
		}
		rc, err := s.ledger.Submit(ctx, sess.identity, op)
		res := protocol.ResultMsg{
			Type:            protocol.TypeResult,
			ProtocolVersion: protocol.Version,
			Ref:             m.ID,
			OK:              err == nil,
			TxID:            rc.TxID,
			Seq:             rc.Seq,
		}
		if err != nil {
			res.Code = ErrorCode(err)
			res.Message = rc.Message
			if res.Message == "" {
				res.Message = err.Error()
			}
		}
		for _, ev := range rc.Events {
			res.Events = append(res.Events, protocol.EventRef{Name: ev.Name, ProjectID: ev.ProjectID, Data: ev.Data})
		}
		// Only outcomes the ledger decided are replayed; internal failures may be retried.
		s.results.finish(key, res, res.OK || (res.Code != "" && res.Code != string(escrow.CodeInternal)), time.Now())
		s.send(ctx, sess, res)

	case protocol.TypeQuery:
		var m protocol.QueryMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.send(ctx, sess, protocol.QueryResultMsg{Type: protocol.TypeQueryResult, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
			return
		}
		data, err := s.Query(ctx, m.Query, m.Params)
		res := protocol.QueryResultMsg{
			Type:            protocol.TypeQueryResult,
			ProtocolVersion: protocol.Version,
			Ref:             m.ID,
			OK:              err == nil,
			Data:            data,
		}
		if err != nil {
			res.Data = nil
			res.Code = ErrorCode(err)
			res.Message = err.Error()
		}
		s.send(ctx, sess, res)

	default:
		s.send(ctx, sess, protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoBadRequest, Message: "unexpected " + base.Type})
	}
}

func badResult(ref string, err error) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		Code:            protocol.ErrProtoBadRequest,
		Message:         err.Error(),
	}
}

func (s *Server) forwardEvents(ctx context.Context, sess *session, notes <-chan ledger.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			b, err := json.Marshal(protocol.EventMsg{
				Type:            protocol.TypeEvent,
				ProtocolVersion: protocol.Version,
				Seq:             n.Seq,
				TxID:            n.TxID,
				Event:           protocol.EventRef{Name: n.Event.Name, ProjectID: n.Event.ProjectID, Data: n.Event.Data},
			})
			if err != nil {
				continue
			}
			select {
			case sess.out <- b:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// send queues a reply. Replies are never dropped; a stalled client blocks only its own
// reader until the session ends.
func (s *Server) send(ctx context.Context, sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logf("encode reply: %v", err)
		return
	}
	select {
	case sess.out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
