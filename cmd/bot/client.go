package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"greenova.io/internal/address"
	"greenova.io/internal/ledger"
	"greenova.io/internal/protocol"
)

// client is one authenticated ws session. Calls are sequential; EVENT frames that
// arrive while waiting for a reply are counted and dropped.
type client struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg
	nextID  atomic.Uint64
	events  int
	timeout time.Duration
}

type dialOptions struct {
	URL       string
	Token     string
	Identity  address.Address
	Subscribe bool
	Timeout   time.Duration
}

func dial(ctx context.Context, opts dialOptions) (*client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &client{conn: conn, timeout: opts.Timeout}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Token:           opts.Token,
		Subscribe:       opts.Subscribe,
		MaxQueue:        64,
	}
	if opts.Token == "" {
		hello.Identity = opts.Identity.String()
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	msg, err := c.read(protocol.TypeWelcome, "")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := json.Unmarshal(msg, &c.welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode WELCOME: %w", err)
	}
	return c, nil
}

func (c *client) Close() error { return c.conn.Close() }

// id is unique per session; the server replays results for a reused (identity, id).
func (c *client) id(prefix string) string {
	return prefix + "_" + c.welcome.SessionID + "_" + strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *client) submit(op ledger.Op) (protocol.ResultMsg, error) {
	var res protocol.ResultMsg
	raw, err := json.Marshal(op)
	if err != nil {
		return res, err
	}
	id := c.id("S")
	if err := c.conn.WriteJSON(protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Op:              raw,
	}); err != nil {
		return res, err
	}
	msg, err := c.read(protocol.TypeResult, id)
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(msg, &res)
	return res, err
}

// query decodes the reply's data into out.
func (c *client) query(name string, params protocol.QueryParams, out any) error {
	id := c.id("Q")
	if err := c.conn.WriteJSON(protocol.QueryMsg{
		Type:            protocol.TypeQuery,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Query:           name,
		Params:          params,
	}); err != nil {
		return err
	}
	msg, err := c.read(protocol.TypeQueryResult, id)
	if err != nil {
		return err
	}
	var res struct {
		OK      bool            `json:"ok"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("%s: %s %s", name, res.Code, res.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(res.Data, out)
}

// read returns the next frame of type typ whose ref matches (empty ref matches any).
func (c *client) read(typ, ref string) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", typ, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type == protocol.TypeEvent {
			c.events++
			continue
		}
		if base.Type != typ {
			continue
		}
		if ref != "" {
			var r struct {
				Ref string `json:"ref"`
			}
			if json.Unmarshal(msg, &r) != nil || r.Ref != ref {
				continue
			}
		}
		return msg, nil
	}
}
