package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next client frame. Application heartbeats and
	// protocol pings both reset it.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Consecutive full-buffer deliveries before a client is disconnected as
	// too slow, unless configured otherwise. Three strikes: one or two can be
	// a brief network hiccup.
	defaultSlowClientStrikes = 3
)

// errSendBufferFull reports a dropped broadcast delivery. Not a client fault
// the protocol surfaces; the broadcast path just logs it.
var errSendBufferFull = errors.New("send buffer full, delivery dropped")

// inboundFrame is the envelope every client frame arrives in.
type inboundFrame struct {
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
	Text  string `json:"text,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// outboundEvent is a broadcast delivery as written to the client.
type outboundEvent struct {
	Type        string `json:"type"` // "message"
	Scope       string `json:"scope"`
	MessageID   string `json:"messageId"`
	SenderID    string `json:"senderId"`
	Text        string `json:"text"`
	CreatedAt   string `json:"createdAtUtc"`
	OriginPodID string `json:"originPodId"`
	Partition   int32  `json:"partition"`
	Offset      int64  `json:"offset"`
}

// Client is one websocket connection. It implements the scope registry's
// Connection interface; Deliver is called from the broadcast path and must
// never block, so the send channel is buffered and a full buffer is a strike
// against the client rather than a stall for everyone else.
type Client struct {
	id     string
	userID string
	conn   net.Conn
	server *Server
	log    zerolog.Logger

	send       chan []byte
	inbound    *rate.Limiter
	slowStrike int32 // strikes that force a disconnect

	sendStrikes int32
	slowWarned  int32
	closeOnce   sync.Once
	connectedAt time.Time
}

func newClient(conn net.Conn, userID string, s *Server) *Client {
	id := uuid.NewString()
	strikes := int32(s.cfg.SlowClientLimit)
	if strikes <= 0 {
		strikes = defaultSlowClientStrikes
	}
	return &Client{
		id:          id,
		userID:      userID,
		conn:        conn,
		server:      s,
		log:         s.log.With().Str("connection_id", id).Str("user_id", userID).Logger(),
		send:        make(chan []byte, s.cfg.SendBuffer),
		inbound:     rate.NewLimiter(rate.Limit(s.cfg.InboundPerSec), s.cfg.InboundPerSec*2),
		slowStrike:  strikes,
		connectedAt: time.Now(),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Deliver queues a broadcast event for the write pump. Non-blocking: a full
// buffer counts a strike, and on the third consecutive strike the client is
// closed with a policy-violation frame.
func (c *Client) Deliver(scope chat.ScopeKey, event chat.EnrichedChatEvent) error {
	data, err := json.Marshal(outboundEvent{
		Type:        "message",
		Scope:       scope.String(),
		MessageID:   event.MessageID.String(),
		SenderID:    event.SenderID,
		Text:        event.Text,
		CreatedAt:   event.CreatedAt.UTC().Format(time.RFC3339Nano),
		OriginPodID: event.OriginPodID,
		Partition:   event.Partition,
		Offset:      event.Offset,
	})
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendStrikes, 0)
		return nil
	default:
	}

	strikes := atomic.AddInt32(&c.sendStrikes, 1)
	if strikes == 1 && atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1) {
		c.log.Warn().Str("reason", "send_buffer_full").Msg("Client is slow")
	}
	if strikes >= c.slowStrike {
		c.log.Warn().
			Int32("consecutive_failures", strikes).
			Dur("connection_duration", time.Since(c.connectedAt)).
			Msg("Disconnecting slow client")
		monitoring.SlowClientsDisconnected.Inc()
		c.closeWith(ws.StatusPolicyViolation, "client too slow to process messages")
	}
	return errSendBufferFull
}

// closeWith sends a close frame and tears the socket down, once.
func (c *Client) closeWith(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(code, reason)
		ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.closeWith(ws.StatusNormalClosure, "")
		c.server.hub.OnDisconnect(ctx, c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.inbound.Allow() {
				c.sendError("inbound_rate_exceeded", "too many frames, slow down")
				continue
			}
			c.handleFrame(ctx, msg)
		case ws.OpClose:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(ws.StatusNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("invalid_frame", "frame is not valid JSON")
		return
	}

	switch frame.Type {
	case "join":
		scope, err := chat.ParseScopeKey(frame.Scope)
		if err != nil {
			c.sendError("invalid_scope", err.Error())
			return
		}
		if err := c.server.hub.Join(c, scope); err != nil {
			c.sendChatError(err)
			return
		}
		c.enqueue(map[string]any{"type": "joined", "scope": scope.String()})

	case "leave":
		scope, err := chat.ParseScopeKey(frame.Scope)
		if err != nil {
			c.sendError("invalid_scope", err.Error())
			return
		}
		if err := c.server.hub.Leave(c, scope); err != nil {
			c.sendChatError(err)
			return
		}
		c.enqueue(map[string]any{"type": "left", "scope": scope.String()})

	case "send":
		scope, err := chat.ParseScopeKey(frame.Scope)
		if err != nil {
			c.sendError("invalid_scope", err.Error())
			return
		}
		event, err := c.server.hub.Send(ctx, c, scope, frame.Text)
		if err != nil {
			c.sendChatError(err)
			return
		}
		c.enqueue(map[string]any{
			"type":      "sent",
			"messageId": event.MessageID.String(),
			"partition": event.Partition,
			"offset":    event.Offset,
		})

	case "heartbeat":
		if err := c.server.hub.Heartbeat(ctx, c); err != nil {
			c.log.Warn().Err(err).Msg("Heartbeat refresh failed")
		}
		c.enqueue(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})

	case "history":
		scope, err := chat.ParseScopeKey(frame.Scope)
		if err != nil {
			c.sendError("invalid_scope", err.Error())
			return
		}
		events, err := c.server.hub.History(ctx, scope, time.Time{}, time.Time{}, frame.Limit)
		if err != nil {
			c.sendChatError(err)
			return
		}
		page := make([]outboundEvent, 0, len(events))
		for _, ev := range events {
			page = append(page, outboundEvent{
				Type:        "message",
				Scope:       ev.Scope.String(),
				MessageID:   ev.MessageID.String(),
				SenderID:    ev.SenderID,
				Text:        ev.Text,
				CreatedAt:   ev.CreatedAt.UTC().Format(time.RFC3339Nano),
				OriginPodID: ev.OriginPodID,
				Partition:   ev.Partition,
				Offset:      ev.Offset,
			})
		}
		c.enqueue(map[string]any{"type": "history", "scope": scope.String(), "messages": page})

	default:
		c.sendError("unknown_frame_type", "unknown frame type: "+frame.Type)
	}
}

// enqueue best-effort queues a control response. Control responses are not
// strike-counted; a client that cannot take them has bigger problems the
// broadcast path will notice.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(map[string]any{"type": "error", "code": code, "message": message})
}

func (c *Client) sendChatError(err error) {
	code := "internal"
	var cerr *chat.Error
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	c.sendError(code, err.Error())
}
