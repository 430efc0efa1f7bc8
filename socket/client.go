package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docsync/internal/collab"
)

// Client is one websocket connection. It is a collab.Peer of the session it
// has joined, if any.
type Client struct {
	gw     *Gateway
	id     string
	conn   *websocket.Conn
	who    collab.Identity
	log    *zap.Logger
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	graceful  bool

	// owned by readPump
	session  *collab.Session
	lastHash uint64
	lastAt   time.Time
}

var _ collab.Peer = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// Send queues ev for the write pump. A full queue means the client cannot keep
// up; it is disconnected and Send reports false.
func (c *Client) Send(ev collab.Event) bool {
	msg := WSMessage{
		Type:    string(ev.Type),
		DocID:   ev.DocID,
		UserID:  ev.UserID,
		Seq:     ev.Seq,
		Access:  string(ev.Access),
		Payload: ev.Payload,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal event", zap.String("type", msg.Type), zap.Error(err))
		c.sendError(ev.DocID, CodeInternal, errors.New("event could not be encoded"))
		c.shutdown(true)
		return false
	}
	return c.enqueue(b)
}

func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.gw.cfg.Metrics.SlowConsumerDrops.Inc()
		c.log.Warn("send buffer full, closing connection", zap.Int("buffer", cap(c.send)))
		c.shutdown(false)
		return false
	}
}

func (c *Client) sendError(docID, code string, err error) {
	msg := WSMessage{Type: ErrorType, DocID: docID, Code: code}
	if err != nil {
		msg.Message = err.Error()
	}
	b, _ := json.Marshal(msg)
	c.enqueue(b)
}

// shutdown stops both pumps. A graceful shutdown lets the write pump flush
// what is queued and send a close frame first.
func (c *Client) shutdown(graceful bool) {
	c.closeOnce.Do(func() {
		c.graceful = graceful
		close(c.closed)
		c.cancel()
		if !graceful {
			c.conn.Close()
		}
	})
}

func (c *Client) readPump(docID string) {
	defer func() {
		c.leave()
		c.shutdown(false)
		c.log.Debug("connection closed")
		c.gw.unregister(c)
	}()

	cfg := c.gw.cfg
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	if docID != "" {
		c.join(docID)
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", CodeBadRequest, err)
			continue
		}

		switch msg.Type {
		case JoinType:
			if msg.DocID == "" {
				c.sendError("", CodeBadRequest, errors.New("document_id is required"))
				continue
			}
			c.join(msg.DocID)
		case SendChangesType:
			c.submit(msg)
		case LeaveType:
			c.leave()
		default:
			c.sendError(msg.DocID, CodeBadRequest, errors.New("unknown message type "+msg.Type))
		}
	}
}

// join moves the connection into docID's session, leaving the current one.
// Access is decided from freshly loaded metadata every time.
func (c *Client) join(docID string) {
	c.leave()

	ctx, cancel := context.WithTimeout(c.ctx, joinTimeout)
	defer cancel()

	meta, err := c.gw.meta.LoadMeta(ctx, docID)
	if err != nil {
		c.log.Info("join failed", zap.String("doc_id", docID), zap.Error(err))
		c.sendError(docID, errorCode(err), err)
		return
	}
	access := collab.Decide(meta, c.who)
	if access == collab.AccessDenied {
		c.gw.cfg.Metrics.JoinsTotal.WithLabelValues(string(collab.AccessDenied)).Inc()
		c.log.Info("join denied", zap.String("doc_id", docID))
		c.sendError(docID, CodeAccessDenied, collab.ErrAccessDenied)
		return
	}

	s, err := c.gw.registry.Join(ctx, docID, collab.Member{Peer: c, Identity: c.who, Access: access})
	if err != nil {
		c.log.Info("join failed", zap.String("doc_id", docID), zap.Error(err))
		c.sendError(docID, errorCode(err), err)
		return
	}
	c.session = s
	c.lastHash, c.lastAt = 0, time.Time{}
}

func (c *Client) submit(msg WSMessage) {
	s := c.session
	if s == nil || (msg.DocID != "" && msg.DocID != s.DocID()) {
		c.sendError(msg.DocID, CodeNotJoined, collab.ErrNotMember)
		return
	}
	if len(msg.Payload) == 0 {
		c.sendError(s.DocID(), CodeMalformedDelta, errors.New("empty payload"))
		return
	}

	cfg := c.gw.cfg
	h := xxhash.Sum64(msg.Payload)
	now := time.Now()
	if cfg.DedupWindow > 0 && h == c.lastHash && now.Sub(c.lastAt) < cfg.DedupWindow {
		cfg.Metrics.DeltasTotal.WithLabelValues("duplicate").Inc()
		c.log.Debug("dropping duplicate delta", zap.String("doc_id", s.DocID()))
		if msg.Seq > 0 {
			c.Send(collab.Event{Type: collab.EventAck, DocID: s.DocID(), Seq: msg.Seq})
		}
		return
	}

	err := s.Submit(c.ctx, c.id, msg.Payload, msg.Seq)
	switch {
	case err == nil:
		c.lastHash, c.lastAt = h, now
	case errors.Is(err, collab.ErrSessionClosed), errors.Is(err, collab.ErrNotMember):
		c.session = nil
		c.sendError(s.DocID(), CodeSessionClosed, err)
	case errors.Is(err, context.Canceled):
	default:
		c.sendError(s.DocID(), errorCode(err), err)
	}
}

func (c *Client) leave() {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	// the connection may already be closing, so do not tie this to c.ctx
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := s.Leave(ctx, c.id); err != nil && !errors.Is(err, collab.ErrNotMember) {
		c.log.Warn("leave failed", zap.String("doc_id", s.DocID()), zap.Error(err))
	}
}

func (c *Client) writePump() {
	cfg := c.gw.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.shutdown(false)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(false)
				return
			}
		case <-c.closed:
			if c.graceful {
				c.drain()
			}
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}
