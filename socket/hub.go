package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"docsync/internal/collab"
	"docsync/pkg/metrics"
)

// Inbound message types.
const (
	JoinType        = "join-doc"
	SendChangesType = "send-changes"
	LeaveType       = "leave"
)

// Outbound message types not produced by a session.
const (
	ErrorType = "error"
)

// Error codes carried by error messages.
const (
	CodeBadRequest         = "bad-request"
	CodeNotJoined          = "not-joined"
	CodeAccessDenied       = "access-denied"
	CodeNotFound           = "not-found"
	CodeStorageUnavailable = "storage-unavailable"
	CodeMalformedDelta     = "malformed-delta"
	CodeSessionClosed      = "session-closed"
	CodeCorruptDocument    = "corrupt-document"
	CodeInternal           = "internal"
)

const (
	DefaultSendBuffer   = 256
	DefaultDedupWindow  = 500 * time.Millisecond
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second
	maxMessageSize      = 1 << 20
	joinTimeout         = 15 * time.Second
)

// WSMessage is the envelope of every websocket frame in both directions.
type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Access  string          `json:"access,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MetaLoader resolves the sharing metadata access is decided from.
type MetaLoader interface {
	LoadMeta(ctx context.Context, docID string) (collab.Meta, error)
}

type Config struct {
	SendBuffer     int
	DedupWindow    time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	return c
}

// Gateway upgrades HTTP requests to websocket connections and relays their
// messages to the collaboration sessions.
type Gateway struct {
	registry *collab.Registry
	meta     MetaLoader
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
	clients  *xsync.MapOf[string, *Client]
}

func NewGateway(registry *collab.Registry, meta MetaLoader, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		registry: registry,
		meta:     meta,
		cfg:      cfg,
		log:      cfg.Logger,
		clients:  xsync.NewMapOf[string, *Client](),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 || slices.Contains(g.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.cfg.AllowedOrigins, origin)
}

// ServeWs upgrades the request and runs the connection for who. A docId query
// parameter joins that document right away.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request, who collab.Identity) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := g.newClient(conn, who)
	go c.writePump()
	go c.readPump(r.URL.Query().Get("docId"))
}

// newClient registers a connection. The caller starts its pumps.
func (g *Gateway) newClient(conn *websocket.Conn, who collab.Identity) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		gw:     g,
		id:     uuid.NewString(),
		conn:   conn,
		who:    who,
		send:   make(chan []byte, g.cfg.SendBuffer),
		closed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = g.log.With(zap.String("conn_id", c.id), zap.String("user_id", who.UserID))

	g.clients.Store(c.id, c)
	g.cfg.Metrics.ActiveConnections.Inc()
	c.log.Debug("connection opened")
	return c
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	return g.clients.Size()
}

// Close disconnects every client after writing what is already queued for it.
func (g *Gateway) Close() {
	g.clients.Range(func(_ string, c *Client) bool {
		c.shutdown(true)
		return true
	})
}

func (g *Gateway) unregister(c *Client) {
	if _, ok := g.clients.LoadAndDelete(c.id); ok {
		g.cfg.Metrics.ActiveConnections.Dec()
	}
}

// errorCode maps a join or submit failure to the code sent to the client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, collab.ErrDocumentNotFound):
		return CodeNotFound
	case errors.Is(err, collab.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, collab.ErrMalformedDelta):
		return CodeMalformedDelta
	case errors.Is(err, collab.ErrNotMember):
		return CodeNotJoined
	case errors.Is(err, collab.ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, collab.ErrCorruptDocument):
		return CodeCorruptDocument
	}
	return CodeInternal
}
