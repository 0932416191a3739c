// Package signal serves the signaling websocket of the SFU: room membership,
// SDP and ICE exchange, and periodic link quality reports.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/app/orch"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait          = 5 * time.Second
	defaultPingPeriod  = 54 * time.Second
	defaultQualityTick = 5 * time.Second
	defaultSendBuffer  = 64
)

// MediaFactory creates the server side peer connection of a member.
type MediaFactory func(sid core.SessionID) (core.MediaConnection, error)

type Options struct {
	Orch     *orch.Orchestrator
	Minter   *token.Minter
	NewMedia MediaFactory
	Limiter  *RateLimiter

	ReadLimit    int64
	PingPeriod   time.Duration
	QualityEvery time.Duration
	SendBuffer   int
}

type Controller struct {
	orch     *orch.Orchestrator
	minter   *token.Minter
	newMedia MediaFactory
	limiter  *RateLimiter

	readLimit    int64
	pingPeriod   time.Duration
	qualityEvery time.Duration
	sendBuffer   int
	upgrader     websocket.Upgrader
}

func NewController(opts Options) *Controller {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.QualityEvery <= 0 {
		opts.QualityEvery = defaultQualityTick
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Controller{
		orch:         opts.Orch,
		minter:       opts.Minter,
		newMedia:     opts.NewMedia,
		limiter:      opts.Limiter,
		readLimit:    opts.ReadLimit,
		pingPeriod:   opts.PingPeriod,
		qualityEvery: opts.QualityEvery,
		sendBuffer:   opts.SendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the core.SignalConnection of one websocket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// peer is the per-connection state the handlers share.
type peer struct {
	sid    core.SessionID
	conn   *WsSignalConn
	claims *token.Claims
	logger zerolog.Logger

	// mu serializes SDP handling on the peer connection.
	mu             sync.Mutex
	awaitingAnswer bool
	dirty          bool
	quality        core.ConnectionQuality
}

// HandleSignal authenticates the room credential in ?token= and upgrades.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	claims, err := ctl.minter.Verify(c.Query("token"))
	if err != nil {
		log.Warn().Str("module", "signal").Err(err).Msg("rejected room credential")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid room token"})
		return
	}

	member, err := memberFromClaims(claims)
	if err != nil {
		log.Warn().Str("module", "signal").Err(err).Msg("rejected room credential")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid room token"})
		return
	}

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "signal").Err(err).Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	sid := core.SessionID(uuid.NewString())
	p := &peer{
		sid:    sid,
		conn:   newWsSignalConn(ws, ctl.sendBuffer),
		claims: claims,
		logger: log.With().Str("module", "signal").Str("sid", string(sid)).Str("identity", claims.Identity).Logger(),
	}
	sess := core.NewMemberSession(member).UpdateSignal(p.conn)

	ctx, cancel := context.WithCancel(ctx)
	ctl.orch.Registry.Bind(sid, sess, claims.Room, cancel)
	p.logger.Info().Str("room", string(claims.Room)).Msg("new WS connection")

	go ctl.writePump(ctx, p)
	go ctl.qualityLoop(ctx, p)
	go ctl.readPump(ctx, cancel, p)
}

// disconnect runs once the socket is gone, whatever the reason.
func (ctl *Controller) disconnect(p *peer) {
	if roomName, _, ok := ctl.orch.Registry.RoomOf(p.sid); ok {
		ctl.broadcastMemberLeft(p, roomName)
	}
	ctl.orch.KickBySID(p.sid)
	ctl.orch.Registry.Unbind(p.sid)
	if ctl.limiter != nil {
		ctl.limiter.Forget(p.sid)
	}
	p.conn.Close()
	p.logger.Info().Msg("signal connection closed")
}
