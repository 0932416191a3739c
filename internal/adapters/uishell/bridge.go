// Package uishell bridges the session controller to local UI shells over
// a websocket: request/response commands plus pushed controller events.
package uishell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	CmdStartSession     = "START_SESSION"
	CmdEndSession       = "END_SESSION"
	CmdMuteMicrophone   = "MUTE_MICROPHONE"
	CmdStartScreenShare = "START_SCREEN_SHARE"
	CmdEnableAudio      = "ENABLE_AUDIO"
	CmdLogEvent         = "LOG_EVENT"
	CmdSubmitFeedback   = "SUBMIT_FEEDBACK"

	writeWait = 5 * time.Second
)

var (
	ErrNotReady       = errors.New("controller not ready")
	ErrUnknownCommand = errors.New("unknown command")
)

// Commands is the controller surface a shell may drive.
type Commands interface {
	StartSession(ctx context.Context) (*domain.Session, error)
	EndSession(ctx context.Context)
	SetMicrophoneMuted(muted bool)
	StartScreenShare(ctx context.Context) error
	EnableAudio(ctx context.Context) error
	LogEvent(ctx context.Context, event string, data map[string]any) error
	SubmitFeedback(ctx context.Context, rating float64, comment string) error
	Session() *domain.Session
}

type Request struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Muted   bool           `json:"muted,omitempty"`
	Event   string         `json:"event,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Rating  *float64       `json:"rating,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

type Response struct {
	ID          string          `json:"id"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	SessionInfo *domain.Session `json:"sessionInfo,omitempty"`
}

type Options struct {
	// RequestTimeout bounds one command; zero means no limit.
	RequestTimeout time.Duration
	SendBuffer     int
}

// Bridge serves shells and implements core.Notifier for the controller.
type Bridge struct {
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	cmds    Commands
	clients map[*client]struct{}
}

var _ core.Notifier = (*Bridge)(nil)

func NewBridge(opts Options) *Bridge {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &Bridge{
		opts:    opts,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach sets the controller. The controller needs the bridge as its
// notifier first, so the two are wired in this order.
func (b *Bridge) Attach(cmds Commands) {
	b.mu.Lock()
	b.cmds = cmds
	b.mu.Unlock()
}

// Notify pushes e to every connected shell without blocking.
func (b *Bridge) Notify(e core.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Str("module", "uishell").Err(err).Msg("encode event")
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.trySend(data)
	}
}

func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Bridge) Router(ctx context.Context) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "shells": b.ClientCount()})
	})
	r.GET("/ws", func(c *gin.Context) { b.serve(ctx, c) })
	return r
}

func (b *Bridge) serve(ctx context.Context, c *gin.Context) {
	ws, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "uishell").Err(err).Msg("ws upgrade")
		return
	}
	cl := &client{ws: ws, send: make(chan []byte, b.opts.SendBuffer)}
	b.mu.Lock()
	b.clients[cl] = struct{}{}
	b.mu.Unlock()
	log.Info().Str("module", "uishell").Str("remote", c.Request.RemoteAddr).Msg("shell connected")

	ctx, cancel := context.WithCancel(ctx)
	go cl.writePump(ctx)
	go func() {
		defer func() {
			cancel()
			b.mu.Lock()
			delete(b.clients, cl)
			b.mu.Unlock()
			cl.close()
			log.Info().Str("module", "uishell").Msg("shell disconnected")
		}()
		b.readLoop(ctx, cl)
	}()
}

func (b *Bridge) readLoop(ctx context.Context, cl *client) {
	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			cl.reply(Response{Error: "invalid request"})
			continue
		}
		go func() {
			cl.reply(b.handle(ctx, req))
		}()
	}
}

func (b *Bridge) handle(ctx context.Context, req Request) Response {
	b.mu.RLock()
	cmds := b.cmds
	b.mu.RUnlock()
	resp := Response{ID: req.ID}
	if cmds == nil {
		resp.Error = ErrNotReady.Error()
		return resp
	}
	if b.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.RequestTimeout)
		defer cancel()
	}

	var err error
	switch req.Type {
	case CmdStartSession:
		_, err = cmds.StartSession(ctx)
	case CmdEndSession:
		cmds.EndSession(ctx)
	case CmdMuteMicrophone:
		cmds.SetMicrophoneMuted(req.Muted)
	case CmdStartScreenShare:
		err = cmds.StartScreenShare(ctx)
	case CmdEnableAudio:
		err = cmds.EnableAudio(ctx)
	case CmdLogEvent:
		if req.Event == "" {
			err = errors.New("event is required")
			break
		}
		err = cmds.LogEvent(ctx, req.Event, req.Data)
	case CmdSubmitFeedback:
		if req.Rating == nil {
			err = errors.New("rating is required")
			break
		}
		err = cmds.SubmitFeedback(ctx, *req.Rating, req.Comment)
	default:
		err = ErrUnknownCommand
	}

	if err != nil {
		log.Warn().Str("module", "uishell").Str("type", req.Type).Err(err).Msg("command failed")
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}
	resp.SessionInfo = cmds.Session()
	return resp
}

type client struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *client) trySend(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("module", "uishell").Msg("shell too slow, message dropped")
	}
}

func (c *client) reply(r Response) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
