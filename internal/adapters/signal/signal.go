// Package signal serves the signaling websocket: room membership plus
// addressed relay of offers, answers and ICE candidates.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
)

var errConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	JoinLimit  int
	JoinWindow time.Duration
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.JoinLimit <= 0 {
		opts.JoinLimit = 5
	}
	if opts.JoinWindow <= 0 {
		opts.JoinWindow = 10 * time.Second
	}
	return &SignalWSController{
		Orch:    o,
		Limiter: NewRoomRateLimiter(opts.JoinLimit, opts.JoinWindow),
		opts:    opts,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalWSController) BroadcastFrom(sid core.SessionID, msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	ctl.Orch.Broadcast(sid, data)
}

func (ctl *SignalWSController) BroadcastRoom(roomID domain.RoomID, skip core.SessionID, msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	ctl.Orch.BroadcastRoom(roomID, skip, data)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	// The upgrade hijacks the response, so cookies set by middleware have to
	// travel in the handshake header.
	hdr := http.Header{}
	for _, v := range c.Writer.Header().Values("Set-Cookie") {
		hdr.Add("Set-Cookie", v)
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, hdr)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(&user), conn)
	ctx, cancel := context.WithCancel(ctx)
	if prevRoom, left := ctl.Orch.Connect(sid, sess, cancel); left {
		ctl.BroadcastRoom(prevRoom, sid, signaling.PeerLeft(string(sid)))
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, sess, conn)
}
