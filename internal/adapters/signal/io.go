package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/signaling"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(
	ctx context.Context,
	cancel context.CancelFunc,
	sid core.SessionID,
	sess core.MemberSession,
	c *WsSignalConn,
) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		if roomID, ok := ctl.Orch.Disconnect(sid, sess); ok {
			ctl.BroadcastRoom(roomID, sid, signaling.PeerLeft(string(sid)))
		}
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(sid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	msg, err := signaling.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.send(c, signaling.Errorf("bad_payload"))
		return
	}
	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("invalid signal")
		ctl.send(c, signaling.Errorf("%v", err))
		return
	}

	switch msg.Type {
	case signaling.EventJoin:
		ctl.handleJoin(sid, c, msg)
	case signaling.EventLeave:
		ctl.handleLeave(sid)
	case signaling.EventPing:
		ctl.handlePing(c)
	case signaling.EventRename:
		ctl.handleRename(sid, c, msg)
	case signaling.EventWhoAmI:
		ctl.handleWhoAmI(sid, c)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate:
		ctl.handleRelay(sid, c, msg)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
		ctl.send(c, signaling.Errorf("unknown type %q", msg.Type))
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(msg.Type)).Msg("send dropped")
	}
}
