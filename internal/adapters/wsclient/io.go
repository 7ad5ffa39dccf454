package wsclient

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/voicemesh/internal/signaling"
)

const writeWait = 5 * time.Second

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				_ = conn.Close()
				return
			}
		case data := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, stopWriter context.CancelFunc) {
	defer func() {
		stopWriter()
		_ = conn.Close()
		if !c.isClosed() {
			c.logger.Warn().Msg("connection dropped, redialing")
			go c.reconnect()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		c.dispatch(msg)
	}
}
