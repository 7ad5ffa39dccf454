package signal

import "github.com/dkeye/voicemesh/internal/signaling"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, signaling.Message{Type: signaling.EventPong})
}
