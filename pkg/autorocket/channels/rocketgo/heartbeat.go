package rocketgo

import (
	"time"

	"github.com/gorilla/websocket"
)

// heartbeatLoop writes a "ping" text frame every HeartbeatInterval and
// watches for acknowledgment. Any inbound traffic counts as an ack (the read
// loop resets missedPings); a tick where the last inbound activity is older
// than HeartbeatTimeout counts as a missed ping, and MaxMissedHeartbeats
// consecutive misses force a reconnect.
func (w *RocketGo) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		if !w.connected.Load() {
			continue
		}

		if err := w.writePing(); err != nil {
			missed := w.missedPings.Add(1)
			w.logger.Warn("rocketgo: ping write failed",
				"missed", missed,
				"error", err)
			if int(missed) >= w.cfg.MaxMissedHeartbeats {
				w.handleConnectionLoss("heartbeat write failure")
			}
			continue
		}

		lastAck, _ := w.lastAck.Load().(time.Time)
		if time.Since(lastAck) > w.cfg.HeartbeatTimeout {
			missed := w.missedPings.Add(1)
			w.logger.Warn("rocketgo: heartbeat unacknowledged",
				"missed", missed,
				"last_ack", lastAck)
			if int(missed) >= w.cfg.MaxMissedHeartbeats {
				w.handleConnectionLoss("heartbeat timeout")
			}
		}
	}
}

// writePing sends one heartbeat frame under the connection lock.
func (w *RocketGo) writePing() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return websocket.ErrCloseSent
	}
	w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}
