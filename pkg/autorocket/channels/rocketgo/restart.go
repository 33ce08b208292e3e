package rocketgo

import (
	"math/rand/v2"
	"time"
)

// restartLoop proactively tears down and re-establishes the session at a
// uniform-random interval in [RestartMin, RestartMax]. Panel tokens expire
// after roughly three hours; restarting while healthy renews the token
// before the platform drops the socket. The timer reschedules after every
// restart, including ones it skipped because the channel was down.
func (w *RocketGo) restartLoop() {
	defer w.wg.Done()

	for {
		interval := w.nextRestartInterval()
		w.logger.Debug("rocketgo: next scheduled restart", "in", interval)

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(interval):
		}

		if !w.connected.Load() {
			// The reconnect loop owns recovery; just reschedule.
			continue
		}
		w.restart()
	}
}

// nextRestartInterval draws a uniform-random duration from the configured
// restart window.
func (w *RocketGo) nextRestartInterval() time.Duration {
	span := w.cfg.RestartMax - w.cfg.RestartMin
	if span <= 0 {
		return w.cfg.RestartMin
	}
	return w.cfg.RestartMin + rand.N(span)
}

// restart gracefully cycles the session: disconnect, then re-run the full
// login + dial sequence. Failure hands off to the reconnect loop.
func (w *RocketGo) restart() {
	if !w.connected.CompareAndSwap(true, false) {
		return
	}
	w.logger.Info("rocketgo: scheduled session restart")
	w.closeConn()
	w.transition(StateDisconnected, "scheduled restart", nil)

	if err := w.establish(w.ctx); err != nil {
		w.logger.Warn("rocketgo: restart failed, entering reconnect", "error", err)
		w.transition(StateReconnecting, "restart failed", nil)
		go w.attemptReconnect()
	}
}
