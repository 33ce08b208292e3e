// Package rocketgo implements the channels.Channel interface for a
// RocketGo-style customer-service chat panel.
//
// Features:
//   - Captcha-assisted credential login with bounded retries
//   - Websocket event stream with heartbeat supervision
//   - Automatic reconnection with capped exponential backoff
//   - Randomized proactive session restart before token expiry
//   - HTTP send and read-marking API
package rocketgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
)

// Config contains the panel connection configuration.
type Config struct {
	// BaseURL is the panel HTTP API root.
	BaseURL string `yaml:"base_url"`

	// WSURL is the websocket endpoint root; the session token is appended
	// as the final path segment.
	WSURL string `yaml:"ws_url"`

	// Username and Password are the operator credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// OCRURL is the captcha recognition service endpoint.
	OCRURL string `yaml:"ocr_url"`

	// CaptchaAttempts is how many captcha solutions to try before giving up.
	CaptchaAttempts int `yaml:"captcha_attempts"`

	// HTTPTimeout bounds individual panel API calls.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// HeartbeatInterval is how often a ping frame is written.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how stale the last inbound activity may be before
	// a ping counts as unacknowledged.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// MaxMissedHeartbeats is how many consecutive unacknowledged pings
	// trigger a reconnect.
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// RestartMin and RestartMax bound the randomized proactive restart
	// interval. Panel session tokens expire after roughly three hours, so
	// the session is renewed before that.
	RestartMin time.Duration `yaml:"restart_min"`
	RestartMax time.Duration `yaml:"restart_max"`

	// DrainBacklog replays unread chat history through the frame stream
	// after every successful connect, including reconnects and scheduled
	// restarts.
	DrainBacklog bool `yaml:"drain_backlog"`

	// BacklogPageSize is how many history rows to fetch per conversation.
	BacklogPageSize int `yaml:"backlog_page_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CaptchaAttempts:     3,
		HTTPTimeout:         30 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    8 * time.Second,
		MaxMissedHeartbeats: 2,
		ReconnectBackoff:    5 * time.Second,
		RestartMin:          1 * time.Hour,
		RestartMax:          3 * time.Hour,
		DrainBacklog:        true,
		BacklogPageSize:     20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CaptchaAttempts <= 0 {
		c.CaptchaAttempts = def.CaptchaAttempts
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = def.HTTPTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = def.ReconnectBackoff
	}
	if c.RestartMin <= 0 {
		c.RestartMin = def.RestartMin
	}
	if c.RestartMax <= c.RestartMin {
		c.RestartMax = c.RestartMin + 2*time.Hour
	}
	if c.BacklogPageSize <= 0 {
		c.BacklogPageSize = def.BacklogPageSize
	}
}

// RocketGo implements channels.Channel for the panel.
type RocketGo struct {
	cfg        Config
	logger     *slog.Logger
	api        *apiClient
	recognizer CaptchaRecognizer

	// frames delivers inbound user messages in receipt order.
	frames chan *channels.InboundFrame

	// framesClosed tracks if the frames channel has been closed.
	// This prevents sending to a closed channel which would cause a panic.
	framesClosed atomic.Bool

	// conn is the live websocket; connMu guards the pointer and writes.
	conn   *websocket.Conn
	connMu sync.Mutex

	// connEpoch increments on every new websocket so stale read loops can
	// detect their connection was replaced and exit quietly.
	connEpoch atomic.Int64

	// operatorID is the csId stamped on outbound payloads.
	operatorID   string
	operatorIDMu sync.RWMutex

	connected atomic.Bool

	state atomic.Value // ConnectionState

	// lastAck is the time of the last inbound websocket activity.
	lastAck atomic.Value // time.Time

	missedPings atomic.Int32

	errorCount atomic.Int64

	// reconnectAttempts tracks reconnection tries (thread-safe).
	reconnectAttempts atomic.Int32

	// reconnectGuard prevents multiple concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// connObservers receives connection state changes.
	connObservers   []ConnectionObserver
	connObserversMu sync.Mutex

	// ctx and cancel for lifecycle management.
	ctx    context.Context
	cancel context.CancelFunc

	loopsOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new panel channel instance.
func New(cfg Config, logger *slog.Logger) *RocketGo {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	w := &RocketGo{
		cfg:        cfg,
		logger:     logger.With("component", "rocketgo"),
		api:        newAPIClient(cfg.BaseURL, cfg.HTTPTimeout),
		recognizer: NewOCRRecognizer(cfg.OCRURL),
		frames:     make(chan *channels.InboundFrame, 256),
	}
	w.setState(StateDisconnected)
	w.lastAck.Store(time.Time{})
	return w
}

// Name returns the channel identifier.
func (w *RocketGo) Name() string { return "rocketgo" }

// ---------- State Management ----------

func (w *RocketGo) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *RocketGo) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state (public API).
func (w *RocketGo) GetState() ConnectionState {
	return w.getState()
}

func (w *RocketGo) setOperatorID(id string) {
	w.operatorIDMu.Lock()
	w.operatorID = id
	w.operatorIDMu.Unlock()
}

func (w *RocketGo) getOperatorID() string {
	w.operatorIDMu.RLock()
	defer w.operatorIDMu.RUnlock()
	return w.operatorID
}

// ---------- Connection Observers ----------

// AddConnectionObserver registers an observer for connection state changes.
func (w *RocketGo) AddConnectionObserver(obs ConnectionObserver) {
	w.connObserversMu.Lock()
	w.connObservers = append(w.connObservers, obs)
	w.connObserversMu.Unlock()
}

// notifyConnectionChange fans an event out to all observers. Each observer
// runs in its own goroutine so a slow one cannot stall the connection path.
func (w *RocketGo) notifyConnectionChange(evt ConnectionEvent) {
	w.connObserversMu.Lock()
	observers := make([]ConnectionObserver, len(w.connObservers))
	copy(observers, w.connObservers)
	w.connObserversMu.Unlock()

	for _, obs := range observers {
		go func(o ConnectionObserver) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("rocketgo: connection observer panicked", "panic", r)
				}
			}()
			o.OnConnectionChange(evt)
		}(obs)
	}
}

// transition updates the state and notifies observers in one step.
func (w *RocketGo) transition(state ConnectionState, reason string, details map[string]any) {
	prev := w.getState()
	w.setState(state)
	w.notifyConnectionChange(ConnectionEvent{
		State:     state,
		Previous:  prev,
		Timestamp: time.Now(),
		Reason:    reason,
		Details:   details,
	})
}

// ---------- Lifecycle ----------

// Connect authenticates, dials the websocket, and starts the supervision
// loops. Returns channels.ErrAuthFailed when the login is rejected after all
// captcha attempts and channels.ErrConnectionFailed on transport errors.
func (w *RocketGo) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.establish(w.ctx); err != nil {
		w.transition(StateDisconnected, "connect failed", nil)
		return err
	}

	w.loopsOnce.Do(func() {
		w.wg.Add(2)
		go w.heartbeatLoop()
		go w.restartLoop()
	})
	return nil
}

// establish runs the full login + dial sequence and swaps in the new
// websocket. Used by Connect, the reconnect loop, and the restart timer.
func (w *RocketGo) establish(ctx context.Context) error {
	w.transition(StateConnecting, "", nil)

	w.transition(StateAuthenticating, "", nil)
	if err := w.api.Login(ctx, w.cfg.Username, w.cfg.Password, w.recognizer, w.cfg.CaptchaAttempts); err != nil {
		return err
	}

	operatorID, err := w.api.FetchIdentity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}
	w.setOperatorID(operatorID)

	token, err := w.api.FetchSessionToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}

	wsURL := strings.TrimRight(w.cfg.WSURL, "/") + "/" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing websocket: %v", channels.ErrConnectionFailed, err)
	}

	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	epoch := w.connEpoch.Add(1)
	w.connMu.Unlock()

	w.lastAck.Store(time.Now())
	w.missedPings.Store(0)
	w.reconnectAttempts.Store(0)
	w.connected.Store(true)
	w.transition(StateConnected, "", map[string]any{"operator_id": operatorID})
	w.logger.Info("rocketgo: connected", "operator_id", operatorID)

	w.wg.Add(1)
	go w.readLoop(conn, epoch)

	// Drain after every establish, not only the first connect: messages
	// that arrived during an outage are replayed once the session is back.
	// The pipeline's deduper absorbs any rows that were already delivered.
	if w.cfg.DrainBacklog {
		w.wg.Add(1)
		go w.drainBacklog(ctx)
	}
	return nil
}

// Disconnect gracefully closes the connection and stops all loops.
func (w *RocketGo) Disconnect() error {
	w.logger.Info("rocketgo: disconnecting")
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConn()
	w.wg.Wait()
	w.transition(StateDisconnected, "shutdown", nil)

	// Close the frames channel exactly once so pipeline intake ends.
	if w.framesClosed.CompareAndSwap(false, true) {
		close(w.frames)
	}
	return nil
}

func (w *RocketGo) closeConn() {
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()
}

// ---------- Read Loop ----------

func (w *RocketGo) readLoop(conn *websocket.Conn, epoch int64) {
	defer w.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() != nil || w.framesClosed.Load() {
				return
			}
			if epoch != w.connEpoch.Load() {
				// A newer connection replaced this one.
				return
			}
			w.handleConnectionLoss("read error: " + err.Error())
			return
		}

		// Any inbound traffic acknowledges the heartbeat.
		w.lastAck.Store(time.Now())
		w.missedPings.Store(0)

		text := strings.TrimSpace(string(data))
		if text == "pong" || text == "ping" {
			continue
		}

		frame, err := parseFrame(data, time.Now())
		if err != nil {
			w.errorCount.Add(1)
			w.logger.Debug("rocketgo: dropping undecodable payload", "error", err)
			continue
		}
		if frame != nil {
			w.emitFrame(frame)
		}
	}
}

// emitFrame delivers one frame to the receive channel, dropping with a log
// when the buffer is full so the read loop never blocks.
func (w *RocketGo) emitFrame(frame *channels.InboundFrame) {
	if w.framesClosed.Load() {
		return
	}
	select {
	case w.frames <- frame:
	default:
		w.logger.Warn("rocketgo: frame buffer full, dropping message",
			"user_id", frame.UserID,
			"message_id", frame.ID)
	}
}

// ---------- Reconnection ----------

// handleConnectionLoss flips the channel out of the connected state and
// kicks off the reconnect loop. Safe to call from any goroutine; only the
// first caller wins.
func (w *RocketGo) handleConnectionLoss(reason string) {
	if !w.connected.CompareAndSwap(true, false) {
		return
	}
	w.logger.Warn("rocketgo: connection lost", "reason", reason)
	w.closeConn()
	w.transition(StateReconnecting, reason, nil)
	go w.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff.
// Uses a guard pattern to prevent multiple concurrent reconnection attempts.
// Runs until reconnection succeeds or the channel shuts down.
func (w *RocketGo) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("rocketgo: reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("rocketgo: reconnect cancelled, context done")
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)

		w.logger.Info("rocketgo: attempting reconnect",
			"attempt", attempts,
			"backoff", backoff)
		w.notifyConnectionChange(ConnectionEvent{
			State:     StateReconnecting,
			Previous:  StateReconnecting,
			Timestamp: time.Now(),
			Reason:    "retry",
			Details: map[string]any{
				"attempt":     attempts,
				"backoff_sec": backoff.Seconds(),
			},
		})

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := w.establish(w.ctx); err != nil {
			w.logger.Warn("rocketgo: reconnect failed", "attempt", attempts, "error", err)
			continue
		}
		w.logger.Info("rocketgo: reconnected", "attempts", attempts)
		return
	}
}

// ---------- Sending ----------

// Send delivers one reply segment through the panel HTTP API.
func (w *RocketGo) Send(ctx context.Context, seg *channels.OutboundSegment) error {
	if !w.connected.Load() {
		return channels.ErrNotConnected
	}
	if err := w.api.SendMessage(ctx, w.getOperatorID(), seg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// MarkRead marks one inbound chat-log row as read on the panel.
func (w *RocketGo) MarkRead(ctx context.Context, chatLogID string) error {
	return w.api.SetRead(ctx, chatLogID)
}

// Receive returns the inbound frame stream.
func (w *RocketGo) Receive() <-chan *channels.InboundFrame {
	return w.frames
}

// IsConnected returns true when the websocket session is live.
func (w *RocketGo) IsConnected() bool {
	return w.connected.Load()
}

// Health returns the current channel health.
func (w *RocketGo) Health() channels.HealthStatus {
	lastAck, _ := w.lastAck.Load().(time.Time)
	return channels.HealthStatus{
		Connected:      w.connected.Load(),
		LastActivityAt: lastAck,
		ErrorCount:     int(w.errorCount.Load()),
		Details: map[string]any{
			"state":              string(w.getState()),
			"missed_pings":       w.missedPings.Load(),
			"reconnect_attempts": w.reconnectAttempts.Load(),
		},
	}
}

// ---------- Backlog Drain ----------

// drainBacklog replays unread inbound history through the frame stream so
// messages that arrived while the agent was down still get answered.
func (w *RocketGo) drainBacklog(ctx context.Context) {
	defer w.wg.Done()

	total, err := w.api.UnreadCount(ctx)
	if err != nil {
		w.logger.Warn("rocketgo: unread count failed", "error", err)
		return
	}
	if total == 0 {
		return
	}
	w.logger.Info("rocketgo: draining unread backlog", "unread", total)

	accounts, err := w.api.AccountList(ctx)
	if err != nil {
		w.logger.Warn("rocketgo: account list failed", "error", err)
		return
	}

	for _, acct := range accounts {
		if acct.ReadNum == 0 {
			continue
		}
		friends, err := w.api.FriendList(ctx, acct.Username.String())
		if err != nil {
			w.logger.Warn("rocketgo: friend list failed",
				"account", acct.Username.String(),
				"error", err)
			continue
		}
		for _, friend := range friends {
			if friend.ReadNum == 0 {
				continue
			}
			w.replayConversation(ctx, acct, friend)
		}
	}
}

func (w *RocketGo) replayConversation(ctx context.Context, acct accountRow, friend friendRow) {
	rows, err := w.api.ChatLog(ctx, acct.Username.String(), friend.Username.String(), w.cfg.BacklogPageSize)
	if err != nil {
		w.logger.Warn("rocketgo: chat log failed",
			"account", acct.Username.String(),
			"friend", friend.Username.String(),
			"error", err)
		return
	}

	for _, row := range rows {
		if row.IsSend != 0 || row.IsRead != 0 {
			continue
		}
		frame := &channels.InboundFrame{
			ID:         row.MessageID.String(),
			UserID:     friend.CsChatUserID.String(),
			AccountID:  acct.Username.String(),
			FriendID:   friend.Username.String(),
			ChatLogID:  row.ID.String(),
			Text:       row.ChatContent,
			ReceivedAt: time.Now(),
		}
		if frame.ID == "" {
			frame.ID = row.ID.String()
		}
		classifyContent(&wsSendInfo{ChatContent: row.ChatContent, SMS: row.SMS}, frame)
		w.emitFrame(frame)
	}
}
