package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/ai"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels/rocketgo"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/monitor"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/pipeline"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

// Bot owns every component and the run loop.
type Bot struct {
	cfg    *Config
	logger *slog.Logger

	channel *rocketgo.RocketGo
	store   *store.Store
	pipe    *pipeline.Pipeline
	mon     *monitor.Monitor

	// wg tracks in-flight frame handlers for the shutdown grace period.
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires all components from the configuration.
func New(cfg *Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}
	cfg.normalize()
	ResolveSecrets(cfg, logger)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	channel := rocketgo.New(cfg.Channel, logger)
	aiClient := ai.NewClient(cfg.AI, logger)

	pipe := pipeline.New(cfg.Pipeline, aiClient, channel, st, logger)
	pipe.SetReadMarker(channel)

	mon := monitor.New(cfg.Monitor, st, aiClient, channel, pipe.Locks(), logger)

	b := &Bot{
		cfg:     cfg,
		logger:  logger.With("component", "bot"),
		channel: channel,
		store:   st,
		pipe:    pipe,
		mon:     mon,
	}
	channel.AddConnectionObserver(&connectionLogger{logger: b.logger})
	return b, nil
}

// Store exposes the conversation store for CLI inspection commands.
func (b *Bot) Store() *store.Store {
	return b.store
}

// Run connects the channel and processes frames until the context is
// cancelled, then shuts down gracefully. The initial connect is retried with
// the same capped backoff the reconnect loop uses, so an unreachable panel at
// boot never kills the process; transport failures after the first connect
// are handled by the channel's reconnect loop.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	if err := b.connectWithBackoff(); err != nil {
		// Shutdown was requested before the panel ever came up.
		return b.shutdown()
	}

	if b.cfg.Monitor.Enabled {
		if err := b.mon.Start(b.ctx); err != nil {
			b.shutdown()
			return fmt.Errorf("starting idle monitor: %w", err)
		}
	}

	b.logger.Info("bot running")

	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		b.intake()
	}()

	select {
	case <-b.ctx.Done():
	case <-intakeDone:
	}
	return b.shutdown()
}

// connectWithBackoff retries the initial connect until it succeeds or the
// run context is cancelled. Backoff grows linearly from the channel's
// reconnect backoff, capped at five minutes, matching the reconnect loop.
func (b *Bot) connectWithBackoff() error {
	base := b.cfg.Channel.ReconnectBackoff
	if base <= 0 {
		base = 5 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := b.channel.Connect(b.ctx)
		if err == nil {
			return nil
		}

		backoff := min(base*time.Duration(attempt), 5*time.Minute)
		b.logger.Warn("connect failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// intake dispatches frames to one serial queue per user: frames for the
// same user are handled strictly in receipt order while different users run
// in parallel.
func (b *Bot) intake() {
	queues := make(map[string]chan *channels.InboundFrame)
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for frame := range b.channel.Receive() {
		if b.ctx.Err() != nil {
			return
		}
		q, ok := queues[frame.UserID]
		if !ok {
			q = make(chan *channels.InboundFrame, 32)
			queues[frame.UserID] = q
			b.wg.Add(1)
			go b.userWorker(q)
		}
		select {
		case q <- frame:
		default:
			b.logger.Warn("user queue full, dropping frame",
				"user_id", frame.UserID,
				"message_id", frame.ID)
		}
	}
}

// userWorker drains one user's queue until intake closes it.
func (b *Bot) userWorker(q chan *channels.InboundFrame) {
	defer b.wg.Done()
	for frame := range q {
		b.pipe.Handle(b.ctx, frame)
	}
}

// shutdown stops intake, waits for in-flight replies up to the grace
// period, and releases every resource.
func (b *Bot) shutdown() error {
	b.logger.Info("shutting down", "grace", b.cfg.ShutdownGrace)

	b.mon.Stop()
	b.channel.Disconnect()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownGrace):
		b.logger.Warn("shutdown grace elapsed with work still in flight")
	}

	b.cancel()
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	b.logger.Info("shutdown complete")
	return nil
}

// connectionLogger is the default connection observer: it logs every state
// transition so an unattended run leaves a usable trail.
type connectionLogger struct {
	logger *slog.Logger
}

func (o *connectionLogger) OnConnectionChange(evt rocketgo.ConnectionEvent) {
	attrs := []any{
		"state", evt.State,
		"previous", evt.Previous,
	}
	if evt.Reason != "" {
		attrs = append(attrs, "reason", evt.Reason)
	}
	o.logger.Info("connection state changed", attrs...)
}
