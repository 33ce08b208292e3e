// Package monitor periodically scans for idle conversations and sends
// proactive follow-ups, capped per conversation so silent users are not
// nagged forever.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/ai"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/pipeline"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

// Config holds the idle monitor configuration.
type Config struct {
	// Enabled turns the monitor on.
	Enabled bool `yaml:"enabled"`

	// ScanInterval is how often the store is scanned.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// IdleThreshold is how long a conversation must be quiet before a
	// follow-up is due.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// MaxFollowUps caps proactive outreach per conversation.
	MaxFollowUps int `yaml:"max_follow_ups"`

	// Prompt is the query sent to the AI backend for a follow-up.
	Prompt string `yaml:"prompt"`

	// Delimiter and EndSignal mirror the pipeline settings so follow-up
	// replies split and close conversations the same way.
	Delimiter string `yaml:"delimiter"`
	EndSignal string `yaml:"end_signal"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		ScanInterval:  30 * time.Second,
		IdleThreshold: 1 * time.Hour,
		MaxFollowUps:  3,
		Prompt:        "[return_visit]",
		Delimiter:     "&&&",
		EndSignal:     "END",
	}
}

// Monitor runs the idle scan loop.
type Monitor struct {
	cfg    Config
	store  *store.Store
	gen    pipeline.Generator
	sender pipeline.Sender
	locks  *pipeline.KeyedMutex
	logger *slog.Logger

	cron *cron.Cron

	// scanning guards against overlapping scan cycles.
	scanning atomic.Bool
}

// New creates an idle monitor. The keyed locks must be the pipeline's so a
// follow-up never interleaves with a live reply to the same user.
func New(cfg Config, st *store.Store, gen pipeline.Generator, sender pipeline.Sender, locks *pipeline.KeyedMutex, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = def.MaxFollowUps
	}
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = def.Delimiter
	}
	if cfg.EndSignal == "" {
		cfg.EndSignal = def.EndSignal
	}

	return &Monitor{
		cfg:    cfg,
		store:  st,
		gen:    gen,
		sender: sender,
		locks:  locks,
		logger: logger.With("component", "monitor"),
	}
}

// Start schedules the periodic scan.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	schedule := "@every " + m.cfg.ScanInterval.String()
	if _, err := m.cron.AddFunc(schedule, func() { m.Scan(ctx) }); err != nil {
		return fmt.Errorf("scheduling idle scan: %w", err)
	}
	m.cron.Start()
	m.logger.Info("idle monitor started",
		"scan_interval", m.cfg.ScanInterval,
		"idle_threshold", m.cfg.IdleThreshold,
		"max_follow_ups", m.cfg.MaxFollowUps)
	return nil
}

// Stop halts the scheduler and waits for a running scan to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// Scan runs one idle-scan cycle. Overlapping cycles are skipped so a slow
// AI backend cannot double-send follow-ups.
func (m *Monitor) Scan(ctx context.Context) {
	if !m.scanning.CompareAndSwap(false, true) {
		m.logger.Debug("scan already in progress, skipping cycle")
		return
	}
	defer m.scanning.Store(false)

	cutoff := time.Now().Add(-m.cfg.IdleThreshold)
	idle, err := m.store.ScanIdle(ctx, cutoff, m.cfg.MaxFollowUps)
	if err != nil {
		m.logger.Warn("idle scan failed", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}
	m.logger.Debug("idle conversations due for follow-up", "count", len(idle))

	for _, conv := range idle {
		if ctx.Err() != nil {
			return
		}
		m.followUp(ctx, conv.UserID, cutoff)
	}
}

// followUp sends one proactive message to an idle conversation. The counter
// increments only after every segment was delivered, so a disconnected
// channel does not burn a follow-up.
func (m *Monitor) followUp(ctx context.Context, userID string, cutoff time.Time) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	// Re-read under the lock: the user may have replied, or another cycle
	// may have followed up, between the scan and now.
	conv, err := m.store.Get(ctx, userID)
	if err != nil {
		m.logger.Warn("loading conversation failed", "user_id", userID, "error", err)
		return
	}
	if conv.FollowUpCount >= m.cfg.MaxFollowUps || conv.LastActivityAt.After(cutoff) {
		return
	}

	reply, err := m.gen.Generate(ctx, ai.Request{
		UserID:     userID,
		Text:       m.cfg.Prompt,
		SessionRef: conv.AISessionRef,
		Inputs:     map[string]any{"return_visit": 1},
	})
	if err != nil {
		m.logger.Warn("follow-up generation failed", "user_id", userID, "error", err)
		return
	}

	if conv.AISessionRef == "" && reply.SessionRef != "" {
		if err := m.store.SetSessionRef(ctx, userID, reply.SessionRef); err != nil {
			m.logger.Error("persisting session ref failed", "user_id", userID, "error", err)
		}
	}

	if strings.TrimSpace(reply.Text) == m.cfg.EndSignal {
		m.logger.Info("conversation closed by end signal during follow-up", "user_id", userID)
		if err := m.store.SaturateFollowUps(ctx, userID, m.cfg.MaxFollowUps); err != nil {
			m.logger.Error("saturating follow-ups failed", "user_id", userID, "error", err)
		}
		return
	}

	segments := pipeline.Split(reply.Text, m.cfg.Delimiter)
	if len(segments) == 0 {
		return
	}

	for i, text := range segments {
		seg := &channels.OutboundSegment{
			UserID:        userID,
			AccountID:     conv.AccountID,
			FriendID:      conv.FriendID,
			SequenceIndex: i,
			TotalSegments: len(segments),
			Text:          text,
		}
		if err := m.sender.Send(ctx, seg); err != nil {
			m.logger.Warn("follow-up delivery failed, counter not advanced",
				"user_id", userID,
				"segment", i,
				"error", err)
			return
		}
	}

	if err := m.store.IncrementFollowUp(ctx, userID, time.Now()); err != nil {
		m.logger.Error("incrementing follow-up failed", "user_id", userID, "error", err)
		return
	}
	m.logger.Info("follow-up sent",
		"user_id", userID,
		"count", conv.FollowUpCount+1,
		"segments", len(segments))
}
