// Package pipeline turns inbound frames into delivered replies: it
// classifies the frame, suppresses duplicates, records conversation
// activity, calls the AI backend, splits the reply, and delivers the
// segments in order. Work for one user is serialized; different users run in
// parallel.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/ai"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

// Generator produces one complete reply for a request.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (*ai.Reply, error)
}

// Sender delivers one outbound segment. Satisfied by channels.Channel.
type Sender interface {
	Send(ctx context.Context, seg *channels.OutboundSegment) error
}

// Config holds the pipeline configuration.
type Config struct {
	// Delimiter splits one AI reply into paced segments.
	Delimiter string `yaml:"delimiter"`

	// DedupWindow is how long a message id suppresses redeliveries.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// EndSignal is the exact reply text that closes a conversation
	// instead of being sent.
	EndSignal string `yaml:"end_signal"`

	// FallbackReply, when non-empty, is sent as a single segment after an
	// AI failure.
	FallbackReply string `yaml:"fallback_reply"`

	// MaxFollowUps is the follow-up cap shared with the idle monitor; the
	// end signal saturates a conversation's counter to this value.
	MaxFollowUps int `yaml:"max_follow_ups"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Delimiter:    "&&&",
		DedupWindow:  5 * time.Minute,
		EndSignal:    "END",
		MaxFollowUps: 3,
	}
}

// Pipeline processes inbound frames.
type Pipeline struct {
	cfg    Config
	gen    Generator
	sender Sender
	reader channels.ReadMarker // optional
	store  *store.Store
	locks  *KeyedMutex
	dedup  *deduper
	logger *slog.Logger
}

// New creates a pipeline.
func New(cfg Config, gen Generator, sender Sender, st *store.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Delimiter == "" {
		cfg.Delimiter = def.Delimiter
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.EndSignal == "" {
		cfg.EndSignal = def.EndSignal
	}
	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = def.MaxFollowUps
	}

	return &Pipeline{
		cfg:    cfg,
		gen:    gen,
		sender: sender,
		store:  st,
		locks:  &KeyedMutex{},
		dedup:  newDeduper(cfg.DedupWindow),
		logger: logger.With("component", "pipeline"),
	}
}

// SetReadMarker enables marking processed frames read on the platform.
func (p *Pipeline) SetReadMarker(rm channels.ReadMarker) {
	p.reader = rm
}

// Locks exposes the per-user serialization the idle monitor shares.
func (p *Pipeline) Locks() *KeyedMutex {
	return p.locks
}

// Handle processes one inbound frame end to end. Safe to call concurrently;
// frames for the same user serialize on the keyed lock.
func (p *Pipeline) Handle(ctx context.Context, frame *channels.InboundFrame) {
	unlock := p.locks.Lock(frame.UserID)
	defer unlock()
	defer p.markRead(ctx, frame)

	if p.dedup.Seen(frame.UserID, frame.ID, frame.ReceivedAt) {
		p.logger.Debug("duplicate frame suppressed",
			"user_id", frame.UserID,
			"message_id", frame.ID)
		return
	}

	text, attachments, ok := p.classify(frame)
	if !ok {
		return
	}

	// Record the inbound activity before the AI call so a backend failure
	// still counts as contact from the user.
	conv, err := p.store.Upsert(ctx, frame.UserID, frame.AccountID, frame.FriendID, frame.ReceivedAt)
	if err != nil {
		p.logger.Error("recording conversation activity failed",
			"user_id", frame.UserID,
			"error", err)
		return
	}

	reply, err := p.gen.Generate(ctx, ai.Request{
		UserID:      frame.UserID,
		Text:        text,
		SessionRef:  conv.AISessionRef,
		Attachments: attachments,
	})
	if err != nil {
		p.logger.Warn("generation failed",
			"user_id", frame.UserID,
			"error", err)
		p.sendFallback(ctx, frame)
		return
	}

	if conv.AISessionRef == "" && reply.SessionRef != "" {
		if err := p.store.SetSessionRef(ctx, frame.UserID, reply.SessionRef); err != nil {
			p.logger.Error("persisting session ref failed",
				"user_id", frame.UserID,
				"error", err)
		}
	}

	if strings.TrimSpace(reply.Text) == p.cfg.EndSignal {
		p.logger.Info("conversation closed by end signal", "user_id", frame.UserID)
		if err := p.store.SaturateFollowUps(ctx, frame.UserID, p.cfg.MaxFollowUps); err != nil {
			p.logger.Error("saturating follow-ups failed",
				"user_id", frame.UserID,
				"error", err)
		}
		return
	}

	segments := Split(reply.Text, p.cfg.Delimiter)
	if len(segments) == 0 {
		p.logger.Debug("empty reply, nothing to send", "user_id", frame.UserID)
		return
	}
	if p.deliver(ctx, frame.UserID, frame.AccountID, frame.FriendID, segments) {
		if err := p.store.Touch(ctx, frame.UserID, time.Now()); err != nil {
			p.logger.Error("recording reply activity failed",
				"user_id", frame.UserID,
				"error", err)
		}
	}
}

// classify maps the frame kind to the AI input. Unsupported kinds are
// logged and dropped.
func (p *Pipeline) classify(frame *channels.InboundFrame) (string, []ai.Attachment, bool) {
	switch frame.Kind {
	case channels.KindText, "":
		if strings.TrimSpace(frame.Text) == "" {
			return "", nil, false
		}
		return frame.Text, nil, true
	case channels.KindImage, channels.KindGif:
		return p.mediaQuery(frame, "[image]"), []ai.Attachment{{Type: "image", URL: frame.MediaURL}}, frame.MediaURL != ""
	case channels.KindVideo:
		return p.mediaQuery(frame, "[video]"), []ai.Attachment{{Type: "video", URL: frame.MediaURL}}, frame.MediaURL != ""
	case channels.KindAudio:
		return p.mediaQuery(frame, "[audio]"), []ai.Attachment{{Type: "audio", URL: frame.MediaURL}}, frame.MediaURL != ""
	case channels.KindFile, channels.KindContact, channels.KindSystem:
		p.logger.Info("discarding unsupported message",
			"user_id", frame.UserID,
			"kind", frame.Kind)
		return "", nil, false
	default:
		p.logger.Warn("unknown message kind",
			"user_id", frame.UserID,
			"kind", frame.Kind)
		return "", nil, false
	}
}

func (p *Pipeline) mediaQuery(frame *channels.InboundFrame, placeholder string) string {
	if strings.TrimSpace(frame.Text) != "" {
		return frame.Text
	}
	return placeholder
}

// deliver sends the segments strictly in order; a failed send aborts the
// rest of the reply rather than leaving holes in the middle. Reports whether
// every segment was delivered.
func (p *Pipeline) deliver(ctx context.Context, userID, accountID, friendID string, segments []string) bool {
	for i, text := range segments {
		seg := &channels.OutboundSegment{
			UserID:        userID,
			AccountID:     accountID,
			FriendID:      friendID,
			SequenceIndex: i,
			TotalSegments: len(segments),
			Text:          text,
		}
		if err := p.sender.Send(ctx, seg); err != nil {
			p.logger.Warn("segment delivery failed, aborting reply",
				"user_id", userID,
				"segment", i,
				"of", len(segments),
				"error", err)
			return false
		}
	}
	return true
}

func (p *Pipeline) sendFallback(ctx context.Context, frame *channels.InboundFrame) {
	if p.cfg.FallbackReply == "" {
		return
	}
	seg := &channels.OutboundSegment{
		UserID:        frame.UserID,
		AccountID:     frame.AccountID,
		FriendID:      frame.FriendID,
		SequenceIndex: 0,
		TotalSegments: 1,
		Text:          p.cfg.FallbackReply,
	}
	if err := p.sender.Send(ctx, seg); err != nil {
		p.logger.Warn("fallback delivery failed",
			"user_id", frame.UserID,
			"error", err)
	}
}

func (p *Pipeline) markRead(ctx context.Context, frame *channels.InboundFrame) {
	if p.reader == nil || frame.ChatLogID == "" {
		return
	}
	if err := p.reader.MarkRead(ctx, frame.ChatLogID); err != nil {
		p.logger.Debug("marking message read failed",
			"chat_log_id", frame.ChatLogID,
			"error", err)
	}
}
