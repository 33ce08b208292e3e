package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/ai"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/store"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []ai.Request
	reply *ai.Reply
	err   error
}

func (g *fakeGenerator) Generate(_ context.Context, req ai.Request) (*ai.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []*channels.OutboundSegment
	failAfter int // fail sends at this index and beyond; -1 disables
}

func (s *fakeSender) Send(_ context.Context, seg *channels.OutboundSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.sent) >= s.failAfter {
		return channels.ErrNotConnected
	}
	s.sent = append(s.sent, seg)
	return nil
}

func (s *fakeSender) segments() []*channels.OutboundSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*channels.OutboundSegment(nil), s.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func textFrame(userID, msgID, text string) *channels.InboundFrame {
	return &channels.InboundFrame{
		ID:         msgID,
		UserID:     userID,
		AccountID:  "acct-1",
		FriendID:   "friend-1",
		Kind:       channels.KindText,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func newTestPipeline(t *testing.T, gen *fakeGenerator, sender *fakeSender) (*Pipeline, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.FallbackReply = ""
	p := New(cfg, gen, sender, st, testLogger())
	return p, st
}

func TestHandleSplitsAndDeliversInOrder(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi&&&how are you&&&bye", SessionRef: "sess-1"}}
	sender := &fakeSender{failAfter: -1}
	p, st := newTestPipeline(t, gen, sender)

	p.Handle(context.Background(), textFrame("u1", "m1", "hello"))

	segs := sender.segments()
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	wantTexts := []string{"hi", "how are you", "bye"}
	for i, seg := range segs {
		if seg.Text != wantTexts[i] {
			t.Errorf("segment %d text = %q, want %q", i, seg.Text, wantTexts[i])
		}
		if seg.SequenceIndex != i {
			t.Errorf("segment %d sequence index = %d", i, seg.SequenceIndex)
		}
		if seg.TotalSegments != 3 {
			t.Errorf("segment %d total = %d, want 3", i, seg.TotalSegments)
		}
	}

	conv, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.AISessionRef != "sess-1" {
		t.Errorf("session ref = %q, want sess-1", conv.AISessionRef)
	}
}

func TestHandleSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "hello"}}
	sender := &fakeSender{failAfter: -1}
	p, _ := newTestPipeline(t, gen, sender)

	frame := textFrame("u1", "m1", "hello")
	p.Handle(context.Background(), frame)
	p.Handle(context.Background(), frame)

	if got := gen.callCount(); got != 1 {
		t.Errorf("generator called %d times, want 1", got)
	}
	if got := len(sender.segments()); got != 1 {
		t.Errorf("%d segments sent, want 1", got)
	}
}

func TestHandleRecordsActivityWhenAIFails(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: ai.ErrUnavailable}
	sender := &fakeSender{failAfter: -1}
	p, st := newTestPipeline(t, gen, sender)

	frame := textFrame("u1", "m1", "hello")
	p.Handle(context.Background(), frame)

	if got := len(sender.segments()); got != 0 {
		t.Errorf("%d segments sent after AI failure, want 0", got)
	}
	conv, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("activity not recorded on AI failure: %v", err)
	}
	if conv.LastActivityAt.Unix() != frame.ReceivedAt.Unix() {
		t.Errorf("last activity = %v, want %v", conv.LastActivityAt, frame.ReceivedAt)
	}
}

func TestHandleSendsFallbackOnAIFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: ai.ErrUnavailable}
	sender := &fakeSender{failAfter: -1}
	st := newTestStore(t)
	cfg := DefaultConfig()
	cfg.FallbackReply = "sorry, give me a moment"
	p := New(cfg, gen, sender, st, testLogger())

	p.Handle(context.Background(), textFrame("u1", "m1", "hello"))

	segs := sender.segments()
	if len(segs) != 1 || segs[0].Text != "sorry, give me a moment" {
		t.Fatalf("fallback not delivered, got %v", segs)
	}
}

func TestHandleEndSignalClosesConversation(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "END"}}
	sender := &fakeSender{failAfter: -1}
	p, st := newTestPipeline(t, gen, sender)

	p.Handle(context.Background(), textFrame("u1", "m1", "bye"))

	if got := len(sender.segments()); got != 0 {
		t.Errorf("%d segments sent for end signal, want 0", got)
	}
	conv, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("conversation missing: %v", err)
	}
	if conv.FollowUpCount < DefaultConfig().MaxFollowUps {
		t.Errorf("follow-up count = %d, want saturated at %d", conv.FollowUpCount, DefaultConfig().MaxFollowUps)
	}
}

func TestHandleAbortsReplyOnSendFailure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "a&&&b&&&c"}}
	sender := &fakeSender{failAfter: 1}
	p, _ := newTestPipeline(t, gen, sender)

	p.Handle(context.Background(), textFrame("u1", "m1", "hello"))

	if got := len(sender.segments()); got != 1 {
		t.Errorf("%d segments delivered after mid-reply failure, want 1", got)
	}
}

func TestHandleDiscardsUnsupportedKinds(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "hello"}}
	sender := &fakeSender{failAfter: -1}
	p, st := newTestPipeline(t, gen, sender)

	frame := textFrame("u1", "m1", "")
	frame.Kind = channels.KindFile
	p.Handle(context.Background(), frame)

	if got := gen.callCount(); got != 0 {
		t.Errorf("generator called for file message")
	}
	if _, err := st.Get(context.Background(), "u1"); err == nil {
		t.Error("discarded message still created a conversation")
	}
}

func TestHandleForwardsMediaAttachment(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{reply: &ai.Reply{Text: "nice photo"}}
	sender := &fakeSender{failAfter: -1}
	p, _ := newTestPipeline(t, gen, sender)

	frame := textFrame("u1", "m1", "")
	frame.Kind = channels.KindImage
	frame.MediaURL = "https://cdn.example.com/a.jpg"
	p.Handle(context.Background(), frame)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.calls))
	}
	req := gen.calls[0]
	if len(req.Attachments) != 1 || req.Attachments[0].URL != frame.MediaURL {
		t.Fatalf("attachment not forwarded: %+v", req.Attachments)
	}
	if req.Attachments[0].Type != "image" {
		t.Errorf("attachment type = %q, want image", req.Attachments[0].Type)
	}
}
