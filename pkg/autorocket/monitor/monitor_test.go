package monitor

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
	"github.com/huihuaAI/auto-rocket/pkg/autorocket/pipeline"
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

type fakeSender struct {
	mu   sync.Mutex
	sent []*channels.OutboundSegment
	err  error
}

func (s *fakeSender) Send(_ context.Context, seg *channels.OutboundSegment) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.sent = append(s.sent, seg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestMonitor(t *testing.T, st *store.Store, gen *fakeGenerator, sender *fakeSender) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IdleThreshold = time.Hour
	cfg.MaxFollowUps = 3
	return New(cfg, st, gen, sender, &pipeline.KeyedMutex{}, testLogger())
}

func seedIdle(t *testing.T, st *store.Store, userID string, age time.Duration) {
	t.Helper()
	if _, err := st.Upsert(context.Background(), userID, "acct", "friend", time.Now().Add(-age)); err != nil {
		t.Fatal(err)
	}
}

func TestScanFollowsUpIdleConversation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "still there?&&&happy to help"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	m.Scan(context.Background())

	if got := sender.count(); got != 2 {
		t.Fatalf("%d segments sent, want 2", got)
	}
	conv, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.FollowUpCount != 1 {
		t.Errorf("follow-up count = %d, want 1", conv.FollowUpCount)
	}
	if time.Since(conv.LastActivityAt) > time.Minute {
		t.Errorf("activity not touched after follow-up: %v", conv.LastActivityAt)
	}
}

func TestScanSkipsRecentConversations(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 10*time.Minute)
	m.Scan(context.Background())

	if got := sender.count(); got != 0 {
		t.Errorf("%d segments sent to a recent conversation", got)
	}
}

func TestScanRespectsFollowUpCap(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	if err := st.SaturateFollowUps(context.Background(), "u1", 3); err != nil {
		t.Fatal(err)
	}

	m.Scan(context.Background())

	if got := sender.count(); got != 0 {
		t.Errorf("%d segments sent past the cap", got)
	}
}

func TestRepeatedScansDoNotDoubleSend(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	for range 5 {
		m.Scan(context.Background())
	}

	// The first follow-up touches activity, so the conversation is no
	// longer idle for the remaining scans.
	if got := sender.count(); got != 1 {
		t.Errorf("%d segments sent across repeated scans, want 1", got)
	}
	conv, _ := st.Get(context.Background(), "u1")
	if conv.FollowUpCount != 1 {
		t.Errorf("follow-up count = %d, want 1", conv.FollowUpCount)
	}
}

func TestSendFailureSkipsIncrement(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi"}}
	sender := &fakeSender{err: channels.ErrNotConnected}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	m.Scan(context.Background())

	conv, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.FollowUpCount != 0 {
		t.Errorf("follow-up count advanced to %d on send failure", conv.FollowUpCount)
	}
}

func TestGenerationFailureSkipsConversation(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{err: ai.ErrUnavailable}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	m.Scan(context.Background())

	if got := sender.count(); got != 0 {
		t.Errorf("%d segments sent after generation failure", got)
	}
	conv, _ := st.Get(context.Background(), "u1")
	if conv.FollowUpCount != 0 {
		t.Errorf("follow-up count advanced to %d", conv.FollowUpCount)
	}
}

func TestEndSignalDuringFollowUpSaturates(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "END"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	m.Scan(context.Background())

	if got := sender.count(); got != 0 {
		t.Errorf("%d segments sent for end signal", got)
	}
	conv, _ := st.Get(context.Background(), "u1")
	if conv.FollowUpCount != 3 {
		t.Errorf("follow-up count = %d, want saturated at 3", conv.FollowUpCount)
	}
}

func TestFollowUpRequestCarriesReturnVisitFlag(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	gen := &fakeGenerator{reply: &ai.Reply{Text: "hi"}}
	sender := &fakeSender{}
	m := newTestMonitor(t, st, gen, sender)

	seedIdle(t, st, "u1", 2*time.Hour)
	m.Scan(context.Background())

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.calls) != 1 {
		t.Fatalf("generator called %d times", len(gen.calls))
	}
	if gen.calls[0].Inputs["return_visit"] != 1 {
		t.Errorf("return_visit flag missing: %v", gen.calls[0].Inputs)
	}
}
