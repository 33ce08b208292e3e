package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsertAndGet(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	conv, err := st.Upsert(ctx, "u1", "acct", "friend", now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if conv.UserID != "u1" || conv.AccountID != "acct" || conv.FriendID != "friend" {
		t.Errorf("unexpected row: %+v", conv)
	}
	if conv.FollowUpCount != 0 {
		t.Errorf("new conversation follow-up count = %d", conv.FollowUpCount)
	}

	// Second upsert refreshes activity, keeps the row.
	later := now.Add(time.Hour)
	conv2, err := st.Upsert(ctx, "u1", "acct", "friend", later)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if conv2.LastActivityAt.Unix() != later.Unix() {
		t.Errorf("activity not refreshed: %v", conv2.LastActivityAt)
	}
	if !conv2.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("created_at changed on upsert")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetSessionRefWritesOnce(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Upsert(ctx, "u1", "a", "f", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSessionRef(ctx, "u1", "sess-1"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	// Second write with a different value is ignored.
	if err := st.SetSessionRef(ctx, "u1", "sess-2"); err != nil {
		t.Fatalf("second set: %v", err)
	}

	conv, err := st.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.AISessionRef != "sess-1" {
		t.Errorf("session ref = %q, want sess-1", conv.AISessionRef)
	}
}

func TestSetSessionRefMissingConversation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if err := st.SetSessionRef(context.Background(), "nope", "sess"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementAndSaturateFollowUps(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Upsert(ctx, "u1", "a", "f", time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := st.IncrementFollowUp(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("increment: %v", err)
	}
	conv, _ := st.Get(ctx, "u1")
	if conv.FollowUpCount != 1 {
		t.Errorf("count = %d, want 1", conv.FollowUpCount)
	}

	if err := st.SaturateFollowUps(ctx, "u1", 5); err != nil {
		t.Fatalf("saturate: %v", err)
	}
	conv, _ = st.Get(ctx, "u1")
	if conv.FollowUpCount != 5 {
		t.Errorf("count = %d, want 5", conv.FollowUpCount)
	}

	// Saturating below the current count never lowers it.
	if err := st.SaturateFollowUps(ctx, "u1", 2); err != nil {
		t.Fatal(err)
	}
	conv, _ = st.Get(ctx, "u1")
	if conv.FollowUpCount != 5 {
		t.Errorf("count lowered to %d", conv.FollowUpCount)
	}
}

func TestScanIdle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Old and under the cap: due.
	if _, err := st.Upsert(ctx, "idle", "a", "f", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Recent: not due.
	if _, err := st.Upsert(ctx, "active", "a", "f", now); err != nil {
		t.Fatal(err)
	}
	// Old but capped out: not due.
	if _, err := st.Upsert(ctx, "capped", "a", "f", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.SaturateFollowUps(ctx, "capped", 3); err != nil {
		t.Fatal(err)
	}

	due, err := st.ScanIdle(ctx, now.Add(-time.Hour), 3)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "idle" {
		t.Fatalf("scan returned %d rows (%+v), want only 'idle'", len(due), due)
	}
}

func TestListOrdersByActivity(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := st.Upsert(ctx, id, "acct", "f", now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := st.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("list returned %d rows", len(convs))
	}
	if convs[0].UserID != "c" || convs[2].UserID != "a" {
		t.Errorf("unexpected order: %s, %s, %s", convs[0].UserID, convs[1].UserID, convs[2].UserID)
	}
}

func TestTouchMissingConversation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if err := st.Touch(context.Background(), "nope", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
