package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/site-safety/backend/internal/model/session"
)

func newSession(id string) *session.Session {
	return &session.Session{
		ID:       id,
		Image:    session.Image{Data: []byte{1, 2, 3}, MIMEType: "image/png", Width: 1, Height: 1},
		Analysis: session.Analysis{Keywords: []string{"no helmet"}, Description: "desc"},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if got.Analysis.Keywords[0] != "no helmet" {
		t.Fatalf("unexpected keywords: %v", got.Analysis.Keywords)
	}
	if got.LastActiveAt.IsZero() {
		t.Fatal("expected LastActiveAt to be set")
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if err := store.Create(ctx, newSession("s1")); !errors.Is(err, session.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSession("s1"))

	got, _ := store.Get(ctx, "s1")
	got.Analysis.Keywords[0] = "mutated"
	got.Conversation = append(got.Conversation, session.Turn{Role: session.RoleUser, Content: "x"})

	again, _ := store.Get(ctx, "s1")
	if again.Analysis.Keywords[0] != "no helmet" {
		t.Fatalf("analysis leaked mutation: %v", again.Analysis.Keywords)
	}
	if len(again.Conversation) != 0 {
		t.Fatalf("conversation leaked mutation: %v", again.Conversation)
	}
}

func TestMemoryStoreAppendPreservesOrder(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSession("s1"))

	for i, msg := range []string{"a", "b"} {
		err := store.Append(ctx, "s1", 2*i,
			session.Turn{Role: session.RoleUser, Content: msg},
			session.Turn{Role: session.RoleAssistant, Content: "re:" + msg},
		)
		if err != nil {
			t.Fatalf("Append err: %v", err)
		}
	}

	got, _ := store.Get(ctx, "s1")
	want := []string{"a", "re:a", "b", "re:b"}
	if len(got.Conversation) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(got.Conversation))
	}
	for i, turn := range got.Conversation {
		if turn.Content != want[i] {
			t.Fatalf("turn %d: got %q want %q", i, turn.Content, want[i])
		}
	}
}

func TestMemoryStoreAppendUnknown(t *testing.T) {
	store := session.NewMemoryStore()
	err := store.Append(context.Background(), "missing", 0, session.Turn{Role: session.RoleUser, Content: "x"})
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreAppendRejectsStaleLength(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSession("s1"))

	if err := store.Append(ctx, "s1", 0, session.Turn{Role: session.RoleUser, Content: "a"}); err != nil {
		t.Fatalf("Append err: %v", err)
	}
	err := store.Append(ctx, "s1", 0, session.Turn{Role: session.RoleUser, Content: "b"})
	if !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := store.Get(ctx, "s1")
	if len(got.Conversation) != 1 || got.Conversation[0].Content != "a" {
		t.Fatalf("conflicting append must not write, got %v", got.Conversation)
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newSession("s1"))

	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, "s1"); err != nil {
			t.Fatalf("Delete #%d err: %v", i+1, err)
		}
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()

	stale := newSession("stale")
	stale.LastActiveAt = time.Now().Add(-2 * time.Hour)
	_ = store.Create(ctx, stale)
	_ = store.Create(ctx, newSession("fresh"))

	removed, err := store.Sweep(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sweep err: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", store.Len())
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session missing: %v", err)
	}
}
