package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConversation(t *testing.T, store *Store, id string) Conversation {
	t.Helper()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	temperature := 0.7
	c := Conversation{
		ID:                 id,
		Name:               "test chat",
		ProviderKey:        "openai",
		Model:              "gpt-4o",
		SystemPrompt:       "be brief",
		Temperature:        &temperature,
		MaxContextMessages: 20,
		Stream:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func TestConversationRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	c := testConversation(t, store, "c1")

	got, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Name != c.Name || got.Model != c.Model || !got.Stream {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Fatalf("unexpected temperature %v", got.Temperature)
	}
	if got.TopP != nil {
		t.Fatalf("unset top_p must stay nil, got %v", *got.TopP)
	}

	if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConversationSettings(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	c := testConversation(t, store, "c1")

	c.Model = "gpt-4o-mini"
	c.SystemPrompt = "be verbose"
	c.MaxContextMessages = 4
	c.Stream = false
	c.UpdatedAt = c.UpdatedAt.Add(time.Minute)
	if err := store.UpdateConversationSettings(ctx, c); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	got, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Model != "gpt-4o-mini" || got.SystemPrompt != "be verbose" || got.MaxContextMessages != 4 || got.Stream {
		t.Fatalf("settings not applied: %+v", got)
	}
}

func TestListConversationsHiddenFilter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "visible")
	testConversation(t, store, "hidden")

	if err := store.SetConversationHidden(ctx, "hidden", true); err != nil {
		t.Fatalf("hide conversation: %v", err)
	}
	if err := store.SetConversationStarred(ctx, "visible", true); err != nil {
		t.Fatalf("star conversation: %v", err)
	}

	list, err := store.ListConversations(ctx, false)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 1 || list[0].ID != "visible" || !list[0].Starred {
		t.Fatalf("unexpected visible list %+v", list)
	}

	list, err = store.ListConversations(ctx, true)
	if err != nil {
		t.Fatalf("list all conversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected both conversations, got %+v", list)
	}
}

func TestTurnLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "c1")
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	turn := Turn{
		ID:             "t1",
		ConversationID: "c1",
		Role:           "assistant",
		Generating:     true,
		ProviderKey:    "openai",
		Model:          "gpt-4o",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("insert turn: %v", err)
	}

	generating, err := store.HasGeneratingTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("has generating: %v", err)
	}
	if !generating {
		t.Fatal("expected a generating turn")
	}

	if err := store.UpdateTurnContent(ctx, "t1", "partial te", now.Add(time.Second)); err != nil {
		t.Fatalf("update content: %v", err)
	}

	total := 11
	if err := store.FinalizeTurn(ctx, "t1", "partial text done", "stop", nil, nil, &total, now.Add(2*time.Second)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := store.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if got.Generating {
		t.Fatal("finalized turn still generating")
	}
	if got.Content != "partial text done" {
		t.Fatalf("unexpected content %q", got.Content)
	}
	if got.FinishReason == nil || *got.FinishReason != "stop" {
		t.Fatalf("unexpected finish reason %v", got.FinishReason)
	}
	if got.TotalTokens == nil || *got.TotalTokens != 11 {
		t.Fatalf("unexpected total tokens %v", got.TotalTokens)
	}
	if got.PromptTokens != nil {
		t.Fatal("prompt tokens should stay null")
	}

	generating, err = store.HasGeneratingTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("has generating: %v", err)
	}
	if generating {
		t.Fatal("no generating turn expected after finalize")
	}
}

func TestFailTurnKeepsPartialContent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "c1")
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	turn := Turn{ID: "t1", ConversationID: "c1", Role: "assistant", Generating: true, CreatedAt: now, UpdatedAt: now}
	if err := store.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("insert turn: %v", err)
	}
	if err := store.FailTurn(ctx, "t1", "half an answ", "connection reset", "request_failed", now.Add(time.Second)); err != nil {
		t.Fatalf("fail turn: %v", err)
	}

	got, err := store.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if got.Content != "half an answ" {
		t.Fatalf("partial content lost: %q", got.Content)
	}
	if got.ErrorText == nil || *got.ErrorText != "connection reset" {
		t.Fatalf("unexpected error text %v", got.ErrorText)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "request_failed" {
		t.Fatalf("unexpected error code %v", got.ErrorCode)
	}
	if got.Generating {
		t.Fatal("failed turn still generating")
	}

	if err := store.FailTurn(ctx, "missing", "", "x", "y", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailInterruptedTurnsUnblocksConversation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "c1")
	now := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

	finished := Turn{ID: "t1", ConversationID: "c1", Role: "assistant", Content: "done", CreatedAt: now, UpdatedAt: now}
	orphan := Turn{ID: "t2", ConversationID: "c1", Role: "assistant", Content: "cut off mid", Generating: true, CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second)}
	for _, turn := range []Turn{finished, orphan} {
		if err := store.InsertTurn(ctx, turn); err != nil {
			t.Fatalf("insert %s: %v", turn.ID, err)
		}
	}

	n, err := store.FailInterruptedTurns(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("fail interrupted turns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept turn, got %d", n)
	}

	got, err := store.GetTurn(ctx, "t2")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if got.Generating {
		t.Fatal("orphaned turn still generating")
	}
	if got.Content != "cut off mid" {
		t.Fatalf("partial content lost: %q", got.Content)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "interrupted" {
		t.Fatalf("unexpected error code %v", got.ErrorCode)
	}

	clean, err := store.GetTurn(ctx, "t1")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if clean.ErrorCode != nil || clean.ErrorText != nil {
		t.Fatalf("finished turn must stay untouched: %+v", clean)
	}

	busy, err := store.HasGeneratingTurn(ctx, "c1")
	if err != nil {
		t.Fatalf("has generating turn: %v", err)
	}
	if busy {
		t.Fatal("conversation still blocked after sweep")
	}
}

func TestRecentContextTurnsFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "c1")
	base := time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)
	errText := "boom"

	seed := []Turn{
		{ID: "t1", Role: "user", Content: "q1"},
		{ID: "t2", Role: "assistant", Content: "a1"},
		{ID: "t3", Role: "assistant", Content: "broken", ErrorText: &errText},
		{ID: "t4", Role: "assistant", Content: "", Generating: true},
		{ID: "t5", Role: "user", Content: "q2"},
		{ID: "t6", Role: "assistant", Content: "a2"},
	}
	for i, turn := range seed {
		turn.ConversationID = "c1"
		turn.CreatedAt = base.Add(time.Duration(i) * time.Second)
		turn.UpdatedAt = turn.CreatedAt
		if err := store.InsertTurn(ctx, turn); err != nil {
			t.Fatalf("seed %s: %v", turn.ID, err)
		}
	}

	turns, err := store.RecentContextTurns(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("recent context turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	// Newest first, skipping the errored and the generating turn.
	if turns[0].ID != "t6" || turns[1].ID != "t5" || turns[2].ID != "t2" {
		t.Fatalf("unexpected order: %s %s %s", turns[0].ID, turns[1].ID, turns[2].ID)
	}
}

func TestDeleteConversationRemovesTurns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	testConversation(t, store, "c1")
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	turn := Turn{ID: "t1", ConversationID: "c1", Role: "user", Content: "hello", CreatedAt: now, UpdatedAt: now}
	if err := store.InsertTurn(ctx, turn); err != nil {
		t.Fatalf("insert turn: %v", err)
	}

	if err := store.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := store.GetConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetTurn(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected turns removed, got %v", err)
	}

	if err := store.DeleteConversation(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestProviderProfileUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 13, 0, 0, 0, time.UTC)
	enc := "key1.abc.def"

	p := ProviderProfile{
		Key:       "openai",
		EncAPIKey: &enc,
		BaseURL:   "https://api.openai.com/v1",
		Mode:      "chat",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.UpsertProviderProfile(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p.BaseURL = "https://proxy.internal/v1"
	p.UpdatedAt = now.Add(time.Minute)
	if err := store.UpsertProviderProfile(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetProviderProfile(ctx, "openai")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("upsert did not replace base url: %q", got.BaseURL)
	}
	if got.EncAPIKey == nil || *got.EncAPIKey != enc {
		t.Fatalf("unexpected credential %v", got.EncAPIKey)
	}

	list, err := store.ListProviderProfiles(ctx)
	if err != nil {
		t.Fatalf("list profiles: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one profile, got %d", len(list))
	}

	if err := store.DeleteProviderProfile(ctx, "openai"); err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	if _, err := store.GetProviderProfile(ctx, "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
