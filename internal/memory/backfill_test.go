package memory

import (
	"context"
	"testing"
)

func TestBackfillEmbeddings(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.CreateConversation("user-1", "backfill test")
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		chunk := Chunk{
			ConversationID: conv.ID,
			UserID:         "user-1",
			Text:           "some unembedded chunk text",
			Difficulty:     DifficultyBasic,
		}
		if err := store.InsertChunk(&chunk); err != nil {
			t.Fatalf("InsertChunk failed: %v", err)
		}
	}

	embedder := &fakeEmbedder{}
	updated, err := store.BackfillEmbeddings(context.Background(), embedder, "test-model", 2)
	if err != nil {
		t.Fatalf("BackfillEmbeddings failed: %v", err)
	}
	if updated != 5 {
		t.Fatalf("expected 5 updated, got %d", updated)
	}

	missing, err := store.MissingEmbeddings(10)
	if err != nil {
		t.Fatalf("MissingEmbeddings failed: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no missing chunks, got %d", len(missing))
	}

	// Second run is a no-op.
	updated, err = store.BackfillEmbeddings(context.Background(), embedder, "test-model", 2)
	if err != nil {
		t.Fatalf("BackfillEmbeddings failed: %v", err)
	}
	if updated != 0 {
		t.Fatalf("expected idempotent second run, got %d updates", updated)
	}
}

func TestBackfillWithoutEmbedderIsNoop(t *testing.T) {
	store := newTestStore(t)
	updated, err := store.BackfillEmbeddings(context.Background(), nil, "", 10)
	if err != nil || updated != 0 {
		t.Fatalf("expected silent no-op, got updated=%d err=%v", updated, err)
	}
}
