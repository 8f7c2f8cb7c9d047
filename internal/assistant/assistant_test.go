package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quilldesk/sheetsense/internal/chat"
	"github.com/quilldesk/sheetsense/internal/memory"
	"github.com/quilldesk/sheetsense/internal/search"
	"github.com/quilldesk/sheetsense/internal/workbook"
)

type stubRetriever struct {
	bundle       search.Bundle
	err          error
	lastConvID   string
	lastQuery    string
	lastSnapshot *workbook.Snapshot
}

func (s *stubRetriever) Retrieve(_ context.Context, _, conversationID, query string, snapshot *workbook.Snapshot) (search.Bundle, error) {
	s.lastConvID = conversationID
	s.lastQuery = query
	s.lastSnapshot = snapshot
	return s.bundle, s.err
}

type stubCompleter struct {
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(_ context.Context, _ search.Bundle, _ string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func newFixture(t *testing.T) (*memory.Store, *memory.History) {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "assistant.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	history := memory.NewHistory(store, memory.NewChunker(memory.ChunkerOptions{}), nil, memory.HistoryOptions{})
	t.Cleanup(history.Close)
	return store, history
}

func TestTurnNewConversation(t *testing.T) {
	store, history := newFixture(t)
	retriever := &stubRetriever{bundle: search.Bundle{
		Strategies: []string{"verbatim_history", "catalog_match"},
		Degraded:   []string{"semantic_match"},
	}}
	completer := &stubCompleter{reply: "Use SUMIF for conditional totals."}

	a := New(store, history, retriever, completer, Options{})
	reply, err := a.Turn(context.Background(), "user-1", "", "how do I sum matching rows?", nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.ConversationID == "" {
		t.Fatal("expected a new conversation id")
	}
	if reply.Text != completer.reply {
		t.Fatalf("reply text = %q", reply.Text)
	}
	if len(reply.Degraded) != 1 || reply.Degraded[0] != "semantic_match" {
		t.Fatalf("degraded = %v", reply.Degraded)
	}
	if retriever.lastConvID != reply.ConversationID {
		t.Fatalf("retriever saw conversation %q, want %q", retriever.lastConvID, reply.ConversationID)
	}

	msgs, err := store.RecentMessages(reply.ConversationID, "user-1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if window := history.Window(reply.ConversationID); len(window) != 2 {
		t.Fatalf("window has %d messages, want 2", len(window))
	}
}

func TestTurnHydratesColdConversation(t *testing.T) {
	store, _ := newFixture(t)
	conv, err := store.CreateConversation("user-1", "earlier question")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	earlier := []chat.Message{
		{Role: chat.RoleUser, Text: "earlier question", Timestamp: time.Now().UTC()},
		{Role: chat.RoleAssistant, Text: "earlier answer", Timestamp: time.Now().UTC()},
	}
	for _, msg := range earlier {
		if err := store.AppendMessage(conv.ID, "user-1", msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Fresh history simulates a restart: the window starts empty.
	history := memory.NewHistory(store, memory.NewChunker(memory.ChunkerOptions{}), nil, memory.HistoryOptions{})
	t.Cleanup(history.Close)

	a := New(store, history, &stubRetriever{}, &stubCompleter{reply: "ok"}, Options{})
	reply, err := a.Turn(context.Background(), "user-1", conv.ID, "follow-up", nil)
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.ConversationID != conv.ID {
		t.Fatalf("conversation id = %q, want %q", reply.ConversationID, conv.ID)
	}

	window := history.Window(conv.ID)
	if len(window) != 4 {
		t.Fatalf("window has %d messages, want 4 (2 hydrated + 2 new)", len(window))
	}
	if window[0].Text != "earlier question" {
		t.Fatalf("window[0] = %q", window[0].Text)
	}
}

func TestTurnCompletionFailureLeavesHistoryUntouched(t *testing.T) {
	store, history := newFixture(t)
	conv, err := store.CreateConversation("user-1", "hello")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	completer := &stubCompleter{err: errors.New("model unavailable")}
	a := New(store, history, &stubRetriever{}, completer, Options{})
	if _, err := a.Turn(context.Background(), "user-1", conv.ID, "hello", nil); err == nil {
		t.Fatal("expected completion error")
	}

	msgs, err := store.RecentMessages(conv.ID, "user-1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("persisted %d messages after failed turn, want 0", len(msgs))
	}
}

func TestTurnRejectsMissingUser(t *testing.T) {
	store, history := newFixture(t)
	a := New(store, history, &stubRetriever{}, &stubCompleter{reply: "ok"}, Options{})
	if _, err := a.Turn(context.Background(), "", "", "hi", nil); !errors.Is(err, memory.ErrScopeViolation) {
		t.Fatalf("err = %v, want ErrScopeViolation", err)
	}
}

func TestTurnRejectsEmptyMessage(t *testing.T) {
	store, history := newFixture(t)
	a := New(store, history, &stubRetriever{}, &stubCompleter{reply: "ok"}, Options{})
	if _, err := a.Turn(context.Background(), "user-1", "", "   ", nil); err == nil {
		t.Fatal("expected error for blank message")
	}
}
