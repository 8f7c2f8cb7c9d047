package assistant

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/quilldesk/sheetsense/internal/chat"
	"github.com/quilldesk/sheetsense/internal/completion"
	"github.com/quilldesk/sheetsense/internal/memory"
	"github.com/quilldesk/sheetsense/internal/search"
	"github.com/quilldesk/sheetsense/internal/workbook"
)

// Retriever assembles a context bundle for a user query (allows mocking in tests).
type Retriever interface {
	Retrieve(ctx context.Context, userID, conversationID, query string, snapshot *workbook.Snapshot) (search.Bundle, error)
}

// Options for creating an Assistant.
type Options struct {
	HydrateLimit int // messages to replay when warming a cold conversation
}

const defaultHydrateLimit = 50

// Assistant runs one chat turn end to end: retrieve context, call the
// completion model, persist both sides of the exchange.
type Assistant struct {
	store     *memory.Store
	history   *memory.History
	retriever Retriever
	completer completion.Client
	opts      Options
}

// Reply is the outcome of a single turn.
type Reply struct {
	ConversationID string
	Text           string
	Strategies     []string
	Degraded       []string
}

func New(store *memory.Store, history *memory.History, retriever Retriever, completer completion.Client, opts Options) *Assistant {
	if opts.HydrateLimit <= 0 {
		opts.HydrateLimit = defaultHydrateLimit
	}
	return &Assistant{
		store:     store,
		history:   history,
		retriever: retriever,
		completer: completer,
		opts:      opts,
	}
}

// Turn processes one user message. An empty conversationID starts a new
// conversation titled from the message. Retrieval degradation is logged,
// never surfaced to the caller; only scope violations and completion
// failures abort the turn.
func (a *Assistant) Turn(ctx context.Context, userID, conversationID, text string, snapshot *workbook.Snapshot) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, fmt.Errorf("empty message")
	}
	if userID == "" {
		return Reply{}, memory.ErrScopeViolation
	}

	if conversationID == "" {
		conv, err := a.store.CreateConversation(userID, text)
		if err != nil {
			return Reply{}, fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID
	} else if len(a.history.Window(conversationID)) == 0 {
		if err := a.history.Hydrate(conversationID, userID, a.opts.HydrateLimit); err != nil {
			return Reply{}, fmt.Errorf("hydrate conversation: %w", err)
		}
	}

	bundle, err := a.retriever.Retrieve(ctx, userID, conversationID, text, snapshot)
	if err != nil {
		return Reply{}, fmt.Errorf("retrieve context: %w", err)
	}
	if len(bundle.Degraded) > 0 {
		log.Printf("[assistant] degraded retrieval sources: %v", bundle.Degraded)
	}

	answer, err := a.completer.Complete(ctx, bundle, text)
	if err != nil {
		return Reply{}, fmt.Errorf("complete: %w", err)
	}

	now := time.Now().UTC()
	userMsg := chat.Message{Role: chat.RoleUser, Text: text, Timestamp: now}
	if err := a.history.Append(ctx, conversationID, userID, userMsg); err != nil {
		return Reply{}, fmt.Errorf("append user message: %w", err)
	}
	assistantMsg := chat.Message{Role: chat.RoleAssistant, Text: answer, Timestamp: time.Now().UTC()}
	if err := a.history.Append(ctx, conversationID, userID, assistantMsg); err != nil {
		return Reply{}, fmt.Errorf("append assistant message: %w", err)
	}

	return Reply{
		ConversationID: conversationID,
		Text:           answer,
		Strategies:     bundle.Strategies,
		Degraded:       bundle.Degraded,
	}, nil
}
