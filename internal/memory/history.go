package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quilldesk/sheetsense/internal/chat"
)

const (
	defaultWindowTokenBudget = 2000
	defaultEmbedQueueSize    = 64
)

// HistoryOptions configure the per-conversation verbatim window and
// the deferred embedding of evicted material.
type HistoryOptions struct {
	WindowTokenBudget int
	EmbedQueueSize    int
	EmbedTimeout      time.Duration
	EmbeddingModel    string
}

// History tracks a verbatim message window per conversation. Appends
// are synchronous: the message is persisted and the window updated
// before return. Material evicted from the window collects in a
// pending buffer; once the buffer reaches a closable size it is
// chunked, stored, and queued for embedding off the caller's path.
type History struct {
	store    *Store
	chunker  *Chunker
	embedder Embedder
	opts     HistoryOptions

	mu     sync.Mutex
	states map[string]*convState

	tasks     chan Chunk
	workerWG  sync.WaitGroup
	closeOnce sync.Once
}

type convState struct {
	mu            sync.Mutex
	userID        string
	window        []chat.Message
	windowTokens  int
	pending       []chat.Message
	pendingTokens int
}

func NewHistory(store *Store, chunker *Chunker, embedder Embedder, opts HistoryOptions) *History {
	if opts.WindowTokenBudget <= 0 {
		opts.WindowTokenBudget = defaultWindowTokenBudget
	}
	if opts.EmbedQueueSize <= 0 {
		opts.EmbedQueueSize = defaultEmbedQueueSize
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = defaultEmbeddingTimeout
	}

	h := &History{
		store:    store,
		chunker:  chunker,
		embedder: embedder,
		opts:     opts,
		states:   make(map[string]*convState),
		tasks:    make(chan Chunk, opts.EmbedQueueSize),
	}
	h.workerWG.Add(1)
	go h.embedWorker()
	return h
}

// Close stops the embedding worker after draining queued chunks.
func (h *History) Close() {
	h.closeOnce.Do(func() {
		close(h.tasks)
	})
	h.workerWG.Wait()
}

func (h *History) state(conversationID, userID string) *convState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[conversationID]
	if !ok {
		st = &convState{userID: userID}
		h.states[conversationID] = st
	}
	return st
}

// Append persists the message and slides the verbatim window. Eviction
// and chunk closing happen inline; embedding never does. The
// conversation lock spans both the persist and the window update so
// racing appends keep the store and the window in the same order.
func (h *History) Append(ctx context.Context, conversationID, userID string, msg chat.Message) error {
	st := h.state(conversationID, userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := h.store.AppendMessage(conversationID, userID, msg); err != nil {
		return fmt.Errorf("history append: %w", err)
	}

	st.window = append(st.window, msg)
	st.windowTokens += chat.EstimateTokens(msg.Text)

	for len(st.window) > 0 && st.windowTokens > h.opts.WindowTokenBudget {
		oldest := st.window[0]
		st.window = st.window[1:]
		tokens := chat.EstimateTokens(oldest.Text)
		st.windowTokens -= tokens
		st.pending = append(st.pending, oldest)
		st.pendingTokens += tokens
	}

	if st.pendingTokens >= h.chunker.MaxTokens() {
		h.closePending(conversationID, userID, st)
	}
	return nil
}

// closePending chunks the pending buffer and hands each stored chunk
// to the embedding queue. Called with the conversation state locked.
func (h *History) closePending(conversationID, userID string, st *convState) {
	chunks := h.chunker.Split(conversationID, userID, st.pending)
	st.pending = nil
	st.pendingTokens = 0

	for i := range chunks {
		if err := h.store.InsertChunk(&chunks[i]); err != nil {
			log.Printf("[history] store chunk failed conversation=%s: %v", conversationID, err)
			continue
		}
		select {
		case h.tasks <- chunks[i]:
		default:
			// Queue full. The chunk is persisted unembedded and the
			// backfill sweep picks it up later.
			log.Printf("[history] embed queue full, deferring chunk %s to backfill", chunks[i].ID)
		}
	}
}

// Window returns the conversation's verbatim messages in order. It
// never touches storage.
func (h *History) Window(conversationID string) []chat.Message {
	h.mu.Lock()
	st, ok := h.states[conversationID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]chat.Message, len(st.window))
	copy(out, st.window)
	return out
}

// WindowTokens reports the current token estimate of the window.
func (h *History) WindowTokens(conversationID string) int {
	h.mu.Lock()
	st, ok := h.states[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.windowTokens
}

// Hydrate seeds the window from stored messages, for conversations
// resumed after a restart. Existing window state is kept as is.
func (h *History) Hydrate(conversationID, userID string, limit int) error {
	st := h.state(conversationID, userID)
	st.mu.Lock()
	if len(st.window) > 0 {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	messages, err := h.store.RecentMessages(conversationID, userID, limit)
	if err != nil {
		return fmt.Errorf("hydrate window: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.window) > 0 {
		return nil
	}
	for _, msg := range messages {
		st.window = append(st.window, msg)
		st.windowTokens += chat.EstimateTokens(msg.Text)
	}
	for len(st.window) > 0 && st.windowTokens > h.opts.WindowTokenBudget {
		st.windowTokens -= chat.EstimateTokens(st.window[0].Text)
		st.window = st.window[1:]
	}
	return nil
}

func (h *History) embedWorker() {
	defer h.workerWG.Done()
	for chunk := range h.tasks {
		h.embedChunk(chunk)
	}
}

func (h *History) embedChunk(chunk Chunk) {
	if h.embedder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.EmbedTimeout)
	defer cancel()

	vector, err := h.embedder.Embed(ctx, chunk.Text)
	if err != nil {
		log.Printf("[history] embed chunk %s failed, left for backfill: %v", chunk.ID, err)
		return
	}
	rec := EmbeddingRecord{
		ChunkID: chunk.ID,
		UserID:  chunk.UserID,
		Model:   h.opts.EmbeddingModel,
		Dim:     len(vector),
		Vector:  vector,
	}
	if err := h.store.StoreEmbedding(rec); err != nil {
		log.Printf("[history] store embedding for chunk %s failed: %v", chunk.ID, err)
	}
}
