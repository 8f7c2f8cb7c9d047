package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quilldesk/sheetsense/internal/catalog"
	"github.com/quilldesk/sheetsense/internal/chat"
	"github.com/quilldesk/sheetsense/internal/memory"
	"github.com/quilldesk/sheetsense/internal/workbook"
)

const (
	defaultCatalogLimit       = 5
	defaultSemanticLimit      = 5
	defaultContextTokenBudget = 1500
	defaultQueryTimeout       = 5 * time.Second

	// Symbol facts carry a fixed relevance: below an exact catalog
	// hit, above description-only matches.
	symbolFactScore = 75
)

// Options tune the per-turn retrieval.
type Options struct {
	CatalogLimit       int
	SemanticLimit      int
	ContextTokenBudget int
	QueryTimeout       time.Duration
}

// Orchestrator runs the independent context lookups for one turn and
// merges them into a single ordered bundle. Catalog, symbol and vector
// lookups execute concurrently; each failure degrades its own group to
// empty. Only losing the verbatim history source, or a tenant scope
// violation, fails the turn.
type Orchestrator struct {
	history  *memory.History
	store    *memory.Store
	embedder memory.Embedder
	catalog  *catalog.Catalog
	opts     Options
}

func NewOrchestrator(history *memory.History, store *memory.Store, embedder memory.Embedder, cat *catalog.Catalog, opts Options) *Orchestrator {
	if opts.CatalogLimit <= 0 {
		opts.CatalogLimit = defaultCatalogLimit
	}
	if opts.SemanticLimit <= 0 {
		opts.SemanticLimit = defaultSemanticLimit
	}
	if opts.ContextTokenBudget <= 0 {
		opts.ContextTokenBudget = defaultContextTokenBudget
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return &Orchestrator{history: history, store: store, embedder: embedder, catalog: cat, opts: opts}
}

// Retrieve assembles the context bundle for a user query. The verbatim
// window is always present and never truncated; everything else
// competes for the remaining token budget.
func (o *Orchestrator) Retrieve(ctx context.Context, userID, conversationID, query string, snapshot *workbook.Snapshot) (Bundle, error) {
	if o.history == nil {
		return Bundle{}, fmt.Errorf("retrieve: history source unavailable")
	}

	window := o.history.Window(conversationID)
	verbatim := verbatimFragments(window)

	var (
		wg          sync.WaitGroup
		symbolFrags []Fragment
		symbolErr   error
		catFrags    []Fragment
		catErr      error
		semFrags    []Fragment
		semErr      error
	)

	if snapshot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			symbolFrags, symbolErr = o.symbolFacts(query, snapshot)
		}()
	}

	if o.catalog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			catFrags, catErr = o.catalogMatches(query)
		}()
	}

	if o.store != nil && o.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			semFrags, semErr = o.semanticMatches(ctx, userID, query)
		}()
	}

	wg.Wait()

	for _, err := range []error{symbolErr, catErr, semErr} {
		if errors.Is(err, memory.ErrScopeViolation) {
			return Bundle{}, fmt.Errorf("retrieve: %w", err)
		}
	}

	bundle := Bundle{}
	if symbolErr != nil {
		log.Printf("[search] symbol facts degraded: %v", symbolErr)
		bundle.Degraded = append(bundle.Degraded, ProvenanceSymbolFact)
		symbolFrags = nil
	}
	if catErr != nil {
		log.Printf("[search] catalog search degraded: %v", catErr)
		bundle.Degraded = append(bundle.Degraded, ProvenanceCatalogMatch)
		catFrags = nil
	}
	if semErr != nil {
		log.Printf("[search] semantic search degraded: %v", semErr)
		bundle.Degraded = append(bundle.Degraded, ProvenanceSemanticMatch)
		semFrags = nil
	}

	scored := make([]Fragment, 0, len(symbolFrags)+len(catFrags)+len(semFrags))
	scored = append(scored, symbolFrags...)
	scored = append(scored, catFrags...)
	scored = append(scored, semFrags...)
	for i := range scored {
		scored[i].order = i
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		pi, pj := provenancePriority[scored[i].Provenance], provenancePriority[scored[j].Provenance]
		if pi != pj {
			return pi < pj
		}
		return scored[i].order < scored[j].order
	})

	// Strategies are recorded from what ran, not from what survived
	// the budget; a group truncated to nothing still participated.
	if len(verbatim) > 0 {
		bundle.Strategies = append(bundle.Strategies, ProvenanceVerbatimHistory)
	}
	if snapshot != nil && symbolErr == nil {
		bundle.Strategies = append(bundle.Strategies, ProvenanceSymbolFact)
	}
	if o.catalog != nil && catErr == nil {
		bundle.Strategies = append(bundle.Strategies, ProvenanceCatalogMatch)
	}
	if o.store != nil && o.embedder != nil && semErr == nil {
		bundle.Strategies = append(bundle.Strategies, ProvenanceSemanticMatch)
	}

	// Verbatim history is mandatory context and exempt from the
	// budget; scored fragments fill whatever room remains. Its cost
	// counts per-message framing, matching what the completion
	// client sends.
	used := chat.EstimateMessageTokens(window)
	bundle.Fragments = append(bundle.Fragments, verbatim...)
	for _, f := range scored {
		if used+f.Tokens() > o.opts.ContextTokenBudget {
			break
		}
		used += f.Tokens()
		bundle.Fragments = append(bundle.Fragments, f)
	}
	return bundle, nil
}

func verbatimFragments(window []chat.Message) []Fragment {
	frags := make([]Fragment, 0, len(window))
	for _, msg := range window {
		frags = append(frags, Fragment{
			Provenance: ProvenanceVerbatimHistory,
			Text:       msg.Role + ": " + msg.Text,
		})
	}
	return frags
}

func (o *Orchestrator) symbolFacts(query string, snapshot *workbook.Snapshot) ([]Fragment, error) {
	table := workbook.Build(*snapshot)
	entries := table.Lookup(query)
	frags := make([]Fragment, 0, len(entries))
	for _, entry := range entries {
		frags = append(frags, Fragment{
			Provenance: ProvenanceSymbolFact,
			Score:      symbolFactScore,
			Text:       entry.Fact(),
		})
	}
	return frags, nil
}

func (o *Orchestrator) catalogMatches(query string) ([]Fragment, error) {
	matches := o.catalog.Search(query, o.opts.CatalogLimit)
	frags := make([]Fragment, 0, len(matches))
	for _, m := range matches {
		frags = append(frags, Fragment{
			Provenance: ProvenanceCatalogMatch,
			Score:      float64(m.Score),
			Text:       renderCatalogEntry(m.Entry),
		})
	}
	return frags, nil
}

func (o *Orchestrator) semanticMatches(ctx context.Context, userID, query string) ([]Fragment, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	queryCtx, cancel := context.WithTimeout(ctx, o.opts.QueryTimeout)
	defer cancel()

	vector, err := o.embedder.Embed(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", memory.ErrProviderUnavailable, err)
	}

	matches, err := o.store.QueryNearest(queryCtx, userID, vector, o.opts.SemanticLimit)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w", err)
	}

	frags := make([]Fragment, 0, len(matches))
	for _, m := range matches {
		sim := m.Similarity
		if sim < 0 {
			sim = 0
		}
		frags = append(frags, Fragment{
			Provenance: ProvenanceSemanticMatch,
			Score:      sim * 100,
			Text:       m.Chunk.Text,
		})
	}
	return frags, nil
}

func renderCatalogEntry(e *catalog.Entry) string {
	var b strings.Builder
	b.WriteString(e.Name)
	if e.Syntax != "" {
		b.WriteString(": ")
		b.WriteString(e.Syntax)
	}
	if e.Description != "" {
		b.WriteString(". ")
		b.WriteString(e.Description)
	}
	return b.String()
}
