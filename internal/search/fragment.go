package search

import "github.com/quilldesk/sheetsense/internal/chat"

// Fragment provenance tags, in priority order for tie-breaks.
const (
	ProvenanceVerbatimHistory = "verbatim_history"
	ProvenanceSymbolFact      = "symbol_fact"
	ProvenanceCatalogMatch    = "catalog_match"
	ProvenanceSemanticMatch   = "semantic_match"
)

var provenancePriority = map[string]int{
	ProvenanceVerbatimHistory: 0,
	ProvenanceSymbolFact:      1,
	ProvenanceCatalogMatch:    2,
	ProvenanceSemanticMatch:   3,
}

// Fragment is one piece of retrieved context, tagged with where it
// came from and how relevant it scored there. Verbatim history carries
// no score; it is always included.
type Fragment struct {
	Provenance string
	Score      float64
	Text       string

	// order is the discovery position used as the final tie-break.
	order int
}

// Tokens estimates the fragment's context cost.
func (f Fragment) Tokens() int {
	return chat.EstimateTokens(f.Text)
}

// Bundle is the merged, budget-truncated context for one turn. It is
// consumed once by the completion collaborator and discarded.
type Bundle struct {
	Fragments []Fragment
	// Strategies lists the sources that ran for this turn, whether or
	// not their fragments survived the budget.
	Strategies []string
	// Degraded lists sources that failed and were treated as empty.
	Degraded []string
}

// ByProvenance returns the bundle's fragments with the given tag, in
// bundle order.
func (b Bundle) ByProvenance(tag string) []Fragment {
	var out []Fragment
	for _, f := range b.Fragments {
		if f.Provenance == tag {
			out = append(out, f)
		}
	}
	return out
}
