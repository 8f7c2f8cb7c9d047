package memory

import (
	"regexp"
	"strings"

	"github.com/quilldesk/sheetsense/internal/chat"
)

const (
	defaultChunkMaxTokens      = 400
	defaultAdvancedMinFuncs    = 3
	defaultIntermediateMinToks = 360
)

// functionNameRe scans free-form chat text for spreadsheet function
// mentions like "SUM(" or "vlookup(". Chunk text is not validated
// formula input, so this is a string scan, not a parse.
var functionNameRe = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_]{1,15})\s*\(`)

// formulaRe detects formula-like substrings: an equals marker followed
// by a call or a cell address.
var formulaRe = regexp.MustCompile(`=\s*([A-Za-z][A-Za-z0-9_]*\s*\(|\$?[A-Za-z]{1,3}\$?[0-9]+)`)

// ChunkerOptions configure chunk closing and difficulty tagging. The
// difficulty thresholds are conventions, not law; they are exposed as
// configuration for that reason.
type ChunkerOptions struct {
	MaxTokens int
	// Known filters scanned function names to real catalog entries.
	// Nil keeps every scanned name.
	Known func(name string) bool
	// Advanced reports whether a function carries the advanced tag.
	Advanced func(name string) bool
	// AdvancedMinFuncs is the function count at which a chunk is
	// tagged advanced regardless of which functions appear.
	AdvancedMinFuncs int
	// IntermediateMinTokens bumps a long function-free chunk from
	// basic to intermediate.
	IntermediateMinTokens int
}

// Chunker turns evicted messages into topic-bounded chunks ready for
// embedding. Splitting is deterministic in input order and never emits
// an empty chunk.
type Chunker struct {
	opts ChunkerOptions
}

func NewChunker(opts ChunkerOptions) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultChunkMaxTokens
	}
	if opts.AdvancedMinFuncs <= 0 {
		opts.AdvancedMinFuncs = defaultAdvancedMinFuncs
	}
	if opts.IntermediateMinTokens <= 0 {
		opts.IntermediateMinTokens = defaultIntermediateMinToks
	}
	return &Chunker{opts: opts}
}

// MaxTokens reports the configured per-chunk token ceiling.
func (c *Chunker) MaxTokens() int { return c.opts.MaxTokens }

// Split chunks the given messages for one conversation. A chunk closes
// when adding the next message would push it past the token ceiling,
// or when the next message shifts to a disjoint set of spreadsheet
// functions with a formula involved on either side of the boundary.
func (c *Chunker) Split(conversationID, userID string, messages []chat.Message) []Chunk {
	chunks := make([]Chunk, 0, 1)

	var cur []chat.Message
	curFuncs := make(map[string]struct{})
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, c.build(conversationID, userID, cur, curFuncs))
		cur = nil
		curFuncs = make(map[string]struct{})
		curTokens = 0
	}

	for _, msg := range messages {
		msgFuncs := c.scanFunctions(msg.Text)
		msgTokens := chat.EstimateTokens(msg.Text)

		if len(cur) > 0 {
			if curTokens+msgTokens > c.opts.MaxTokens {
				flush()
			} else if c.topicShift(curFuncs, msgFuncs, cur[len(cur)-1], msg) {
				flush()
			}
		}

		cur = append(cur, msg)
		curTokens += msgTokens
		for name := range msgFuncs {
			curFuncs[name] = struct{}{}
		}
	}
	flush()

	return chunks
}

// topicShift fires only between two function-bearing stretches: the
// incoming message references functions, none of them overlap the
// chunk's accumulated set, and a formula appears on either side of the
// boundary.
func (c *Chunker) topicShift(curFuncs, msgFuncs map[string]struct{}, prev, next chat.Message) bool {
	if len(curFuncs) == 0 || len(msgFuncs) == 0 {
		return false
	}
	for name := range msgFuncs {
		if _, ok := curFuncs[name]; ok {
			return false
		}
	}
	return formulaRe.MatchString(prev.Text) || formulaRe.MatchString(next.Text)
}

func (c *Chunker) build(conversationID, userID string, messages []chat.Message, funcs map[string]struct{}) Chunk {
	var b strings.Builder
	containsFormula := false
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Text)
		if formulaRe.MatchString(msg.Text) {
			containsFormula = true
		}
	}
	text := b.String()

	names := make([]string, 0, len(funcs))
	seen := make(map[string]struct{}, len(funcs))
	// Re-scan the joined text so function order follows the text.
	for _, m := range functionNameRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToUpper(m[1])
		if _, ok := funcs[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	tokens := chat.EstimateTokens(text)
	return Chunk{
		ConversationID:  conversationID,
		UserID:          userID,
		Text:            text,
		Functions:       names,
		ContainsFormula: containsFormula,
		Difficulty:      c.difficulty(names, tokens),
		TokenEstimate:   tokens,
	}
}

func (c *Chunker) scanFunctions(text string) map[string]struct{} {
	funcs := make(map[string]struct{})
	for _, m := range functionNameRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToUpper(m[1])
		if c.opts.Known != nil && !c.opts.Known(name) {
			continue
		}
		funcs[name] = struct{}{}
	}
	return funcs
}

func (c *Chunker) difficulty(funcs []string, tokens int) string {
	if c.opts.Advanced != nil {
		for _, name := range funcs {
			if c.opts.Advanced(name) {
				return DifficultyAdvanced
			}
		}
	}
	switch {
	case len(funcs) >= c.opts.AdvancedMinFuncs:
		return DifficultyAdvanced
	case len(funcs) > 0:
		return DifficultyIntermediate
	case tokens >= c.opts.IntermediateMinTokens:
		return DifficultyIntermediate
	default:
		return DifficultyBasic
	}
}
