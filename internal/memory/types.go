package memory

import (
	"errors"
	"time"
)

// Difficulty tags assigned to chunks at close time.
const (
	DifficultyBasic        = "basic"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// ErrProviderUnavailable marks embedding or vector store failures that
// degrade one context source without failing the turn.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrScopeViolation marks an attempted read or write outside the
// caller's tenant scope. It is never filtered silently; callers must
// treat it as fatal for the request.
var ErrScopeViolation = errors.New("tenant scope violation")

// Chunk is an immutable, topic-bounded slice of conversation text
// prepared for embedding.
type Chunk struct {
	ID              string
	ConversationID  string
	UserID          string
	Text            string
	Functions       []string
	ContainsFormula bool
	Difficulty      string
	TokenEstimate   int
	CreatedAt       time.Time
}

// EmbeddingRecord pairs a stored chunk with its vector.
type EmbeddingRecord struct {
	ChunkID string
	UserID  string
	Model   string
	Dim     int
	Vector  []float32
}

// SemanticMatch is one vector query hit. Similarity is cosine
// similarity clamped to [-1, 1].
type SemanticMatch struct {
	Chunk      Chunk
	Similarity float64
}
