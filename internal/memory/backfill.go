package memory

import (
	"context"
	"fmt"
)

// BackfillEmbeddings embeds chunks that missed their fire-and-forget
// embedding, in deterministic creation order. It is idempotent: chunks
// already embedded are never revisited.
func (s *Store) BackfillEmbeddings(ctx context.Context, embedder Embedder, model string, batchSize int) (int, error) {
	if embedder == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatchSize
	}

	totalUpdated := 0
	for {
		select {
		case <-ctx.Done():
			return totalUpdated, ctx.Err()
		default:
		}

		chunks, err := s.MissingEmbeddings(batchSize)
		if err != nil {
			return totalUpdated, err
		}
		if len(chunks) == 0 {
			return totalUpdated, nil
		}

		texts := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			texts = append(texts, chunk.Text)
		}

		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return totalUpdated, fmt.Errorf("backfill embeddings: %w: %v", ErrProviderUnavailable, err)
		}
		if len(vectors) != len(chunks) {
			return totalUpdated, fmt.Errorf("backfill embeddings: batch count mismatch: got %d want %d", len(vectors), len(chunks))
		}

		for i, chunk := range chunks {
			rec := EmbeddingRecord{
				ChunkID: chunk.ID,
				UserID:  chunk.UserID,
				Model:   model,
				Dim:     len(vectors[i]),
				Vector:  vectors[i],
			}
			if err := s.StoreEmbedding(rec); err != nil {
				return totalUpdated, fmt.Errorf("backfill embeddings: chunk %s: %w", chunk.ID, err)
			}
			totalUpdated++
		}

		if len(chunks) < batchSize {
			return totalUpdated, nil
		}
	}
}
