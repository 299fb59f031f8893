package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	agate "github.com/cascadelabs/agate/internal"
)

// FindExact returns the stored response for an exact prompt-hash match.
func (s *Store) FindExact(ctx context.Context, prompt string) (string, bool, error) {
	hash := agate.HashPrompt(prompt)
	var resp string
	err := s.read.QueryRowContext(ctx,
		`SELECT response_text FROM semantic_cache WHERE prompt_hash=? LIMIT 1`, hash).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: cache exact lookup: %v", agate.ErrStorage, err)
	}
	return resp, true, nil
}

// FindSemantic scans all stored embeddings and returns the first response
// whose dot product with query meets threshold. Vectors are stored
// unit-normalised; no re-normalisation happens here.
func (s *Store) FindSemantic(ctx context.Context, query []float32, threshold float64) (string, bool, error) {
	if len(query) == 0 {
		return "", false, nil
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT embedding, response_text FROM semantic_cache WHERE embedding IS NOT NULL`)
	if err != nil {
		return "", false, fmt.Errorf("%w: cache semantic scan: %v", agate.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		var resp string
		if err := rows.Scan(&blob, &resp); err != nil {
			return "", false, fmt.Errorf("%w: cache scan: %v", agate.ErrStorage, err)
		}
		vec := blobToVec(blob)
		if dot(query, vec) >= threshold {
			return resp, true, nil
		}
	}
	return "", false, rows.Err()
}

// SaveEntry upserts a cache row keyed by (id, prompt_hash).
func (s *Store) SaveEntry(ctx context.Context, e *agate.CacheEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO semantic_cache (id, prompt_hash, prompt_text, embedding, response_text, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, prompt_hash) DO UPDATE SET
		   prompt_text=excluded.prompt_text, embedding=excluded.embedding,
		   response_text=excluded.response_text, model=excluded.model`,
		e.ID, e.PromptHash, e.PromptText, vecToBlob(e.Embedding),
		e.ResponseText, e.Model, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: cache save: %v", agate.ErrStorage, err)
	}
	return nil
}

// PurgeCache removes all cache rows.
func (s *Store) PurgeCache(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, `DELETE FROM semantic_cache`); err != nil {
		return fmt.Errorf("%w: cache purge: %v", agate.ErrStorage, err)
	}
	return nil
}

// vecToBlob encodes a float32 vector as little-endian bytes.
func vecToBlob(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// blobToVec decodes little-endian bytes into a float32 vector.
func blobToVec(b []byte) []float32 {
	n := len(b) / 4
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// dot computes the dot product of two vectors; mismatched lengths score 0.
func dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
