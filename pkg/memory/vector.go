package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/paperlens/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorIndex keeps one embedding per summary or report entry in a
// sqlite-vec table next to the entries table.
type VectorIndex struct {
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger
}

// Hit is a vector search result. Similarity is 1 - cosine distance.
type Hit struct {
	Entry      Entry
	Similarity float64
}

func newVectorIndex(db *sql.DB, embedder Embedder, logger zerolog.Logger) (*VectorIndex, error) {
	dim := embedder.Dimension()
	if dim <= 0 {
		return nil, errors.New("embedder dimension must be positive")
	}
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vectors USING vec0(
			key TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, dim)); err != nil {
		return nil, fmt.Errorf("failed to create vector table: %w", err)
	}
	return &VectorIndex{db: db, embedder: embedder, logger: logger}, nil
}

func embeddable(k Kind) bool {
	return k == KindSummary || k == KindReport || k == KindTopic
}

// embeddingText is what gets embedded for an entry: its title and topic
// followed by the raw JSON value, which carries the prose fields.
func embeddingText(md Metadata, value []byte) string {
	parts := make([]string, 0, 3)
	if md.Title != "" {
		parts = append(parts, md.Title)
	}
	if md.Topic != "" {
		parts = append(parts, md.Topic)
	}
	parts = append(parts, string(value))
	return strings.Join(parts, "\n")
}

func (v *VectorIndex) index(ctx context.Context, key, text string) error {
	emb, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	// vec0 tables do not support upsert.
	if _, err := v.db.ExecContext(ctx, `DELETE FROM entry_vectors WHERE key = ?`, key); err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `INSERT INTO entry_vectors (key, embedding) VALUES (?, ?)`, key, string(data))
	return err
}

func (v *VectorIndex) removeSession(ctx context.Context, sessionID string) error {
	_, err := v.db.ExecContext(ctx, `
		DELETE FROM entry_vectors WHERE key IN (
			SELECT key FROM entries WHERE session_id = ? AND scope = 'session'
		)`, sessionID)
	return err
}

// SearchSimilar ranks the embedded entries of sessionID, plus global
// entries on topic, by cosine similarity to query.
func (s *Store) SearchSimilar(ctx context.Context, query, sessionID, topic string, limit int) ([]Hit, error) {
	if s.vector == nil {
		return nil, errors.New("vector search is not configured")
	}
	if limit <= 0 {
		limit = 5
	}

	ctx, span := tracing.StartSpan(ctx, "paperlens.memory", "memory.search_similar",
		attribute.String("session_id", sessionID),
		attribute.Int("limit", limit),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	emb, err := s.vector.embedder.Embed(ctx, query)
	if err != nil {
		err = fmt.Errorf("failed to generate query embedding: %w", err)
		return nil, err
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.key, e.session_id, e.topic, e.title, e.item_id, e.kind, e.scope, e.value, e.created_at,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM entry_vectors v
		JOIN entries e ON e.key = v.key
		WHERE e.session_id = ? OR (e.scope = 'global' AND lower(e.topic) = lower(?))
		ORDER BY distance ASC
		LIMIT ?`, string(data), sessionID, NormalizeTopic(topic), limit)
	if err != nil {
		err = fmt.Errorf("vector query: %w", err)
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			c        entryColumns
			distance float64
		)
		if err = rows.Scan(append(c.dest(), &distance)...); err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Entry: c.entry(), Similarity: 1 - distance})
	}
	err = rows.Err()
	return hits, err
}
