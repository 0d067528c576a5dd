package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harun/paperlens/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps text onto a tiny fixed vocabulary so distances are predictable.
type keywordEmbedder struct {
	vocab []string
	fail  bool
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{vocab: []string{"qubit", "decoder", "protein", "folding"}}
}

func (e *keywordEmbedder) Dimension() int { return len(e.vocab) }

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	text = strings.ToLower(text)
	v := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		v[i] = float32(strings.Count(text, w)) + 0.01
	}
	return v, nil
}

func TestSearchSimilarRanksByCosine(t *testing.T) {
	s := createTestStore(t, newKeywordEmbedder())
	ctx := context.Background()
	require.True(t, s.VectorEnabled())

	require.NoError(t, s.Put(ctx, SummaryKey("s1", "a"), summaryResult("a", "a new decoder for every qubit decoder"), Metadata{SessionID: "s1", ItemID: "a", Kind: KindSummary}))
	require.NoError(t, s.Put(ctx, SummaryKey("s1", "b"), summaryResult("b", "protein folding with folding models"), Metadata{SessionID: "s1", ItemID: "b", Kind: KindSummary}))
	require.NoError(t, s.Put(ctx, SummaryKey("s2", "c"), summaryResult("c", "decoder decoder"), Metadata{SessionID: "s2", ItemID: "c", Kind: KindSummary}))

	hits, err := s.SearchSimilar(ctx, "which decoder works best", "s1", "", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2, "other sessions are excluded")
	assert.Equal(t, "a", hits[0].Entry.Metadata.ItemID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)

	var got types.SummaryResult
	require.NoError(t, hits[0].Entry.Decode(&got))
	assert.Contains(t, got.Payload.ExecutiveSummary, "decoder")
}

func TestSearchSimilarIncludesGlobalTopic(t *testing.T) {
	s := createTestStore(t, newKeywordEmbedder())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, TopicKey("QEC", "old"), types.Report{Topic: "QEC", ExecutiveSummary: "qubit decoder"}, Metadata{SessionID: "old", Topic: NormalizeTopic("QEC"), Kind: KindTopic, Scope: ScopeGlobal}))
	_, err := s.ReclaimSession(ctx, "old")
	require.NoError(t, err)

	hits, err := s.SearchSimilar(ctx, "decoder", "new", "QEC", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, KindTopic, hits[0].Entry.Metadata.Kind)
}

func TestSearchSimilarWithoutEmbedder(t *testing.T) {
	s := createTestStore(t, nil)
	_, err := s.SearchSimilar(context.Background(), "q", "s1", "", 3)
	assert.Error(t, err)
}

func TestEmbeddingFailureDoesNotFailPut(t *testing.T) {
	emb := newKeywordEmbedder()
	emb.fail = true
	s := createTestStore(t, emb)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, SummaryKey("s1", "a"), summaryResult("a", "x"), Metadata{SessionID: "s1", Kind: KindSummary}))
	_, err := s.Get(ctx, SummaryKey("s1", "a"))
	assert.NoError(t, err)
}
