package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/harun/paperlens/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	s, err := NewStore(Config{Logger: zerolog.Nop(), Embedder: embedder})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func summaryResult(itemID, text string) types.SummaryResult {
	return types.SummaryResult{
		ItemID:  itemID,
		Status:  types.SummarySuccess,
		Payload: &types.Summary{ExecutiveSummary: text},
	}
}

func TestPutGetReadYourWrites(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	key := SummaryKey("s1", "2301.1")
	require.NoError(t, s.Put(ctx, key, summaryResult("2301.1", "first"), Metadata{SessionID: "s1", Kind: KindSummary}))

	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ScopeSession, e.Metadata.Scope)

	var got types.SummaryResult
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, "first", got.Payload.ExecutiveSummary)

	require.NoError(t, s.Put(ctx, key, summaryResult("2301.1", "second"), Metadata{SessionID: "s1", Kind: KindSummary}))
	e, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, "second", got.Payload.ExecutiveSummary)
}

func TestGetAbsent(t *testing.T) {
	s := createTestStore(t, nil)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestPutValidation(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	assert.Error(t, s.Put(ctx, "", 1, Metadata{Kind: KindQA}))
	assert.Error(t, s.Put(ctx, "k", 1, Metadata{}))
}

func TestQueryBySessionAndTopic(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, SummaryKey("s1", "a"), summaryResult("a", "x"), Metadata{SessionID: "s1", Topic: "Quantum Error Correction", Title: "Surface codes", Kind: KindSummary}))
	require.NoError(t, s.Put(ctx, SummaryKey("s1", "b"), summaryResult("b", "y"), Metadata{SessionID: "s1", Topic: "Quantum Error Correction", Kind: KindSummary}))
	require.NoError(t, s.Put(ctx, ReportKey("s1"), types.Report{Topic: "Quantum Error Correction"}, Metadata{SessionID: "s1", Topic: "Quantum Error Correction", Kind: KindReport}))
	require.NoError(t, s.Put(ctx, SummaryKey("s2", "c"), summaryResult("c", "z"), Metadata{SessionID: "s2", Topic: "protein folding", Kind: KindSummary}))

	bySession, err := s.Query(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, bySession, 3)

	summaries, err := s.Query(ctx, "s1", WithKind(KindSummary))
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, SummaryKey("s1", "a"), summaries[0].Key)

	byTopic, err := s.Query(ctx, "error correction")
	require.NoError(t, err)
	assert.Len(t, byTopic, 3)

	byTitle, err := s.Query(ctx, "SURFACE")
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, SummaryKey("s1", "a"), byTitle[0].Key)

	limited, err := s.Query(ctx, "s1", WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	empty, err := s.Query(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReclaimSessionKeepsGlobal(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, SummaryKey("s1", "a"), summaryResult("a", "x"), Metadata{SessionID: "s1", Kind: KindSummary}))
	require.NoError(t, s.Put(ctx, ReportKey("s1"), types.Report{Topic: "t"}, Metadata{SessionID: "s1", Kind: KindReport}))
	require.NoError(t, s.Put(ctx, TopicKey("T", "s1"), types.Report{Topic: "t"}, Metadata{SessionID: "s1", Topic: NormalizeTopic("T"), Kind: KindTopic, Scope: ScopeGlobal}))
	require.NoError(t, s.Put(ctx, SummaryKey("s2", "b"), summaryResult("b", "y"), Metadata{SessionID: "s2", Kind: KindSummary}))

	n, err := s.ReclaimSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, ReportKey("s1"))
	assert.ErrorIs(t, err, ErrAbsent)

	global, err := s.Query(ctx, "t", WithScope(ScopeGlobal))
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, TopicKey("t", "s1"), global[0].Key)

	_, err = s.Get(ctx, SummaryKey("s2", "b"))
	assert.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Global)
}

func TestConcurrentPuts(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%d", i)
			assert.NoError(t, s.Put(ctx, SummaryKey("s1", id), summaryResult(id, "x"), Metadata{SessionID: "s1", ItemID: id, Kind: KindSummary}))
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestStoresAreIsolated(t *testing.T) {
	a := createTestStore(t, nil)
	b := createTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "k", 1, Metadata{Kind: KindQA}))
	_, err := b.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrAbsent))
}
