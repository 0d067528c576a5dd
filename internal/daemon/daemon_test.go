package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/paperlens/internal/config"
	"github.com/harun/paperlens/internal/logger"
	"github.com/harun/paperlens/pkg/gateway"
	"github.com/harun/paperlens/pkg/itemsource"
	"github.com/harun/paperlens/pkg/memory"
	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubText struct {
	mu      sync.Mutex
	refined []string
}

func (s *stubText) Provider() string { return "stub" }

func (s *stubText) Generate(ctx context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "Original query:"):
		s.mu.Lock()
		s.refined = append(s.refined, prompt)
		s.mu.Unlock()
		return "graph neural networks survey", nil
	case strings.Contains(prompt, "QUESTION:"):
		return "It depends.", nil
	case strings.Contains(prompt, "RESEARCH TOPIC:"):
		return `{"executive_summary": "Graphs everywhere.", "key_findings": ["k"], "research_gaps": [], "future_directions": [], "full_report": "# R"}`, nil
	case strings.Contains(prompt, "cross-reference analysis"):
		return `{"connections": [], "contradictions": [], "research_gaps": []}`, nil
	}
	return `{"executive_summary": "A summary", "results": "r"}`, nil
}

type stubSource struct {
	mu      sync.Mutex
	queries []string
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Search(ctx context.Context, query string, maxResults int) ([]types.Item, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return []types.Item{{ID: "1", Title: "One"}, {ID: "2", Title: "Two"}}, nil
}

func (s *stubSource) Fetch(ctx context.Context, ids []string) ([]types.Item, error) {
	items := make([]types.Item, len(ids))
	for i, id := range ids {
		items[i] = types.Item{ID: id, Title: "Paper " + id}
	}
	return items, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Dimension() int { return 4 }

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text) % 7), 1, 0, 0.5}, nil
}

func stubProviders(t *testing.T) (*stubText, *stubSource) {
	t.Helper()
	text, source := &stubText{}, &stubSource{}

	prevText, prevSource, prevEmbedder := newTextService, newItemSource, newEmbedder
	newTextService = func(textgen.Config) (textgen.Service, error) { return text, nil }
	newItemSource = func(itemsource.Config, ...itemsource.ArxivOption) (itemsource.Source, error) { return source, nil }
	newEmbedder = func(context.Context, *config.Config) (memory.Embedder, error) { return stubEmbedder{}, nil }
	t.Cleanup(func() {
		newTextService, newItemSource, newEmbedder = prevText, prevSource, prevEmbedder
	})
	return text, source
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Text.APIKey = "AIza-test"
	cfg.Gateway.Port = 0
	cfg.Pipeline.RetryBaseDelay = time.Millisecond
	cfg.Pipeline.RetryMaxDelay = time.Millisecond
	return cfg
}

// createTestDaemon creates a daemon backed by stub providers
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestNew(t *testing.T) {
	stubProviders(t)
	d := createTestDaemon(t, testConfig())

	assert.NotNil(t, d.GetOrchestrator())
	assert.NotNil(t, d.GetGatewayServer())
	assert.NotNil(t, d.GetSessionManager())
	assert.Equal(t, "AIza-test", d.GetConfig().Text.APIKey)
	assert.False(t, d.Status().Running)
}

func TestNewFailsOnBadSchedule(t *testing.T) {
	stubProviders(t)
	cfg := testConfig()
	cfg.Session.SweepSchedule = "sometimes"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestNewFailsWhenProviderFails(t *testing.T) {
	stubProviders(t)
	newTextService = func(textgen.Config) (textgen.Service, error) { return nil, errors.New("no credentials") }

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(testConfig(), log)
	assert.ErrorContains(t, err, "no credentials")
}

func TestDaemonServesAnalysis(t *testing.T) {
	text, source := stubProviders(t)
	cfg := testConfig()
	cfg.Memory.Vector.Enabled = true
	cfg.Memory.Vector.Dimension = 4
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	require.True(t, status.Running)
	require.NotEmpty(t, status.Addr)

	resp, err := http.Post("http://"+status.Addr+"/api/analyze", "application/json",
		strings.NewReader(`{"topic":"graph learning","itemCount":2}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var analyzed gateway.AnalyzeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&analyzed))
	require.NotNil(t, analyzed.Report)
	assert.Equal(t, "Graphs everywhere.", analyzed.Report.ExecutiveSummary)
	assert.Equal(t, 1, d.Status().Sessions)

	source.mu.Lock()
	assert.Equal(t, []string{"graph neural networks survey"}, source.queries)
	source.mu.Unlock()
	text.mu.Lock()
	assert.Len(t, text.refined, 1)
	text.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(ctx))
}

func TestCloseWithoutStart(t *testing.T) {
	stubProviders(t)
	d := createTestDaemon(t, testConfig())

	id, report, err := d.GetOrchestrator().Analyze(context.Background(), orchestrator.StartRequest{Topic: "graphs", ItemCount: 2})
	require.NoError(t, err)
	require.NotNil(t, report)
	require.NotEmpty(t, id)

	require.NoError(t, d.Close(context.Background()))
	_, _, err = d.GetOrchestrator().Analyze(context.Background(), orchestrator.StartRequest{Topic: "graphs", ItemCount: 2})
	assert.ErrorIs(t, err, orchestrator.ErrShuttingDown)
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	stubProviders(t)
	d := createTestDaemon(t, testConfig())
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Wait(ctx, 5*time.Second) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.False(t, d.Status().Running)
}
