package textgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New(Config{Provider: "llama"})
	assert.ErrorContains(t, err, "unsupported text provider")
}

func TestNewAppliesDefaults(t *testing.T) {
	svc, err := New(Config{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)

	a, ok := svc.(*AnthropicService)
	require.True(t, ok)
	assert.Equal(t, defaultMaxTokens, a.cfg.MaxTokens)
	assert.InDelta(t, defaultTemperature, a.cfg.Temperature, 1e-9)
	assert.Equal(t, defaultAnthropicModel, a.cfg.Model)
}

func TestAnthropicServiceGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"executive_summary\":\"ok\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`))
	}))
	defer srv.Close()

	svc := NewAnthropicService(Config{APIKey: "k", Model: "claude-test", BaseURL: srv.URL})
	reply, err := svc.Generate(context.Background(), "summarize this")
	require.NoError(t, err)
	assert.Equal(t, `{"executive_summary":"ok"}`, reply)
}

func TestAnthropicServiceRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	svc := NewAnthropicService(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := svc.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIServiceGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"answer"}}]}`))
	}))
	defer srv.Close()

	svc := NewOpenAIService(Config{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL + "/v1"})
	reply, err := svc.Generate(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", reply)
}

func TestOpenAIServiceBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	svc := NewOpenAIService(Config{APIKey: "k", BaseURL: srv.URL + "/v1"})
	_, err := svc.Generate(context.Background(), "question")

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Permanent, te.Kind)
	assert.Equal(t, http.StatusBadRequest, te.Status)
}

type stubService struct {
	reply string
	err   error
}

func (s stubService) Generate(ctx context.Context, prompt string) (string, error) {
	return s.reply, s.err
}

func (s stubService) Provider() string { return "stub" }

func TestInstrumentedPassesThrough(t *testing.T) {
	svc := Instrument(stubService{reply: "hello"}, zerolog.Nop())
	assert.Equal(t, "stub", svc.Provider())

	reply, err := svc.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	failing := Instrument(stubService{err: transientErr()}, zerolog.Nop())
	_, err = failing.Generate(context.Background(), "p")
	assert.True(t, IsTransient(err))
}
