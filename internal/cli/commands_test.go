package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "paperlens.json")

	out, _, err := execute(t, nil, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, _, err = execute(t, nil, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, _, err = execute(t, nil, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)

	t.Setenv("PAPERLENS_TEXT_API_KEY", "AIza-secret-value")
	out, errOut, err := execute(t, nil, "--config", path, "--log-level", "debug", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"level": "debug"`)
	assert.Contains(t, out, `"api_key": "***"`)
	assert.NotContains(t, out, "secret-value")
	assert.Empty(t, errOut)
}

func TestConfigShowWarnsOnInvalidValues(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "paperlens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline": {"concurrency": 0}}`), 0644))

	_, errOut, err := execute(t, nil, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, errOut, "API key cannot be empty")
	assert.Contains(t, errOut, "pipeline.concurrency")
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "paperlens.json")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing topic", []string{"analyze"}, "accepts 1 arg"},
		{"bad depth", []string{"analyze", "graphs", "--depth", "deep"}, "invalid depth"},
		{"no items", []string{"analyze", "graphs", "--items", "0"}, "--items must be at least 1"},
		{"no api key", []string{"--config", path, "analyze", "graphs"}, "API key cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, nil, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "paperlens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"text": {"api_key": "k"}, "session": {"sweep_schedule": "hourly-ish"}}`), 0644))

	_, _, err := execute(t, nil, "--config", path, "serve")
	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","sessions":3,"connections":2}`))
	}))
	defer srv.Close()

	out, _, err := execute(t, nil, "status", "--url", srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "Status: ok\nSessions: 3\nConnections: 2\n", out)
}

func TestStatusCommandShowsMemory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","sessions":1,"connections":0,"memory":{"entries":12,"topics":2}}`))
	}))
	defer srv.Close()

	out, _, err := execute(t, nil, "status", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Memory: 12 entries, 2 topics\n")
}

func TestCompareRejectsBadInput(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "paperlens.json")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"one id", []string{"compare", "2301.00001"}, "accepts between 2 and"},
		{"bad depth", []string{"compare", "a", "b", "--depth", "deep"}, "invalid depth"},
		{"no api key", []string{"--config", path, "compare", "a", "b", "--depth", "quick"}, "API key cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, nil, tt.args...)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestStatusCommandUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out, _, err := execute(t, nil, "status", "--url", url)
	assert.ErrorContains(t, err, "daemon unreachable")
	assert.Contains(t, out, "Status: stopped")
}
