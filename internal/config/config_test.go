package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Crawler.MaxPages)
	assert.Equal(t, 5, cfg.Crawler.CompetitorMaxPages)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "nebula-", cfg.GitHub.BranchPrefix)
	assert.Equal(t, 3, cfg.GitHub.MaxPRs)
	assert.InDelta(t, 0.8, cfg.Gate.MinPerformance, 1e-9)
	assert.InDelta(t, 0.8, cfg.Pipeline.MinConfidence, 1e-9)
	assert.Equal(t, 100, cfg.Pipeline.EmbedMinChars)
	assert.Equal(t, 90*24*time.Hour, cfg.Pipeline.Retention.Duration())
	assert.Equal(t, "nebula-nightly", cfg.Temporal.TaskQueue)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
crawler:
  max_pages: 10
  delay: 2s
github:
  token: file-token
`), 0o600))

	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("GITHUB_TOKEN", "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	// env beats file, file beats defaults
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Crawler.MaxPages)
	assert.Equal(t, 2*time.Second, cfg.Crawler.Delay.Duration())
	assert.Equal(t, "env-token", cfg.GitHub.Token.Value())
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad driver", "database:\n  driver: oracle\n"},
		{"bad provider", "llm:\n  provider: cohere\n"},
		{"confidence out of range", "pipeline:\n  min_confidence: 1.5\n"},
		{"cls ratio not a ratio", "gate:\n  cls_ratio: 0.9\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "sk-very-secret", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct{ Token Secret }{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "very-secret")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
