package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
database:
  dsn: postgres://localhost/chat
auth:
  jwt_secret: test-secret
models:
  - code: deepseek-chat
    provider: deepseek
    api_key: sk-test
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "checkpoints", cfg.Database.CheckpointTable)
	assert.Equal(t, 3, cfg.Auth.MaxLoginNum)
	assert.Equal(t, 24*60, cfg.Auth.JWTExpireMinutes)
	assert.Equal(t, "chatgraph", cfg.Auth.JWTIssuer)
	assert.Equal(t, 5, cfg.Chat.RAGTopK)
	assert.Equal(t, 0.5, cfg.Chat.RAGSimilarityThreshold)
	assert.Equal(t, 3, cfg.Chat.DeepSearchMaxRounds)
	assert.Equal(t, "deepseek-chat", cfg.Chat.DefaultModelCode)
	assert.Equal(t, 120, cfg.Models[0].TimeoutSeconds)
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")

	cfg, err := Parse([]byte(`
database:
  dsn: ${TEST_DSN:-postgres://localhost/fallback}
auth:
  jwt_secret: ${TEST_JWT_SECRET}
models:
  - code: m1
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "postgres://localhost/fallback", cfg.Database.DSN)
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing dsn", "auth:\n  jwt_secret: s\nmodels:\n  - code: m1\n", "database.dsn is required"},
		{"missing secret", "database:\n  dsn: d\nmodels:\n  - code: m1\n", "jwt_secret is required"},
		{"no models", "database:\n  dsn: d\nauth:\n  jwt_secret: s\n", "at least one model"},
		{"bad driver", "database:\n  driver: oracle\n  dsn: d\nauth:\n  jwt_secret: s\nmodels:\n  - code: m1\n", "unknown database driver"},
		{"duplicate code", "database:\n  dsn: d\nauth:\n  jwt_secret: s\nmodels:\n  - code: m1\n  - code: m1\n", "duplicate model code"},
		{"unknown default", "database:\n  dsn: d\nauth:\n  jwt_secret: s\nchat:\n  default_model_code: nope\nmodels:\n  - code: m1\n", "not configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/chat", cfg.Database.DSN)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestModelLookup(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  dsn: d
auth:
  jwt_secret: s
models:
  - code: m1
    provider: deepseek
  - code: m2
    provider: gemini
`))
	require.NoError(t, err)

	m, err := cfg.Model("")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Code)

	m, err = cfg.Model("m2")
	require.NoError(t, err)
	assert.Equal(t, "gemini", m.Provider)

	_, err = cfg.Model("m3")
	assert.Error(t, err)
}
