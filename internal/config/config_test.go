package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 20, cfg.MaxContextItems)
	require.Equal(t, 2000, cfg.MaxMessageLength)
	require.Equal(t, 1024, cfg.ModelMaxTokens)
	require.Equal(t, "consolectl.db", cfg.SessionDB)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Empty(t, cfg.StateTable)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STATE_TABLE", "sessions")
	t.Setenv("PARAM_PREFIX", "/dbconsole/prod/")
	t.Setenv("MAX_CONTEXT_ITEMS", "8")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9999/")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sessions", cfg.StateTable)
	require.Equal(t, "/dbconsole/prod", cfg.ParamPrefix)
	require.Equal(t, 8, cfg.MaxContextItems)
	require.Equal(t, "http://localhost:9999", cfg.OpenAIBaseURL)
	require.NoError(t, cfg.ValidateLambda())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "consolectl.yaml"),
		[]byte("session_db: /tmp/x.db\ndefault_workflow: aurora-postgres\nmodel_max_tokens: 256\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/x.db", cfg.SessionDB)
	require.Equal(t, "aurora-postgres", cfg.DefaultWorkflow)
	require.Equal(t, 256, cfg.ModelMaxTokens)

	// The environment wins over the file.
	t.Setenv("MODEL_MAX_TOKENS", "512")
	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, 512, cfg.ModelMaxTokens)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsNonPositiveLimits(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_MESSAGE_LENGTH", "0")

	_, err := Load("")
	require.ErrorContains(t, err, "max_message_length")
}

func TestValidateLambda_ListsMissing(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateLambda()
	require.ErrorContains(t, err, "STATE_TABLE")
	require.ErrorContains(t, err, "PARAM_PREFIX")
}

func TestLogger_Level(t *testing.T) {
	cfg := &Config{LogLevel: "warn"}
	log := cfg.Logger()
	require.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, log.Enabled(context.Background(), slog.LevelWarn))

	cfg.LogLevel = "nonsense"
	require.True(t, cfg.Logger().Enabled(context.Background(), slog.LevelInfo))
}
