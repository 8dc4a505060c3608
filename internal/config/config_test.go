package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("AGENT_TURNS_DB", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-turns.yaml")
	data := `
decay:
  rates:
    price: 0.2
loops:
  max_revise: 1
  max_retry: 1
  max_total: 2
reasoning:
  provider: openai
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("AGENT_TURNS_DB", "/tmp/x.db")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.2, cfg.Decay.Rates["price"])
	assert.Equal(t, 0.03, cfg.Decay.Rates["spec"], "unlisted rates keep their defaults")
	assert.Equal(t, 1, cfg.Loops.MaxRevise)
	assert.Equal(t, "/tmp/x.db", cfg.Store.DatabasePath)
	assert.Equal(t, "sk-test", cfg.Reasoning.APIKey)
	assert.Equal(t, 5*time.Second, cfg.ReasoningTimeout())
}

func TestValidateRejectsInconsistentLoops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loops.MaxTotal = 5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Budgets.Sections["plan"] = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Reasoning.Provider = "gemini"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", got.Reasoning.Provider)
	assert.Equal(t, cfg.Budgets.Sections, got.Budgets.Sections)
}

func TestDurationsFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reasoning.Timeout = "soon"
	assert.Equal(t, 120*time.Second, cfg.ReasoningTimeout())
	assert.Equal(t, time.Hour, cfg.Promotion.User.Duration())
	assert.Equal(t, 4000, cfg.SectionBudget("unknown"))
}
