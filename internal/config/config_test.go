package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"API_BASE_URL", "CANDIDATE_URLS", "API_KEYS",
		"SYSTEM_PROMPT_REPLACEMENT", "SYSTEM_PROMPT_BLOCK_INSERT_IF_NOT_EXIST",
		"PORT", "DEBUG_MODE", "HTTP_PROXY", "HTTPS_PROXY",
		"CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC", "HEADERS_OVERLAY_PATH",
		"CHALLENGE_HOST_HINTS", "COOLDOWN_STATE_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HEADERS_OVERLAY_PATH", filepath.Join(dir, "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://anyrouter.top", cfg.APIBaseURL)
	assert.Len(t, cfg.CandidateURLs, 4)
	assert.Empty(t, cfg.APIKeys)
	assert.Equal(t, 8088, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Nil(t, cfg.SystemPrompt.Replacement)
	assert.False(t, cfg.SystemPrompt.InsertIfNotExist)
	assert.Equal(t, "Claude Code", cfg.SystemPrompt.Keyword)
	assert.Equal(t, []string{"anyrouter", "cspok"}, cfg.ChallengeHostHints)
	assert.Empty(t, cfg.ExtraHeaders)
	assert.Equal(t, "cooldown_state.json", cfg.CooldownStatePath)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	headersPath := filepath.Join(dir, "headers.json")
	require.NoError(t, os.WriteFile(headersPath, []byte(`{"X-Foo":"bar"}`), 0o644))

	t.Setenv("CANDIDATE_URLS", " https://a.example , https://b.example")
	t.Setenv("API_KEYS", "key-one,key-two")
	t.Setenv("SYSTEM_PROMPT_REPLACEMENT", "Be helpful.")
	t.Setenv("SYSTEM_PROMPT_BLOCK_INSERT_IF_NOT_EXIST", "true")
	t.Setenv("PORT", "9999")
	t.Setenv("DEBUG_MODE", "true")
	t.Setenv("HEADERS_OVERLAY_PATH", headersPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CandidateURLs)
	assert.Equal(t, []string{"key-one", "key-two"}, cfg.APIKeys)
	require.NotNil(t, cfg.SystemPrompt.Replacement)
	assert.Equal(t, "Be helpful.", *cfg.SystemPrompt.Replacement)
	assert.True(t, cfg.SystemPrompt.InsertIfNotExist)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "bar", cfg.ExtraHeaders["X-Foo"])
}
