package rewriter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func ptr(s string) *string { return &s }

func TestIsMessagesPath(t *testing.T) {
	assert.True(t, IsMessagesPath("v1/messages"))
	assert.True(t, IsMessagesPath("/v1/messages"))
	assert.True(t, IsMessagesPath("/v1/messages/"))
	assert.False(t, IsMessagesPath("/v1/complete"))
}

func TestRewrite_Disabled_ReturnsUnchanged(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"hi"}]}`)
	got := Rewrite(body, Config{Replacement: nil})
	assert.Equal(t, body, got)
}

func TestRewrite_InvalidJSON_ReturnsUnchanged(t *testing.T) {
	body := []byte(`not json`)
	got := Rewrite(body, Config{Replacement: ptr("X")})
	assert.Equal(t, body, got)
}

func TestRewrite_NoSystemArray_ReturnsUnchanged(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	got := Rewrite(body, Config{Replacement: ptr("X")})
	assert.Equal(t, body, got)
}

// TestRewrite_S2_Replace matches scenario S2 from the replace path.
func TestRewrite_S2_Replace(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"You are Claude Code."}],"model":"m"}`)
	got := Rewrite(body, Config{Replacement: ptr("X"), InsertIfNotExist: false})
	assert.JSONEq(t, `{"system":[{"type":"text","text":"X"}],"model":"m"}`, string(got))
	assert.NotContains(t, string(got), " ")
}

// TestRewrite_S3_Insert matches scenario S3: keyword miss with insert mode
// prepends a fresh system block.
func TestRewrite_S3_Insert(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"Hello"}],"model":"m"}`)
	got := Rewrite(body, Config{Replacement: ptr("X"), InsertIfNotExist: true})

	require.Len(t, gjsonArray(t, got), 2)
	assert.JSONEq(t, `{"type":"text","text":"X","cache_control":{"type":"ephemeral"}}`, gjsonArray(t, got)[0])
	assert.JSONEq(t, `{"type":"text","text":"Hello"}`, gjsonArray(t, got)[1])
}

func TestRewrite_InsertMode_KeywordHit_Replaces(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"You are claude code, an assistant."}]}`)
	got := Rewrite(body, Config{Replacement: ptr("X"), InsertIfNotExist: true})
	require.Len(t, gjsonArray(t, got), 1)
	assert.JSONEq(t, `{"type":"text","text":"X"}`, gjsonArray(t, got)[0])
}

// TestRewrite_Idempotent covers the no-duplicate-insertion invariant: running
// the rewrite twice in insert mode never produces more than one inserted
// block even when REPLACEMENT doesn't contain KEYWORD.
func TestRewrite_Idempotent(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"Hello"}],"model":"m"}`)
	cfg := Config{Replacement: ptr("Custom prompt"), InsertIfNotExist: true}

	once := Rewrite(body, cfg)
	require.Len(t, gjsonArray(t, once), 2)

	twice := Rewrite(once, cfg)
	assert.Len(t, gjsonArray(t, twice), 2, "re-running the rewrite must not insert a second block")
	assert.JSONEq(t, string(once), string(twice))
}

func TestRewrite_EmptySystemArray_ReturnsUnchanged(t *testing.T) {
	body := []byte(`{"system":[]}`)
	got := Rewrite(body, Config{Replacement: ptr("X")})
	assert.Equal(t, body, got)
}

func TestRewrite_MissingTextField_ReturnsUnchanged(t *testing.T) {
	body := []byte(`{"system":[{"type":"text"}]}`)
	got := Rewrite(body, Config{Replacement: ptr("X")})
	assert.Equal(t, body, got)
}

func gjsonArray(t *testing.T, body []byte) []string {
	t.Helper()
	entries := gjson.GetBytes(body, "system").Array()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Raw)
	}
	return out
}
