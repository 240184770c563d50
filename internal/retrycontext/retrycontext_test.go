package retrycontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestNew_CurrentBodyStartsAsOriginal(t *testing.T) {
	c := New([]byte(`{"model":"m","max_tokens":100}`))
	assert.Equal(t, []byte(`{"model":"m","max_tokens":100}`), c.CurrentBody())
	assert.False(t, c.ShouldUseProbe())
}

func TestShouldUseProbe_AfterThreshold(t *testing.T) {
	c := New([]byte(`{"model":"m"}`))
	c.RecordAttempt(false, false, "u1", "k1")
	assert.False(t, c.ShouldUseProbe())
	c.RecordAttempt(false, false, "u1", "k2")
	assert.True(t, c.ShouldUseProbe())
}

func TestCurrentBody_SwitchesToProbe(t *testing.T) {
	c := New([]byte(`{"model":"claude-x"}`))
	c.RecordAttempt(false, false, "u1", "k1")
	c.RecordAttempt(false, false, "u1", "k2")

	probe := c.CurrentBody()
	assert.Equal(t, "claude-x", gjson.GetBytes(probe, "model").String())
	assert.Equal(t, "ping", gjson.GetBytes(probe, "messages.0.content").String())
	assert.EqualValues(t, 1, gjson.GetBytes(probe, "max_tokens").Int())
}

func TestProbeBody_FallsBackToDefaultModel(t *testing.T) {
	c := New([]byte(`{}`))
	probe := c.CurrentBody()
	_ = probe
	c.RecordAttempt(false, false, "u1", "k1")
	c.RecordAttempt(false, false, "u1", "k2")
	probe = c.CurrentBody()
	assert.Equal(t, DefaultProbeModel, gjson.GetBytes(probe, "model").String())
}

func TestRecordAttempt_ProbeSuccessRemembersURLAndKey(t *testing.T) {
	c := New([]byte(`{}`))
	c.RecordAttempt(true, true, "https://u1", "key1")
	url, key, ok := c.LastProbeSuccess()
	assert.True(t, ok)
	assert.Equal(t, "https://u1", url)
	assert.Equal(t, "key1", key)
}

func TestDecrementFullAttempts_NeverNegative(t *testing.T) {
	c := New([]byte(`{}`))
	c.DecrementFullAttempts()
	assert.False(t, c.ShouldUseProbe())
	c.RecordAttempt(false, false, "u1", "k1")
	c.DecrementFullAttempts()
	c.DecrementFullAttempts()
	assert.False(t, c.ShouldUseProbe())
	// Had the counter gone below zero, two more attempts would not reach
	// the probe threshold.
	c.RecordAttempt(false, false, "u1", "k1")
	c.RecordAttempt(false, false, "u1", "k2")
	assert.True(t, c.ShouldUseProbe())
}

func TestMarkProbeSucceededButFullFailed(t *testing.T) {
	c := New([]byte(`{}`))
	assert.False(t, c.ProbeSucceededButFullFailed())
	c.MarkProbeSucceededFullFailed()
	assert.True(t, c.ProbeSucceededButFullFailed())
}
