// Package retrycontext tracks the probe/full-body retry state for a single
// inbound request as it works through the failover engine's URL and key
// loops.
package retrycontext

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProbeThreshold is the number of failed full-body attempts after which the
// engine switches to sending a minimal probe body instead.
const ProbeThreshold = 2

// DefaultProbeModel is used when the original body has no "model" field.
const DefaultProbeModel = "claude-3-5-haiku-20241022"

// Context holds the mutable retry bookkeeping for one inbound request.
type Context struct {
	originalBody []byte
	probeBody    []byte

	fullAttempts  int
	probeAttempts int

	probeSucceededButFullFailed bool
	lastSuccess                 struct {
		url, key string
		ok       bool
	}
}

// New builds a Context from the (possibly already rewritten) original
// request body.
func New(originalBody []byte) *Context {
	return &Context{
		originalBody: originalBody,
		probeBody:    buildProbeBody(originalBody),
	}
}

func buildProbeBody(original []byte) []byte {
	model := extractModel(original)
	body, _ := sjson.SetBytes([]byte(`{}`), "model", model)
	body, _ = sjson.SetBytesOptions(body, "messages", []interface{}{
		map[string]interface{}{"role": "user", "content": "ping"},
	}, &sjson.Options{Optimistic: true})
	body, _ = sjson.SetBytes(body, "max_tokens", 1)
	return body
}

func extractModel(body []byte) string {
	if !gjson.ValidBytes(body) {
		return DefaultProbeModel
	}
	m := gjson.GetBytes(body, "model").String()
	if m == "" {
		return DefaultProbeModel
	}
	return m
}

// ShouldUseProbe reports whether the engine has exhausted enough full-body
// attempts to switch to probing.
func (c *Context) ShouldUseProbe() bool {
	return c.fullAttempts >= ProbeThreshold
}

// CurrentBody returns the probe body while in probe mode, else the
// original (rewritten) body.
func (c *Context) CurrentBody() []byte {
	if c.ShouldUseProbe() {
		return c.probeBody
	}
	return c.originalBody
}

// OriginalBody returns the original (rewritten) request body regardless of
// probe mode, for the post-probe full retry.
func (c *Context) OriginalBody() []byte {
	return c.originalBody
}

// RecordAttempt increments the appropriate counter and, on a probe
// success, remembers the (url, key) pair that produced it.
func (c *Context) RecordAttempt(isProbe, success bool, url, key string) {
	if isProbe {
		c.probeAttempts++
	} else {
		c.fullAttempts++
	}
	if isProbe && success {
		c.lastSuccess.url = url
		c.lastSuccess.key = key
		c.lastSuccess.ok = true
	}
}

// DecrementFullAttempts undoes one full-attempt charge, guarding against
// going negative. Used by the one-shot nonessential-traffic auth retry so
// that retry does not consume the caller's full-attempt budget.
func (c *Context) DecrementFullAttempts() {
	if c.fullAttempts > 0 {
		c.fullAttempts--
	}
}

// MarkProbeSucceededFullFailed records that a probe succeeded but the
// subsequent full-body retry on the same (url, key) did not.
func (c *Context) MarkProbeSucceededFullFailed() {
	c.probeSucceededButFullFailed = true
}

// ProbeSucceededButFullFailed reports whether that ever happened during
// this request's lifetime.
func (c *Context) ProbeSucceededButFullFailed() bool {
	return c.probeSucceededButFullFailed
}

// LastProbeSuccess returns the (url, key) pair of the most recent
// successful probe, if any.
func (c *Context) LastProbeSuccess() (url, key string, ok bool) {
	return c.lastSuccess.url, c.lastSuccess.key, c.lastSuccess.ok
}
