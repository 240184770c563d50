// Package rewriter replaces or injects the leading system-prompt block of
// an outbound v1/messages request body, using field-level JSON surgery
// rather than a full decode/encode round trip so key order and non-ASCII
// text in the rest of the payload survive untouched.
package rewriter

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Keyword is matched case-insensitively against system[0].text to decide
// whether a pre-existing system prompt should be replaced rather than
// prefixed with an insert.
const Keyword = "Claude Code"

// Config mirrors the two configurable rewrite toggles read from the
// environment; the keyword is the fixed Keyword constant.
type Config struct {
	Replacement      *string
	InsertIfNotExist bool
}

// IsMessagesPath reports whether path is v1/messages, with or without a
// leading slash or trailing slash.
func IsMessagesPath(path string) bool {
	trimmed := strings.Trim(path, "/")
	return trimmed == "v1/messages"
}

// Rewrite applies the configured system-prompt rewrite to body. It returns
// body unchanged (same backing bytes) whenever the configuration is
// disabled, the body isn't valid JSON, or the body doesn't have the
// expected system-array shape.
func Rewrite(body []byte, cfg Config) []byte {
	if cfg.Replacement == nil {
		return body
	}
	if !gjson.ValidBytes(body) {
		return body
	}

	root := gjson.ParseBytes(body)
	system := root.Get("system")
	if !system.IsArray() {
		return body
	}
	entries := system.Array()
	if len(entries) == 0 {
		return body
	}
	first := entries[0]
	if !first.IsObject() {
		return body
	}
	text := first.Get("text")
	if !text.Exists() {
		return body
	}

	replacement := *cfg.Replacement

	if !cfg.InsertIfNotExist {
		out, err := sjson.SetBytes(body, "system.0.text", replacement)
		if err != nil {
			return body
		}
		return out
	}

	// A prior rewrite pass already left system[0].text equal to the
	// replacement: treat like a keyword match so re-running the rewrite
	// never inserts a second block.
	alreadyRewritten := text.String() == replacement
	if alreadyRewritten || strings.Contains(strings.ToLower(text.String()), strings.ToLower(Keyword)) {
		out, err := sjson.SetBytes(body, "system.0.text", replacement)
		if err != nil {
			return body
		}
		return out
	}

	insert := map[string]interface{}{
		"type": "text",
		"text": replacement,
		"cache_control": map[string]interface{}{
			"type": "ephemeral",
		},
	}
	out, err := sjson.SetBytes(body, "system.-1", insert)
	if err != nil {
		return body
	}
	// sjson.Set with "-1" appends; we need it at index 0 instead, so shift
	// the freshly appended element to the front.
	out, err = moveLastToFront(out)
	if err != nil {
		return body
	}
	return out
}

func moveLastToFront(body []byte) ([]byte, error) {
	system := gjson.GetBytes(body, "system")
	arr := system.Array()
	last := arr[len(arr)-1]

	reordered := make([]interface{}, 0, len(arr))
	reordered = append(reordered, last.Value())
	for _, e := range arr[:len(arr)-1] {
		reordered = append(reordered, e.Value())
	}
	return sjson.SetBytes(body, "system", reordered)
}
