// Package pending implements the per-URL buffer of key-ids awaiting
// confirmation that the URL actually works before they are penalized.
package pending

import (
	"log/slog"
	"sync"
)

// Cooler applies a real cooldown to a key-id. Satisfied by
// (*cooldown.Store).SetKeyCooldown partially applied to a duration.
type Cooler func(keyID string)

// Buffer is the mutex-guarded per-URL map of pending key-ids.
type Buffer struct {
	mu  sync.Mutex
	m   map[string][]string
	log *slog.Logger
}

// New creates an empty Buffer.
func New(log *slog.Logger) *Buffer {
	return &Buffer{m: map[string][]string{}, log: log}
}

// Add appends keyID to url's pending list if not already present.
func (b *Buffer) Add(url, keyID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.m[url] {
		if k == keyID {
			return
		}
	}
	b.m[url] = append(b.m[url], keyID)
}

// Confirm promotes every pending key-id on url into a real cooldown via
// cool, then clears the list. Callers must only invoke Confirm after
// observing a success on url.
func (b *Buffer) Confirm(url string, cool Cooler) {
	b.mu.Lock()
	pending := b.m[url]
	delete(b.m, url)
	b.mu.Unlock()

	for _, keyID := range pending {
		cool(keyID)
	}
	if len(pending) > 0 {
		b.log.Info("confirmed pending key cooldowns", "url", url, "count", len(pending))
	}
}

// Clear drops url's pending list without penalizing any key, logging the
// count dropped.
func (b *Buffer) Clear(url string) int {
	b.mu.Lock()
	pending := b.m[url]
	delete(b.m, url)
	b.mu.Unlock()

	if len(pending) > 0 {
		b.log.Info("cleared pending key cooldowns without penalty", "url", url, "count", len(pending))
	}
	return len(pending)
}
