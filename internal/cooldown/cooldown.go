// Package cooldown implements the persistent, crash-tolerant store of
// which URLs and keys are temporarily unusable.
package cooldown

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aaroen/anyrouter-proxy/internal/keyid"
)

const (
	// DefaultDuration is the default cooldown length for both URLs and keys.
	DefaultDuration = 72 * time.Hour

	currentSchemaVersion = 2
)

// document is the on-disk JSON shape.
type document struct {
	SchemaVersion int              `json:"schema_version"`
	Keys          map[string]int64 `json:"keys"`
	URLs          map[string]int64 `json:"urls"`
}

// Store is the mutex-guarded, file-backed cooldown table. One Store
// instance is shared process-wide.
type Store struct {
	mu   sync.Mutex
	path string
	keys map[string]int64 // keyid fingerprint -> unix seconds expiry
	urls map[string]int64 // url -> unix seconds expiry
	log  *slog.Logger

	// knownKeys lets Load() translate a schema-version-1 plaintext key
	// into its fingerprint; unknown plaintext entries are dropped.
	knownKeys []string
}

// New creates an empty Store backed by path. Call Load to populate it from
// disk.
func New(path string, knownKeys []string, log *slog.Logger) *Store {
	return &Store{
		path:      path,
		keys:      map[string]int64{},
		urls:      map[string]int64{},
		knownKeys: knownKeys,
		log:       log,
	}
}

// Load reads the persisted document, normalizing schema-version-1 entries
// and dropping anything already expired. A missing or corrupt file is
// non-fatal: the store simply starts empty.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read cooldown state file", "path", s.path, "error", err)
		}
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("failed to parse cooldown state file, starting empty", "path", s.path, "error", err)
		return
	}

	now := time.Now().Unix()
	urls := map[string]int64{}
	for u, exp := range doc.URLs {
		if exp > now {
			urls[u] = exp
		}
	}

	keys := map[string]int64{}
	switch doc.SchemaVersion {
	case 1:
		fingerprintOf := map[string]string{}
		for _, k := range s.knownKeys {
			fingerprintOf[k] = keyid.Fingerprint(k)
		}
		for plaintext, exp := range doc.Keys {
			if exp <= now {
				continue
			}
			if fp, ok := fingerprintOf[plaintext]; ok {
				keys[fp] = exp
			}
			// Unknown plaintext entries are dropped: we have no key to
			// translate them against.
		}
	default:
		for fp, exp := range doc.Keys {
			if exp > now && keyid.Valid(fp) {
				keys[fp] = exp
			}
		}
	}

	s.urls = urls
	s.keys = keys
}

// Save writes the full document atomically (temp file + rename) with
// schema-version 2. A save failure is logged and never aborts a request.
func (s *Store) Save() {
	s.mu.Lock()
	doc := document{
		SchemaVersion: currentSchemaVersion,
		Keys:          cloneMap(s.keys),
		URLs:          cloneMap(s.urls),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.log.Error("failed to marshal cooldown state", "error", err)
		return
	}

	dir := filepath.Dir(s.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(s.path), uuid.NewString()))

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.log.Error("failed to write cooldown state temp file", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("failed to install cooldown state file", "error", err)
		os.Remove(tmp)
	}
}

// SetURLCooldown marks url unusable for d (DefaultDuration if d <= 0).
// Expiries are kept in whole unix seconds, so the effective cooldown can
// be up to one second shorter than d.
func (s *Store) SetURLCooldown(url string, d time.Duration) {
	if d <= 0 {
		d = DefaultDuration
	}
	s.mu.Lock()
	s.urls[url] = time.Now().Add(d).Unix()
	s.mu.Unlock()
	s.Save()
}

// SetKeyCooldown marks the key behind fingerprint keyID unusable for d.
func (s *Store) SetKeyCooldown(keyID string, d time.Duration) {
	if d <= 0 {
		d = DefaultDuration
	}
	s.mu.Lock()
	s.keys[keyID] = time.Now().Add(d).Unix()
	s.mu.Unlock()
	s.Save()
}

// IsURLCoolingDown reports whether url is currently in cooldown, removing
// the entry first if it has already expired.
func (s *Store) IsURLCoolingDown(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkAndEvict(s.urls, url)
}

// IsKeyCoolingDown is the key-fingerprint analogue of IsURLCoolingDown.
func (s *Store) IsKeyCoolingDown(keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkAndEvict(s.keys, keyID)
}

// URLExpiry returns the cooldown expiry for url, or zero+false if it is
// not currently cooling down.
func (s *Store) URLExpiry(url string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.urls[url]
	if !ok || exp <= time.Now().Unix() {
		return time.Time{}, false
	}
	return time.Unix(exp, 0), true
}

// KeyExpiry returns the raw unix-seconds expiry for a key fingerprint, for
// the usage package's earliest-expiry-first fallback ordering.
func (s *Store) KeyExpiry(keyID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.keys[keyID]
	return exp, ok
}

func (s *Store) checkAndEvict(m map[string]int64, k string) bool {
	exp, ok := m[k]
	if !ok {
		return false
	}
	if exp <= time.Now().Unix() {
		delete(m, k)
		return false
	}
	return true
}

func cloneMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
