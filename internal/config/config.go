// Package config reads the proxy's environment-variable surface. Loading
// configuration from .env files or a process supervisor is left to an
// external wrapper; this package only reads what that wrapper already
// exported into the process environment.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the core consumes from the environment.
type Config struct {
	APIBaseURL      string
	CandidateURLs   []string
	APIKeys         []string
	SystemPrompt    RewriteConfig
	Port            int
	Debug           bool
	HTTPProxy       string
	HTTPSProxy      string
	NonessentialSet bool

	ClientTimeout time.Duration
	CookieTimeout time.Duration

	ChallengeHostHints []string
	ExtraHeaders       map[string]string

	CooldownStatePath string
}

// RewriteConfig holds the three system-prompt rewrite toggles.
type RewriteConfig struct {
	Replacement      *string
	InsertIfNotExist bool
	Keyword          string
}

var defaultCandidateURLs = []string{
	"https://anyrouter.top",
	"https://pmpj.cc",
	"https://instcopilot-api.com",
	"https://cspok.top",
}

var defaultChallengeHostHints = []string{"anyrouter", "cspok"}

// Load reads the environment table and the optional headers-overlay file.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:         getenv("API_BASE_URL", "https://anyrouter.top"),
		Port:               atoiDefault(getenv("PORT", "8088"), 8088),
		Debug:              parseBool(getenv("DEBUG_MODE", "false")),
		HTTPProxy:          os.Getenv("HTTP_PROXY"),
		HTTPSProxy:         os.Getenv("HTTPS_PROXY"),
		NonessentialSet:    parseBool(getenv("CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC", "0")),
		ClientTimeout:      durationSeconds("CLIENT_TIMEOUT_SECONDS", 60),
		CookieTimeout:      durationSeconds("COOKIE_TIMEOUT_SECONDS", 15),
		ChallengeHostHints: defaultChallengeHostHints,
		CooldownStatePath:  getenv("COOLDOWN_STATE_PATH", "cooldown_state.json"),
	}

	cfg.CandidateURLs = splitCSV(os.Getenv("CANDIDATE_URLS"))
	if len(cfg.CandidateURLs) == 0 {
		cfg.CandidateURLs = append([]string(nil), defaultCandidateURLs...)
	}

	cfg.APIKeys = splitCSV(os.Getenv("API_KEYS"))

	if v, ok := os.LookupEnv("SYSTEM_PROMPT_REPLACEMENT"); ok {
		cfg.SystemPrompt.Replacement = &v
	}
	cfg.SystemPrompt.InsertIfNotExist = parseBool(getenv("SYSTEM_PROMPT_BLOCK_INSERT_IF_NOT_EXIST", "false"))
	cfg.SystemPrompt.Keyword = "Claude Code"

	if hints := os.Getenv("CHALLENGE_HOST_HINTS"); hints != "" {
		cfg.ChallengeHostHints = splitCSV(hints)
	}

	headers, err := loadHeadersOverlay(getenv("HEADERS_OVERLAY_PATH", "env/.env.headers.json"))
	if err != nil {
		return nil, err
	}
	cfg.ExtraHeaders = headers

	return cfg, nil
}

func loadHeadersOverlay(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func atoiDefault(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func durationSeconds(envKey string, fallbackSeconds int) time.Duration {
	v := atoiDefault(os.Getenv(envKey), fallbackSeconds)
	return time.Duration(v) * time.Second
}
