// Package cookiejar caches the small set of cookies each candidate URL
// needs to pass its anti-bot challenge, refreshing them lazily and
// collapsing concurrent refreshes of the same URL into one outbound
// request.
package cookiejar

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Aaroen/anyrouter-proxy/internal/challenge"
)

// TTL is how long a refreshed jar entry is considered fresh.
const TTL = 300 * time.Second

// DefaultFetchTimeout bounds the refresh GET request.
const DefaultFetchTimeout = 15 * time.Second

type entry struct {
	cookies     map[string]string
	refreshedAt time.Time
}

func (e *entry) fresh() bool {
	return e != nil && len(e.cookies) > 0 && time.Since(e.refreshedAt) < TTL
}

// Jar is the process-wide, per-URL cookie cache.
type Jar struct {
	mu      sync.Mutex
	entries map[string]*entry

	client        *http.Client
	hostHints     []string
	group         singleflight.Group
	log           *slog.Logger
	fetchDeadline time.Duration
}

// New creates an empty Jar. hostHints are substrings of a URL's host that
// mark it as a candidate for proactive challenge solving. The refresh
// fetch deadline starts at DefaultFetchTimeout; call SetFetchDeadline to
// override it.
func New(client *http.Client, hostHints []string, log *slog.Logger) *Jar {
	return &Jar{
		entries:       map[string]*entry{},
		client:        client,
		hostHints:     hostHints,
		log:           log,
		fetchDeadline: DefaultFetchTimeout,
	}
}

// SetFetchDeadline overrides the refresh fetch deadline. A non-positive d
// is ignored, leaving the previous deadline in place.
func (j *Jar) SetFetchDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	j.mu.Lock()
	j.fetchDeadline = d
	j.mu.Unlock()
}

// MayRequireChallenge reports whether urlStr's host matches one of the
// configured hint substrings.
func (j *Jar) MayRequireChallenge(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, hint := range j.hostHints {
		if strings.Contains(host, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

// CookieHeader renders the cached cookies for urlStr as a single Cookie
// header value, or "" if there are none.
func (j *Jar) CookieHeader(urlStr string) string {
	j.mu.Lock()
	e := j.entries[urlStr]
	j.mu.Unlock()
	if e == nil || len(e.cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(e.cookies))
	for k, v := range e.cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// Ensure refreshes the jar for urlStr if it is empty or stale, or
// unconditionally if force is true. Concurrent callers for the same URL
// share one outbound fetch.
func (j *Jar) Ensure(ctx context.Context, urlStr string, force bool) error {
	if !force {
		j.mu.Lock()
		fresh := j.entries[urlStr].fresh()
		j.mu.Unlock()
		if fresh {
			return nil
		}
	}

	_, err, _ := j.group.Do(urlStr, func() (interface{}, error) {
		return nil, j.refresh(ctx, urlStr)
	})
	return err
}

func (j *Jar) refresh(ctx context.Context, urlStr string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, j.fetchDeadline)
	defer cancel()

	target := strings.TrimSuffix(urlStr, "/") + "/"
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := j.client.Do(req)
	if err != nil {
		j.log.Warn("cookie refresh request failed", "url", urlStr, "error", err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		j.log.Warn("cookie refresh body read failed", "url", urlStr, "error", err)
		return err
	}

	cookies := map[string]string{}
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c.Value
	}

	if challenge.HasChallengeMarker(string(body)) {
		token, ok := challenge.Solve(string(body))
		if !ok {
			j.log.Warn("challenge page seen but solver found no token", "url", urlStr)
			return errNoChallengeToken
		}
		cookies["acw_sc__v2"] = token
	}

	j.mu.Lock()
	j.entries[urlStr] = &entry{cookies: cookies, refreshedAt: time.Now()}
	j.mu.Unlock()
	return nil
}

// StoreSolved installs a token discovered mid-request (a response-driven
// challenge solve rather than a proactive Ensure) without an extra fetch.
func (j *Jar) StoreSolved(urlStr, token string) {
	j.mu.Lock()
	e := j.entries[urlStr]
	if e == nil {
		e = &entry{cookies: map[string]string{}}
		j.entries[urlStr] = e
	}
	e.cookies["acw_sc__v2"] = token
	e.refreshedAt = time.Now()
	j.mu.Unlock()
}

type challengeUnsolvedError struct{}

func (challengeUnsolvedError) Error() string { return "challenge page returned no solvable token" }

var errNoChallengeToken error = challengeUnsolvedError{}
