// Package failover implements the central request loop: it walks the
// configured candidate URLs and API keys, classifies every upstream
// response, and retries or fails over according to that classification
// until one attempt succeeds or every option is exhausted.
package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Aaroen/anyrouter-proxy/internal/challenge"
	"github.com/Aaroen/anyrouter-proxy/internal/config"
	"github.com/Aaroen/anyrouter-proxy/internal/cookiejar"
	"github.com/Aaroen/anyrouter-proxy/internal/cooldown"
	"github.com/Aaroen/anyrouter-proxy/internal/keyid"
	"github.com/Aaroen/anyrouter-proxy/internal/latch"
	"github.com/Aaroen/anyrouter-proxy/internal/pending"
	"github.com/Aaroen/anyrouter-proxy/internal/retrycontext"
	"github.com/Aaroen/anyrouter-proxy/internal/rewriter"
	"github.com/Aaroen/anyrouter-proxy/internal/usage"
)

// MaxAttemptsPerKey bounds the inner retry loop for a single (url, key)
// pair before moving to the next key.
const MaxAttemptsPerKey = 2

// InterAttemptBackoff is the fixed delay between same-(url,key) retries.
const InterAttemptBackoff = 500 * time.Millisecond

// RequestTimeout is the default per-attempt timeout, overridable via
// SetRequestTimeout (CLIENT_TIMEOUT_SECONDS).
const RequestTimeout = 60 * time.Second

// classifyPeekSize is how many bytes of a seemingly-successful response we
// inspect for a challenge marker before committing to streaming it through
// unbuffered.
const classifyPeekSize = 4096

// maxErrorBodyBytes bounds how much of an error response we buffer to
// extract error.type / error.message for classification.
const maxErrorBodyBytes = 1 << 20

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Host",
}

var responseHopByHopHeaders = append(append([]string{}, hopByHopHeaders...), "Content-Encoding", "Content-Length")

// Engine is the shared, process-wide failover handler.
type Engine struct {
	cfg            *config.Config
	log            *slog.Logger
	client         *http.Client
	cooldown       *cooldown.Store
	usage          *usage.Counter
	pending        *pending.Buffer
	jar            *cookiejar.Jar
	latch          *latch.Latch
	requestTimeout time.Duration
}

// New wires the shared state services into a ready-to-serve Engine. The
// per-attempt timeout starts at RequestTimeout; call SetRequestTimeout to
// override it.
func New(cfg *config.Config, log *slog.Logger, client *http.Client, store *cooldown.Store, usageCounter *usage.Counter, pendingBuf *pending.Buffer, jar *cookiejar.Jar, l *latch.Latch) *Engine {
	return &Engine{
		cfg:            cfg,
		log:            log,
		client:         client,
		cooldown:       store,
		usage:          usageCounter,
		pending:        pendingBuf,
		jar:            jar,
		latch:          l,
		requestTimeout: RequestTimeout,
	}
}

// SetRequestTimeout overrides the per-attempt request timeout (from
// CLIENT_TIMEOUT_SECONDS). A non-positive d is ignored.
func (e *Engine) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.requestTimeout = d
}

// ServeHTTP implements the full read → rewrite → failover → stream cycle
// for one inbound request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		e.log.Error("failed to read inbound request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if rewriter.IsMessagesPath(r.URL.Path) {
		reqBody = rewriter.Rewrite(reqBody, rewriter.Config{
			Replacement:      e.cfg.SystemPrompt.Replacement,
			InsertIfNotExist: e.cfg.SystemPrompt.InsertIfNotExist,
		})
	}

	baseHeaders := e.buildBaseHeaders(r)
	urls := e.availableURLs()
	keys := e.usage.SortedAvailable(e.cfg.APIKeys, e.cooldown, keyid.Fingerprint)
	if len(keys) == 0 {
		e.writeFailure(w, "failover_exhausted", "no API keys configured", nil)
		return
	}

	rc := retrycontext.New(reqBody)
	var recentErrors []string

	for _, candidateURL := range urls {
		if e.jar.MayRequireChallenge(candidateURL) {
			if err := e.jar.Ensure(r.Context(), candidateURL, false); err != nil {
				e.log.Debug("proactive cookie refresh failed, continuing anyway", "url", candidateURL, "error", err)
			}
		}

		for _, key := range keys {
			e.usage.Increment(key)
			action, done := e.tryKey(r, candidateURL, key, rc, baseHeaders, w, &recentErrors)
			if done {
				return
			}
			if action == actionNextURL {
				break
			}
		}
	}

	errType := "failover_exhausted"
	if rc.ProbeSucceededButFullFailed() {
		errType = "probe_success_full_failed"
	}
	e.writeFailure(w, errType, "all candidate URLs and keys were exhausted", recentErrors)
}

// tryKey runs the full MAX_ATTEMPTS inner loop for one (url, key) pair. It
// returns the final action taken (so the caller's outer loop knows whether
// to move to the next URL) and whether the response has already been
// written to w.
func (e *Engine) tryKey(r *http.Request, candidateURL, key string, rc *retrycontext.Context, baseHeaders http.Header, w http.ResponseWriter, recentErrors *[]string) (action, bool) {
	isProbe := rc.ShouldUseProbe()
	body := rc.CurrentBody()

	headers := cloneHeader(baseHeaders)
	targetURL, err := url.Parse(candidateURL)
	if err != nil {
		e.log.Error("invalid candidate URL", "url", candidateURL, "error", err)
		return actionNextURL, false
	}
	headers.Set("Host", targetURL.Host)
	headers.Set("x-api-key", key)

	var act action
	for attempt := 1; attempt <= MaxAttemptsPerKey; attempt++ {
		if attempt > 1 {
			if err := e.jar.Ensure(r.Context(), candidateURL, true); err != nil {
				e.log.Debug("forced cookie refresh failed", "url", candidateURL, "error", err)
			}
		}
		if cookieHeader := e.jar.CookieHeader(candidateURL); cookieHeader != "" {
			headers.Set("Cookie", cookieHeader)
		}

		outcome := e.issueAttempt(r.Context(), candidateURL, r.Method, r.URL.RawQuery, r.URL.Path, headers, body, attempt, isProbe)
		rc.RecordAttempt(isProbe, outcome.classification.action == actionReturnSuccess, candidateURL, key)

		if outcome.summary != "" {
			appendRecent(recentErrors, outcome.summary)
		}

		switch outcome.classification.action {
		case actionReturnSuccess:
			if outcome.classification.challengeToken != "" {
				e.jar.StoreSolved(candidateURL, outcome.classification.challengeToken)
			}
			if isProbe {
				return e.handlePostProbeFull(r, candidateURL, key, rc, headers, w, recentErrors)
			}
			e.streamSuccess(r.Context(), w, outcome.resp, candidateURL)
			return actionReturnSuccess, true

		case actionReturn4xxAsIs:
			e.streamPassthrough(r.Context(), w, outcome.resp)
			return actionReturn4xxAsIs, true

		case actionRetrySame:
			if outcome.classification.challengeToken != "" {
				e.jar.StoreSolved(candidateURL, outcome.classification.challengeToken)
			}
			if outcome.resp != nil {
				outcome.resp.Body.Close()
			}
			time.Sleep(InterAttemptBackoff)
			act = actionRetrySame
			continue

		case actionOneShotNonessentialRetry:
			if outcome.resp != nil {
				outcome.resp.Body.Close()
			}
			e.latch.Flip()
			rc.DecrementFullAttempts()
			time.Sleep(InterAttemptBackoff)
			act = actionRetrySame
			continue

		case actionNextKey:
			if outcome.resp != nil {
				outcome.resp.Body.Close()
			}
			e.pending.Add(candidateURL, keyid.Fingerprint(key))
			return actionNextKey, false

		case actionNextURL:
			if outcome.resp != nil {
				outcome.resp.Body.Close()
			}
			e.cooldown.SetURLCooldown(candidateURL, 0)
			// The URL itself is at fault, not the keys that failed against
			// it: drop their pending cooldowns rather than letting a later
			// success on this URL wrongly confirm them.
			e.pending.Clear(candidateURL)
			return actionNextURL, false
		}
	}

	return act, false
}

// handlePostProbeFull re-issues the original (non-probe) body on the same
// (url, key) after a probe succeeded, to confirm the full request also
// works before reporting success.
func (e *Engine) handlePostProbeFull(r *http.Request, candidateURL, key string, rc *retrycontext.Context, headers http.Header, w http.ResponseWriter, recentErrors *[]string) (action, bool) {
	body := rc.OriginalBody()
	outcome := e.issueAttempt(r.Context(), candidateURL, r.Method, r.URL.RawQuery, r.URL.Path, headers, body, 1, false)

	if outcome.classification.contentErrorAfterProbe {
		e.writeContentError(w, outcome)
		return actionReturn4xxAsIs, true
	}

	if outcome.classification.action == actionReturnSuccess {
		e.streamSuccess(r.Context(), w, outcome.resp, candidateURL)
		return actionReturnSuccess, true
	}

	if outcome.resp != nil {
		outcome.resp.Body.Close()
	}
	if outcome.summary != "" {
		appendRecent(recentErrors, outcome.summary)
	}
	rc.MarkProbeSucceededFullFailed()
	e.pending.Add(candidateURL, keyid.Fingerprint(key))
	return actionNextKey, false
}

type attemptOutcome struct {
	resp           *http.Response
	classification classification
	summary        string
}

// issueAttempt performs a single outbound HTTP call and classifies the
// result. The caller owns closing outcome.resp.Body except when
// classification already consumed it (challenge / error classification).
func (e *Engine) issueAttempt(ctx context.Context, candidateURL, method, rawQuery, path string, headers http.Header, body []byte, attempt int, isProbe bool) attemptOutcome {
	target := strings.TrimSuffix(candidateURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)

	req, err := http.NewRequestWithContext(reqCtx, method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return attemptOutcome{classification: classification{action: actionNextKey}, summary: err.Error()}
	}
	req.Header = headers
	req.ContentLength = int64(len(body))

	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		c := classification{action: actionNextKey}
		if attempt < MaxAttemptsPerKey {
			c.action = actionRetrySame
		}
		return attemptOutcome{classification: c, summary: "transport error: " + err.Error()}
	}

	outcome := e.classify(resp, attempt, isProbe)
	if outcome.classification.action == actionReturnSuccess {
		// A successful body is streamed after this returns, so its context
		// stays live until the inbound request ends or the timeout fires.
		go func() { <-reqCtx.Done(); cancel() }()
	} else {
		cancel()
	}
	return outcome
}

func (e *Engine) classify(resp *http.Response, attempt int, isProbe bool) attemptOutcome {
	// A challenge page returns 200 with HTML containing the obfuscated
	// token; it must be detected before a status-based success verdict.
	peek := make([]byte, classifyPeekSize)
	n, err := io.ReadFull(resp.Body, peek)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		resp.Body.Close()
		return attemptOutcome{classification: classification{action: actionNextKey}, summary: "failed reading response body: " + err.Error()}
	}
	peek = peek[:n]

	if strings.Contains(string(peek), "var arg1=") || strings.Contains(string(peek), "acw_sc__v2") {
		rest, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		full := append(peek, rest...)
		token, ok := challenge.Solve(string(full))
		c := classification{action: actionNextURL, challengeToken: token}
		if attempt < MaxAttemptsPerKey {
			c.action = actionRetrySame
		}
		if !ok {
			return attemptOutcome{classification: c, summary: "challenge page seen, solver found no token"}
		}
		return attemptOutcome{classification: c, summary: "WAF challenge encountered"}
	}

	restReader := io.MultiReader(bytes.NewReader(peek), resp.Body)

	if resp.StatusCode < 400 {
		resp.Body = readCloser{Reader: restReader, Closer: resp.Body}
		return attemptOutcome{resp: resp, classification: classification{action: actionReturnSuccess}}
	}

	errBody, _ := io.ReadAll(io.LimitReader(restReader, maxErrorBodyBytes))
	resp.Body.Close()

	errType := gjson.GetBytes(errBody, "error.type").String()
	errMsg := gjson.GetBytes(errBody, "error.message").String()
	summary := fmt.Sprintf("status=%d type=%s message=%s", resp.StatusCode, errType, truncate(errMsg, 200))

	if resp.StatusCode >= 500 && containsOverloadKeyword(errMsg) {
		return attemptOutcome{classification: classification{action: actionNextURL}, summary: summary}
	}

	if isAuthErrorType(errType) && (resp.StatusCode >= 500 || resp.StatusCode == 401 || resp.StatusCode == 403) {
		c := classification{action: actionNextKey}
		if !e.latch.Enabled() && !isProbe {
			c.action = actionOneShotNonessentialRetry
		}
		return attemptOutcome{resp: rebuildResponse(resp, errBody), classification: c, summary: summary}
	}

	if resp.StatusCode >= 500 {
		c := classification{action: actionNextURL}
		if attempt < MaxAttemptsPerKey {
			c.action = actionRetrySame
		}
		return attemptOutcome{classification: c, summary: summary}
	}

	if isContentErrorType(errType) {
		return attemptOutcome{
			resp:           rebuildResponse(resp, errBody),
			classification: classification{action: actionReturn4xxAsIs, contentErrorAfterProbe: true, status: resp.StatusCode, errType: errType, errMessage: errMsg},
			summary:        summary,
		}
	}

	return attemptOutcome{
		resp:           rebuildResponse(resp, errBody),
		classification: classification{action: actionReturn4xxAsIs},
		summary:        summary,
	}
}

func rebuildResponse(resp *http.Response, body []byte) *http.Response {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp
}

type readCloser struct {
	io.Reader
	io.Closer
}

type action int

const (
	actionReturnSuccess action = iota
	actionReturn4xxAsIs
	actionRetrySame
	actionNextKey
	actionNextURL
	actionOneShotNonessentialRetry
)

type classification struct {
	action                 action
	challengeToken         string
	contentErrorAfterProbe bool
	status                 int
	errType                string
	errMessage             string
}

func isAuthErrorType(t string) bool {
	switch t {
	case "authentication_error", "invalid_api_key", "permission_error":
		return true
	}
	return false
}

func isContentErrorType(t string) bool {
	switch t {
	case "invalid_request_error", "content_policy_violation", "request_too_large":
		return true
	}
	return false
}

func containsOverloadKeyword(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "负载") || strings.Contains(lower, "overload")
}

// streamSuccess copies the upstream response to the client, releasing the
// upstream stream when the copy finishes or the client disconnects.
func (e *Engine) streamSuccess(ctx context.Context, w http.ResponseWriter, resp *http.Response, candidateURL string) {
	e.pending.Confirm(candidateURL, func(keyID string) {
		e.cooldown.SetKeyCooldown(keyID, 0)
	})
	e.writeUpstream(ctx, w, resp)
}

func (e *Engine) streamPassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	e.writeUpstream(ctx, w, resp)
}

// writeUpstream copies the upstream response to w, and guarantees the
// upstream body is released whether the copy finishes normally or the
// client goes away mid-stream.
func (e *Engine) writeUpstream(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		if isResponseHopByHop(name) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()

	if _, err := io.Copy(w, resp.Body); err != nil {
		e.log.Debug("client disconnected mid-stream", "error", err)
	}
	close(done)
	resp.Body.Close()
}

func (e *Engine) writeContentError(w http.ResponseWriter, outcome attemptOutcome) {
	status := outcome.classification.status
	if status == 0 {
		status = http.StatusBadRequest
	}
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "content_error_after_probe",
			"message": outcome.classification.errMessage,
		},
	}
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (e *Engine) writeFailure(w http.ResponseWriter, errType, message string, details []string) {
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
			"details": details,
		},
	}
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write(data)
}

func (e *Engine) buildBaseHeaders(r *http.Request) http.Header {
	out := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		if isRequestHopByHop(name) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		existing := out.Get("X-Forwarded-For")
		if existing != "" {
			out.Set("X-Forwarded-For", existing+", "+host)
		} else {
			out.Set("X-Forwarded-For", host)
		}
	}

	for k, v := range e.cfg.ExtraHeaders {
		out.Set(k, v)
	}

	out.Set("X-Request-Id", uuid.NewString())
	return out
}

func (e *Engine) availableURLs() []string {
	var available []string
	for _, u := range e.cfg.CandidateURLs {
		if !e.cooldown.IsURLCoolingDown(u) {
			available = append(available, u)
		}
	}
	if len(available) > 0 {
		return available
	}

	var soonest string
	var soonestAt time.Time
	for _, u := range e.cfg.CandidateURLs {
		if exp, ok := e.cooldown.URLExpiry(u); ok {
			if soonest == "" || exp.Before(soonestAt) {
				soonest = u
				soonestAt = exp
			}
		}
	}
	if soonest == "" && len(e.cfg.CandidateURLs) > 0 {
		soonest = e.cfg.CandidateURLs[0]
	}
	if soonest == "" {
		return nil
	}
	return []string{soonest}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func isRequestHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func isResponseHopByHop(name string) bool {
	for _, h := range responseHopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func appendRecent(recent *[]string, summary string) {
	*recent = append(*recent, summary)
	if len(*recent) > 5 {
		*recent = (*recent)[len(*recent)-5:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
