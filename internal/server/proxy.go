package server

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/waddleai/waddlegate/internal"
	"github.com/waddleai/waddlegate/internal/accounting"
	"github.com/waddleai/waddlegate/internal/ratelimit"
	"github.com/waddleai/waddlegate/internal/router"
	"github.com/waddleai/waddlegate/internal/security"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// admissionWait is how long a request blocks for a free upstream slot before
// failing fast with Overloaded (spec's "small bound").
const admissionWait = 200 * time.Millisecond

// decodeRequestBody reads the request body via bodyPool and unmarshals JSON
// into v, writing a MalformedRequest response and returning false on error.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeAPIError(w, r.Context(), gateway.ErrMalformedRequest)
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error", slog.String("error", err.Error()))
		writeAPIError(w, r.Context(), gateway.ErrMalformedRequest)
		return false
	}
	bodyPool.Put(buf)
	return true
}

// handleChatCompletion runs the full request pipeline: SCANNED, ADMITTED,
// ROUTED, ACCOUNTED.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeAPIError(w, r.Context(), gateway.ErrMalformedRequest)
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	if identity != nil && !identity.IsModelAllowed(req.Model) {
		writeAPIError(w, r.Context(), gateway.ErrModelNotAllowed)
		return
	}

	if s.deps.Scanner != nil {
		if !s.scanRequest(w, r, identity, &req) {
			return
		}
	}

	estimated := accounting.Estimate(s.deps.TokenCounter, req.Model, promptText(&req))
	if !s.consumeTPM(w, identity, estimated) {
		return
	}

	cred, tenant, err := s.resolveCredentialAndTenant(r.Context(), identity)
	if err != nil {
		writeAPIError(w, r.Context(), err)
		return
	}
	if s.deps.Accountant != nil && identity != nil {
		ok, _, err := s.deps.Accountant.Admission(r.Context(), cred, tenant, estimated)
		if err != nil {
			writeAPIError(w, r.Context(), err)
			return
		}
		if !ok {
			s.recordFailure(r, identity, req.Model, 0, gateway.ErrQuotaExceeded)
			writeAPIError(w, r.Context(), gateway.ErrQuotaExceeded)
			return
		}
	}

	release, ok := s.acquireSlot(r.Context())
	if !ok {
		writeAPIError(w, r.Context(), gateway.ErrOverloaded)
		return
	}
	defer release()

	if !req.Stream && s.deps.Cache != nil && identity != nil && isCacheable(&req) {
		key := cacheKey(identity.CredentialID, &req)
		if data, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			s.accountSuccess(r.Context(), identity, req.Model, nil, nil, 0, true)
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	if req.Stream {
		s.handleChatCompletionStream(w, r, &req, identity, estimated)
		return
	}

	start := time.Now()
	resp, link, err := s.routeAndExecute(r.Context(), &req)
	elapsed := time.Since(start)
	if err != nil {
		s.recordFailure(r, identity, req.Model, elapsed, err)
		writeAPIError(w, r.Context(), err)
		return
	}

	s.adjustTPM(identity, estimated, resp.Usage)
	s.accountSuccess(r.Context(), identity, req.Model, link, resp.Usage, elapsed, false)

	if s.deps.Cache != nil && identity != nil && isCacheable(&req) {
		if data, err := json.Marshal(resp); err == nil {
			s.deps.Cache.Set(r.Context(), cacheKey(identity.CredentialID, &req), data, s.cacheTTL(r.Context(), req.Model))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, identity *gateway.Identity, estimated int64) {
	start := time.Now()
	ch, link, err := s.routeAndExecuteStream(r.Context(), req)
	if err != nil {
		s.recordFailure(r, identity, req.Model, time.Since(start), err)
		writeAPIError(w, r.Context(), err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	var usage *gateway.Usage
	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-ch:
				if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, identity, link, estimated, usage, start); !ok {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-ch:
			if usage, ok = s.processStreamChunk(w, flusher, r, chunk, chOpen, req, identity, link, estimated, usage, start); !ok {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// processStreamChunk handles a single chunk from the stream channel.
// Returns updated usage and true to continue, or false if the stream ended.
func (s *server) processStreamChunk(
	w http.ResponseWriter, flusher http.Flusher, r *http.Request,
	chunk gateway.StreamChunk, chOpen bool,
	req *gateway.ChatRequest, identity *gateway.Identity, link *gateway.ProviderLink, estimated int64,
	usage *gateway.Usage, start time.Time,
) (*gateway.Usage, bool) {
	if !chOpen {
		writeSSEDone(w)
		flusher.Flush()
		s.finishStream(r, req, identity, link, estimated, usage, start)
		return usage, false
	}
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error", slog.String("error", chunk.Err.Error()))
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		s.recordFailure(r, identity, req.Model, time.Since(start), gateway.ErrUpstreamFailed)
		return usage, false
	}
	if chunk.Usage != nil {
		usage = chunk.Usage
		if link != nil && s.deps.Accountant != nil {
			if rate, ok := s.deps.Accountant.RateFor(r.Context(), link.Kind, req.Model); ok {
				waddleIn, waddleOut := accounting.Convert(rate, usage.PromptTokens, usage.CompletionTokens)
				usage.WaddleTokens = waddleIn + waddleOut
			}
		}
	}
	if chunk.Done {
		writeSSEDone(w)
		flusher.Flush()
		s.finishStream(r, req, identity, link, estimated, usage, start)
		return usage, false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return usage, true
}

// finishStream adjusts TPM and records usage after stream completion.
func (s *server) finishStream(r *http.Request, req *gateway.ChatRequest, identity *gateway.Identity, link *gateway.ProviderLink, estimated int64, usage *gateway.Usage, start time.Time) {
	s.adjustTPM(identity, estimated, usage)
	s.accountSuccess(r.Context(), identity, req.Model, link, usage, time.Since(start), false)
}

// resolveCredentialAndTenant loads the credential (if the caller authenticated
// with one) and its governing tenant, for admission checks. Session-token
// identities have no credential, so admission falls back to tenant-only quota.
func (s *server) resolveCredentialAndTenant(ctx context.Context, identity *gateway.Identity) (*gateway.Credential, *gateway.Tenant, error) {
	if identity == nil {
		return &gateway.Credential{}, &gateway.Tenant{}, nil
	}
	cred := &gateway.Credential{TenantID: identity.TenantID}
	if s.deps.Store == nil {
		return cred, &gateway.Tenant{ID: identity.TenantID, Enabled: true}, nil
	}
	if identity.CredentialID != "" {
		c, err := s.deps.Store.GetCredential(ctx, identity.CredentialID)
		if err != nil {
			return nil, nil, err
		}
		cred = c
	}
	tenant, err := s.deps.Store.GetTenant(ctx, identity.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return cred, tenant, nil
}

// routeAndExecute builds the failover plan for req.Model and executes it in
// order (spec: the router never retries the same ProviderLink within one
// request), returning the first success or ErrAllProvidersFailed.
func (s *server) routeAndExecute(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, *gateway.ProviderLink, error) {
	plan, targetModel, err := s.buildPlan(ctx, req.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", gateway.ErrAllProvidersFailed, err)
	}

	var lastErr error
	for _, link := range plan {
		prov, perr := s.deps.Providers.Get(link.ID)
		if perr != nil {
			lastErr = perr
			continue
		}
		callReq := *req
		if m, ok := targetModel[link.ID]; ok && m != "" {
			callReq.Model = m
		}

		s.deps.Tracker.InFlightStart(link.ID)
		start := time.Now()
		resp, cerr := prov.ChatCompletion(ctx, &callReq)
		elapsed := time.Since(start)
		s.deps.Tracker.InFlightEnd(link.ID)

		if cerr != nil {
			s.deps.Tracker.RecordFailure(link.ID, cerr)
			lastErr = fmt.Errorf("%w: %v", gateway.ErrUpstreamFailed, cerr)
			continue
		}
		s.deps.Tracker.RecordSuccess(link.ID, elapsed)

		if resp.Usage != nil && s.deps.Accountant != nil {
			if rate, ok := s.deps.Accountant.RateFor(ctx, link.Kind, callReq.Model); ok {
				waddleIn, waddleOut := accounting.Convert(rate, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
				resp.Usage.WaddleTokens = waddleIn + waddleOut
			}
		}
		return resp, link, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates for model %q", req.Model)
	}
	return nil, nil, fmt.Errorf("%w: %v", gateway.ErrAllProvidersFailed, lastErr)
}

// routeAndExecuteStream is routeAndExecute's streaming counterpart: it plans
// candidates the same way but hands back the first candidate's stream
// channel directly, since mid-stream failover would require buffering
// already-flushed chunks.
func (s *server) routeAndExecuteStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, *gateway.ProviderLink, error) {
	plan, targetModel, err := s.buildPlan(ctx, req.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", gateway.ErrAllProvidersFailed, err)
	}

	var lastErr error
	for _, link := range plan {
		prov, perr := s.deps.Providers.Get(link.ID)
		if perr != nil {
			lastErr = perr
			continue
		}
		callReq := *req
		if m, ok := targetModel[link.ID]; ok && m != "" {
			callReq.Model = m
		}
		s.deps.Tracker.InFlightStart(link.ID)
		ch, serr := prov.ChatCompletionStream(ctx, &callReq)
		s.deps.Tracker.InFlightEnd(link.ID)
		if serr != nil {
			s.deps.Tracker.RecordFailure(link.ID, serr)
			lastErr = fmt.Errorf("%w: %v", gateway.ErrUpstreamFailed, serr)
			continue
		}
		return ch, link, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates for model %q", req.Model)
	}
	return nil, nil, fmt.Errorf("%w: %v", gateway.ErrAllProvidersFailed, lastErr)
}

// buildPlan resolves model to an ordered list of candidate provider links
// (ROUTED stage). A configured Route overrides the selection policy and
// constrains candidates to its target set, each of which may address a
// different underlying model than the requested alias; targetModel carries
// that per-link override. Absent a route, every enabled link advertising
// model directly is a candidate under the server's default policy.
func (s *server) buildPlan(ctx context.Context, model string) ([]*gateway.ProviderLink, map[string]string, error) {
	targetModel := make(map[string]string)
	policy := s.deps.DefaultPolicy
	var links []*gateway.ProviderLink
	var preferred []string

	if s.deps.Store != nil {
		if route, rerr := s.deps.Store.GetRouteByAlias(ctx, model); rerr == nil && route != nil {
			var targets []gateway.RouteTarget
			if jerr := json.Unmarshal(route.Targets, &targets); jerr == nil && len(targets) > 0 {
				slices.SortFunc(targets, func(a, b gateway.RouteTarget) int { return a.Priority - b.Priority })
				policy = router.ParsePolicy(route.Strategy)
				for _, t := range targets {
					link, lerr := s.deps.Store.GetProviderLink(ctx, t.ProviderLinkID)
					if lerr != nil || link == nil {
						continue
					}
					if len(router.Candidates(s.deps.Tracker, []*gateway.ProviderLink{link}, t.Model)) == 0 {
						continue
					}
					links = append(links, link)
					targetModel[link.ID] = t.Model
					preferred = append(preferred, link.ID)
				}
			}
		}
	}

	if len(links) == 0 {
		if s.deps.Store == nil {
			return nil, nil, errors.New("router: no provider store configured")
		}
		all, lerr := s.deps.Store.ListProviderLinks(ctx)
		if lerr != nil {
			return nil, nil, lerr
		}
		links = router.Candidates(s.deps.Tracker, all, model)
		for _, l := range links {
			targetModel[l.ID] = model
		}
	}

	if len(links) == 0 {
		return nil, nil, fmt.Errorf("no healthy candidates for model %q", model)
	}

	plan, err := s.deps.Selector.Plan(policy, model, links, preferred)
	if err != nil {
		return nil, nil, err
	}
	return plan, targetModel, nil
}

// scanRequest runs the security scanner against the prompt text (SCANNED
// stage), writes a SecurityEvent for any detected threat, and returns false
// (having already written a SecurityRejected response) if any threat's
// action is block. A sanitize action rewrites the caller's last user message
// in place before the pipeline continues.
func (s *server) scanRequest(w http.ResponseWriter, r *http.Request, identity *gateway.Identity, req *gateway.ChatRequest) bool {
	text := promptText(req)
	threats, sanitized := s.deps.Scanner.Scan(text)
	if len(threats) == 0 {
		return true
	}

	blocked := false
	action := string(security.ActionLog)
	worst := security.SeverityLow
	maxConfidence := 0.0
	matchCount := 0
	kinds := make([]gateway.ThreatType, 0, len(threats))
	for _, t := range threats {
		kinds = append(kinds, t.Kind)
		if severityRank(t.Severity) > severityRank(worst) {
			worst = t.Severity
		}
		if t.Confidence > maxConfidence {
			maxConfidence = t.Confidence
		}
		matchCount += t.MatchCount
		switch t.Action {
		case security.ActionBlock:
			blocked = true
			action = string(security.ActionBlock)
		case security.ActionSanitize:
			if action != string(security.ActionBlock) {
				action = string(security.ActionSanitize)
			}
		}
	}

	if s.deps.Store != nil && identity != nil {
		sample := text
		if len(sample) > 1000 {
			sample = sample[:1000]
		}
		hash := md5.Sum([]byte(text))
		ev := &gateway.SecurityEvent{
			ID:           uuid.Must(uuid.NewV7()).String(),
			TenantID:     identity.TenantID,
			PrincipalID:  identity.PrincipalID,
			CredentialID: identity.CredentialID,
			RequestID:    gateway.RequestIDFromContext(r.Context()),
			ThreatTypes:  kinds,
			Severity:     string(worst),
			Confidence:   maxConfidence,
			Action:       action,
			MatchCount:   matchCount,
			Sample:       sample,
			RequestHash:  hex.EncodeToString(hash[:]),
			SourceIP:     clientIP(r),
			CreatedAt:    time.Now(),
		}
		if err := s.deps.Store.InsertSecurityEvent(r.Context(), ev); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "security event insert failed", slog.String("error", err.Error()))
		}
	}

	if blocked {
		writeAPIError(w, r.Context(), gateway.ErrSecurityRejected)
		return false
	}
	if action == string(security.ActionSanitize) {
		applySanitized(req, sanitized)
	}
	return true
}

func severityRank(s security.Severity) int {
	switch s {
	case security.SeverityCritical:
		return 3
	case security.SeverityHigh:
		return 2
	case security.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// applySanitized replaces the last user message's content with the scanner's
// redacted text, so the outbound call never carries the offending span.
func applySanitized(req *gateway.ChatRequest, sanitized string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			if b, err := json.Marshal(sanitized); err == nil {
				req.Messages[i].Content = b
			}
			return
		}
	}
}

// promptText concatenates every message's raw content for scanning and
// estimation, the same raw-bytes-as-text treatment tokencount.Counter uses.
func promptText(req *gateway.ChatRequest) string {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.Write(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// clientIP returns the request's remote address without the port, for
// SecurityEvent.SourceIP.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// acquireSlot reserves one of the server's max-in-flight slots, blocking up
// to admissionWait before reporting saturation. A nil inflight channel means
// no cap is configured.
func (s *server) acquireSlot(ctx context.Context) (release func(), ok bool) {
	if s.inflight == nil {
		return func() {}, true
	}
	select {
	case s.inflight <- struct{}{}:
		return func() { <-s.inflight }, true
	default:
	}

	timer := time.NewTimer(admissionWait)
	defer timer.Stop()
	select {
	case s.inflight <- struct{}{}:
		return func() { <-s.inflight }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// getLimiter returns the rate limiter for the identity, applying default
// RPM/TPM from config when per-credential limits are zero.
func (s *server) getLimiter(id *gateway.Identity) *ratelimit.Limiter {
	if s.deps.RateLimiter == nil || id == nil || id.CredentialID == "" {
		return nil
	}
	limits := ratelimit.Limits{RPM: id.RPMLimit, TPM: id.TPMLimit}
	if limits.RPM == 0 {
		limits.RPM = s.deps.DefaultRPM
	}
	if limits.TPM == 0 {
		limits.TPM = s.deps.DefaultTPM
	}
	if limits.RPM == 0 && limits.TPM == 0 {
		return nil
	}
	return s.deps.RateLimiter.GetOrCreate(id.CredentialID, limits)
}

// consumeTPM checks the TPM limit, sets headers, and returns false if denied.
func (s *server) consumeTPM(w http.ResponseWriter, identity *gateway.Identity, estimated int64) bool {
	if limiter := s.getLimiter(identity); limiter != nil {
		result := limiter.ConsumeTPM(estimated)
		setTPMHeaders(w, result)
		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("tpm").Inc()
			}
			writeRateLimitError(w, result)
			return false
		}
	}
	return true
}

// adjustTPM corrects the TPM bucket after receiving actual usage.
func (s *server) adjustTPM(identity *gateway.Identity, estimated int64, usage *gateway.Usage) {
	if usage == nil {
		return
	}
	if limiter := s.getLimiter(identity); limiter != nil {
		limiter.AdjustTPM(estimated - int64(usage.TotalTokens))
	}
}

// accountSuccess runs the ACCOUNTED stage: converts raw usage to waddle
// tokens and writes the ledger + quota-cache rows. Failures here are logged
// but never surfaced to the client -- the response has already succeeded.
func (s *server) accountSuccess(ctx context.Context, identity *gateway.Identity, model string, link *gateway.ProviderLink, usage *gateway.Usage, elapsed time.Duration, cached bool) {
	if s.deps.Accountant == nil {
		return
	}
	rec := gateway.UsageRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Model:      model,
		LatencyMs:  int(elapsed.Milliseconds()),
		StatusCode: http.StatusOK,
		RequestID:  gateway.RequestIDFromContext(ctx),
		CreatedAt:  time.Now(),
		Cached:     cached,
	}
	if identity != nil {
		rec.PrincipalID = identity.PrincipalID
		rec.TenantID = identity.TenantID
		rec.CredentialID = identity.CredentialID
	}
	if link != nil {
		rec.ProviderLinkID = link.ID
		rec.ProviderKind = link.Kind
	}
	if usage != nil {
		rec.RawPromptTokens = usage.PromptTokens
		rec.RawCompletionTokens = usage.CompletionTokens
		if rate, ok := s.deps.Accountant.RateFor(ctx, rec.ProviderKind, model); ok {
			waddleIn, waddleOut := accounting.Convert(rate, usage.PromptTokens, usage.CompletionTokens)
			rec.WaddleInputTokens = waddleIn
			rec.WaddleOutputTokens = waddleOut
			rec.WaddleTotalTokens = waddleIn + waddleOut
			rec.CostUSD = float64(rec.WaddleTotalTokens) * rate.BaseCostUSD
		} else {
			rec.WaddleTotalTokens = usage.WaddleTokens
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
			s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
		}
	}
	rec.DayBucket = rec.CreatedAt.UTC().Format("2006-01-02")

	if err := s.deps.Accountant.Record(ctx, rec); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage record failed", slog.String("error", err.Error()))
	}
}

// recordFailure logs a terminal non-2xx pipeline outcome via the async usage
// recorder, for observability. Per spec, a SecurityRejected outcome never
// reaches this function -- callers skip it for that path.
func (s *server) recordFailure(r *http.Request, identity *gateway.Identity, model string, elapsed time.Duration, err error) {
	if s.deps.Usage == nil {
		return
	}
	_, status := errorKindAndStatus(err)
	rec := gateway.UsageRecord{
		Model:      model,
		LatencyMs:  int(elapsed.Milliseconds()),
		StatusCode: status,
		RequestID:  gateway.RequestIDFromContext(r.Context()),
		CreatedAt:  time.Now(),
	}
	if identity != nil {
		rec.PrincipalID = identity.PrincipalID
		rec.TenantID = identity.TenantID
		rec.CredentialID = identity.CredentialID
	}
	rec.DayBucket = rec.CreatedAt.UTC().Format("2006-01-02")
	s.deps.Usage.Record(rec)
}

// cacheTTL returns the cache TTL for a request: the route's configured
// cache_ttl_s if one exists, else a 5m default.
func (s *server) cacheTTL(ctx context.Context, model string) time.Duration {
	if s.deps.Store != nil {
		if route, err := s.deps.Store.GetRouteByAlias(ctx, model); err == nil && route != nil && route.CacheTTLs > 0 {
			return time.Duration(route.CacheTTLs) * time.Second
		}
	}
	return 5 * time.Minute
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Kind    string `json:"kind"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// errorKindAndStatus maps a pipeline error to its spec §7 taxonomy kind and
// fixed HTTP status.
func errorKindAndStatus(err error) (kind string, status int) {
	switch {
	case errors.Is(err, gateway.ErrAuthenticationFailed),
		errors.Is(err, gateway.ErrCredentialExpired),
		errors.Is(err, gateway.ErrCredentialBlocked):
		return "AuthenticationFailed", http.StatusUnauthorized
	case errors.Is(err, gateway.ErrAuthorizationDenied), errors.Is(err, gateway.ErrModelNotAllowed):
		return "AuthorizationDenied", http.StatusForbidden
	case errors.Is(err, gateway.ErrSecurityRejected):
		return "SecurityRejected", http.StatusBadRequest
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return "QuotaExceeded", http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrRateLimited):
		return "RateLimited", http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrMalformedRequest):
		return "MalformedRequest", http.StatusBadRequest
	case errors.Is(err, gateway.ErrAllProvidersFailed):
		return "AllProvidersFailed", http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrOverloaded):
		return "Overloaded", http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamFailed):
		return "UpstreamFailed", http.StatusBadGateway
	case errors.Is(err, gateway.ErrNotFound):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return "Conflict", http.StatusConflict
	default:
		return "InternalError", http.StatusInternalServerError
	}
}

// errorStatus reports the HTTP status for err; see errorKindAndStatus.
func errorStatus(err error) int {
	_, status := errorKindAndStatus(err)
	return status
}

func apiErrorType(kind string) string {
	switch kind {
	case "AuthenticationFailed":
		return "authentication_error"
	case "AuthorizationDenied":
		return "permission_error"
	case "SecurityRejected", "MalformedRequest":
		return "invalid_request_error"
	case "QuotaExceeded", "RateLimited":
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

// writeAPIError logs the full error server-side and writes the taxonomy
// response to the client. InternalError never echoes the underlying error
// text, so upstream secrets or stack traces cannot leak.
func writeAPIError(w http.ResponseWriter, ctx context.Context, err error) {
	kind, status := errorKindAndStatus(err)
	slog.LogAttrs(ctx, slog.LevelWarn, "request failed",
		slog.String("kind", kind),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	var e apiError
	e.Error.Kind = kind
	e.Error.Type = apiErrorType(kind)
	if status == http.StatusInternalServerError {
		e.Error.Message = "internal error"
	} else {
		e.Error.Message = err.Error()
	}
	writeJSON(w, status, e)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
