// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"axonflow/gateway/common/usage"
	"axonflow/gateway/gateway/cache"
	"axonflow/gateway/gateway/classify"
	"axonflow/gateway/gateway/policy"
	"axonflow/gateway/gateway/routing"
	"axonflow/gateway/gateway/upstream"
)

// maxRequestBody caps chat completion request bodies at 10 MiB.
const maxRequestBody = 10 << 20

// Additional outcome labels for requests_total.
const (
	OutcomeCached        = "cached"
	outcomeUpstreamError = "upstream_error"
	outcomeStreamError   = "stream_error"
)

// Routing modes beyond the extension's classifier/manual values.
const (
	routeAgent = "agent"
	routePool  = "pool"
)

// requestState accumulates what metrics, logging, and usage accounting
// need as the pipeline runs.
type requestState struct {
	requestID    string
	identity     ClientIdentity
	policy       string
	strategy     string
	label        string
	backend      string
	model        string
	attempts     int
	cacheHit     bool
	statusCode   int
	tokens       upstream.Usage
	upstreamTime time.Duration
}

func (s *requestState) policyLabel() string {
	if s.policy == "" {
		return "unknown"
	}
	return s.policy
}

func (s *requestState) modelLabel() string {
	if s.model == "" {
		return "unknown"
	}
	return s.model
}

// requestIDFrom reuses a sane client-supplied X-Request-Id so IDs
// correlate across services, otherwise mints one.
func requestIDFrom(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if id == "" || len(id) > 64 {
		return uuid.New().String()
	}
	return id
}

// chatCompletionsHandler drives a request through the whole pipeline:
// parse, admit, resolve, route, consult the cache, execute with
// retries, reply, and account.
func chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := &requestState{
		requestID: requestIDFrom(r),
		identity:  IdentityFromContext(r.Context()),
	}
	w.Header().Set("X-Request-Id", st.requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		finishWithError(w, st, start, errInvalidRequest("failed to read request body: %v", err))
		return
	}

	req, err := ParseChatRequest(body)
	if err != nil {
		finishWithError(w, st, start, err)
		return
	}
	st.model = req.Model

	// Admission control runs before any routing work so abusive
	// clients cost nothing downstream.
	if !rateLimiter.Allow(r.Context(), limiterConfig.Identity(st.identity.ID)) {
		promRateLimited.WithLabelValues(limiterConfig.Scope).Inc()
		statsCollector.RecordRateLimited()
		finishWithError(w, st, start, errRateLimited())
		return
	}

	pol, err := gatewayRegistry.Resolve(req.Extension.Policy)
	if err != nil {
		finishWithError(w, st, start, err)
		return
	}
	st.policy = pol.Name

	// The cache is consulted before candidate resolution so a hit never
	// pays for a classifier or agent call. The fingerprint covers
	// everything that shapes the response, including the stream flag, so
	// cached streams never answer non-streaming calls or vice versa.
	cacheable := cfg.Cache.IsEnabled() && req.WantsCache() && cache.Cacheable(req.Temperature, req.TopP)
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(req.CacheRequest(pol.Name))
		if entry, ok := cacheStore.Get(r.Context(), fingerprint); ok {
			serveCached(w, st, entry)
			finishRequest(st, OutcomeCached, start)
			return
		}
		promCacheMisses.WithLabelValues(pol.Name).Inc()
		statsCollector.RecordCacheMiss(pol.Name)
	}

	candidates, err := resolveCandidates(r.Context(), st, pol, req)
	if err != nil {
		finishWithError(w, st, start, err)
		return
	}

	if req.Stream {
		streamCompletion(w, r, st, pol, req, candidates, cacheable, fingerprint, start)
		return
	}

	var resp *upstream.Response
	attempt := func(ctx context.Context, b *policy.Backend) error {
		forward, err := req.ForwardBody(b.Model)
		if err != nil {
			return err
		}
		promBackendSelections.WithLabelValues(pol.Name, b.Name, string(loadBalancer.Strategy())).Inc()

		upStart := time.Now()
		res, err := upstreamClient.Do(ctx, b, forward)
		elapsed := time.Since(upStart)
		st.upstreamTime += elapsed
		promUpstreamDuration.WithLabelValues(pol.Name, b.Name).Observe(durationMs(elapsed))
		if err != nil {
			statsCollector.RecordBackend(b.Name, false, elapsed, 0, 0, 0)
			return err
		}

		model := res.Model
		if model == "" {
			model = b.Model
		}
		cost := usage.CostMicroCents(model, res.Usage.PromptTokens, res.Usage.CompletionTokens)
		statsCollector.RecordBackend(b.Name, true, elapsed, res.Usage.PromptTokens, res.Usage.CompletionTokens, cost)

		resp = res
		return nil
	}

	result, err := retryExecutor.Execute(r.Context(), pol.Name, candidates, attempt)
	if err != nil {
		finishWithError(w, st, start, err)
		return
	}

	st.backend = result.Backend.Name
	st.attempts = result.Attempts
	st.model = result.Backend.Model
	if resp.Model != "" {
		st.model = resp.Model
	}
	st.tokens = resp.Usage
	st.statusCode = resp.StatusCode
	recordTokenMetrics(pol.Name, st.model, resp.Usage)

	w.Header().Set("Content-Type", contentTypeOrDefault(resp.ContentType, "application/json"))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		log.Printf("Error writing response: %v", err)
	}

	outcome := OutcomeSuccess
	if !resp.OK() {
		// A non-retryable upstream status passes through verbatim; the
		// client sees exactly what the backend said.
		outcome = outcomeUpstreamError
	} else if cacheable {
		storeCacheEntry(fingerprint, resp.StatusCode, resp.ContentType, resp.Body, st.backend, st.model)
	}
	finishRequest(st, outcome, start)
}

// serveCached writes a cache hit back to the client.
func serveCached(w http.ResponseWriter, st *requestState, entry *cache.Entry) {
	st.cacheHit = true
	st.backend = entry.Backend
	if entry.Model != "" {
		st.model = entry.Model
	}
	st.statusCode = entry.StatusCode
	promCacheHits.WithLabelValues(st.policy).Inc()
	statsCollector.RecordCacheHit(st.policy)

	w.Header().Set("Content-Type", contentTypeOrDefault(entry.ContentType, "application/json"))
	w.Header().Set("X-Cache", "hit")
	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(entry.Body); err != nil {
		log.Printf("Error writing cached response: %v", err)
	}
}

// resolveCandidates turns the request's routing intent into the pool of
// backends the balancer may pick from, consulting the classifier or
// agent when the policy calls for one.
func resolveCandidates(ctx context.Context, st *requestState, pol *policy.Policy, req *ChatRequest) ([]*policy.Backend, error) {
	if req.Extension.Strategy == RouteManual {
		st.strategy = RouteManual
		b, ok := pol.BackendByName(req.Extension.Model)
		if !ok {
			return nil, errInvalidRequest("policy %q has no backend named %q", pol.Name, req.Extension.Model)
		}
		st.label = b.Name
		return []*policy.Backend{b}, nil
	}

	switch {
	case pol.HasClassifier():
		st.strategy = RouteClassifier
		return classifierCandidates(ctx, st, pol, req)
	case pol.IsAgentic():
		st.strategy = routeAgent
		return agentCandidates(ctx, st, pol, req)
	}

	st.strategy = routePool
	return pol.CandidatesFor(""), nil
}

// classifierCandidates asks the policy's classifier for a label and
// maps it to backends, falling back when the verdict is unusable.
func classifierCandidates(ctx context.Context, st *requestState, pol *policy.Policy, req *ChatRequest) ([]*policy.Backend, error) {
	clStart := time.Now()
	res, err := classifierClient.Classify(ctx, pol.Classifier, req.UserText(), pol.Labels())
	promClassifierDuration.WithLabelValues(pol.Name).Observe(durationMs(time.Since(clStart)))

	if err == nil {
		if candidates := pol.CandidatesFor(res.Label); len(candidates) > 0 {
			st.label = res.Label
			return candidates, nil
		}
		err = &classify.UnavailableError{
			Reason: fmt.Sprintf("classifier returned label %q with no matching backends", res.Label),
		}
	}
	return fallbackCandidates(st, pol, err)
}

// agentCandidates asks the policy's agent model to name a backend.
func agentCandidates(ctx context.Context, st *requestState, pol *policy.Policy, req *ChatRequest) ([]*policy.Backend, error) {
	name, err := classifierClient.SelectBackend(ctx, pol.Agent, pol.CandidatesFor(""), req.UserText())
	if err == nil {
		if b, ok := pol.BackendByName(name); ok {
			st.label = b.Name
			return []*policy.Backend{b}, nil
		}
		err = &classify.UnavailableError{
			Reason: fmt.Sprintf("agent selected %q which is not in the policy", name),
		}
	}
	return fallbackCandidates(st, pol, err)
}

// fallbackCandidates routes via the policy's fallback label when the
// classifier or agent cannot produce a usable verdict. A canceled
// request is not worth falling back for.
func fallbackCandidates(st *requestState, pol *policy.Policy, cause error) ([]*policy.Backend, error) {
	if errors.Is(cause, context.Canceled) {
		return nil, context.Canceled
	}

	var unavailable *classify.UnavailableError
	if !errors.As(cause, &unavailable) {
		return nil, cause
	}

	label, ok := pol.FallbackLabel()
	if !ok {
		return nil, cause
	}

	st.label = label
	promClassifierFallbacks.WithLabelValues(pol.Name).Inc()
	statsCollector.RecordFallback(pol.Name)
	gwLogger.Warn(st.identity.ID, st.requestID, "classification unavailable, routing via fallback label", map[string]interface{}{
		"policy": pol.Name,
		"label":  label,
		"error":  cause.Error(),
	})
	return pol.CandidatesFor(label), nil
}

// streamCompletion relays an upstream SSE stream to the client. Retries
// apply only until the first upstream byte; once the response status is
// written the stream is committed.
func streamCompletion(w http.ResponseWriter, r *http.Request, st *requestState, pol *policy.Policy, req *ChatRequest, candidates []*policy.Backend, cacheable bool, fingerprint string, start time.Time) {
	var streamResp *upstream.StreamResponse
	attempt := func(ctx context.Context, b *policy.Backend) error {
		forward, err := req.ForwardBody(b.Model)
		if err != nil {
			return err
		}
		promBackendSelections.WithLabelValues(pol.Name, b.Name, string(loadBalancer.Strategy())).Inc()

		upStart := time.Now()
		res, err := upstreamClient.Stream(ctx, b, forward)
		elapsed := time.Since(upStart)
		st.upstreamTime += elapsed
		promUpstreamDuration.WithLabelValues(pol.Name, b.Name).Observe(durationMs(elapsed))
		if err != nil {
			statsCollector.RecordBackend(b.Name, false, elapsed, 0, 0, 0)
			return err
		}

		statsCollector.RecordBackend(b.Name, true, elapsed, 0, 0, 0)
		streamResp = res
		return nil
	}

	result, err := retryExecutor.Execute(r.Context(), pol.Name, candidates, attempt)
	if err != nil {
		finishWithError(w, st, start, err)
		return
	}

	st.backend = result.Backend.Name
	st.attempts = result.Attempts
	st.model = result.Backend.Model
	st.statusCode = streamResp.StatusCode

	replayed, err := relayStream(w, streamResp)
	if err != nil {
		// The status line is gone; all that is left is the books.
		gwLogger.ErrorWithCode(st.identity.ID, st.requestID, "stream interrupted", st.statusCode, err, map[string]interface{}{
			"policy":  st.policy,
			"backend": st.backend,
		})
		finishRequest(st, outcomeStreamError, start)
		return
	}

	outcome := OutcomeSuccess
	if streamResp.StatusCode < http.StatusOK || streamResp.StatusCode >= http.StatusMultipleChoices {
		outcome = outcomeUpstreamError
	} else if cacheable {
		storeCacheEntry(fingerprint, streamResp.StatusCode, streamResp.ContentType, replayed, st.backend, st.model)
	}
	finishRequest(st, outcome, start)
}

// relayStream copies the upstream body to the client as it arrives,
// flushing each chunk, and returns the full payload for caching.
func relayStream(w http.ResponseWriter, sr *upstream.StreamResponse) ([]byte, error) {
	defer func() { _ = sr.Body.Close() }()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", contentTypeOrDefault(sr.ContentType, "text/event-stream"))
	w.WriteHeader(sr.StatusCode)

	var collected []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := sr.Body.Read(chunk)
		if n > 0 {
			collected = append(collected, chunk[:n]...)
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return nil, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return collected, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// storeCacheEntry writes a response into the cache off the request
// path.
func storeCacheEntry(fingerprint string, status int, contentType string, body []byte, backend, model string) {
	entry := &cache.Entry{
		StatusCode:  status,
		ContentType: contentTypeOrDefault(contentType, "application/json"),
		Body:        body,
		Backend:     backend,
		Model:       model,
		CreatedAt:   time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cacheStore.Set(ctx, fingerprint, entry)
	}()
}

func contentTypeOrDefault(ct, fallback string) string {
	if ct == "" {
		return fallback
	}
	return ct
}

func recordTokenMetrics(policyName, model string, u upstream.Usage) {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	promTokenUsage.WithLabelValues(policyName, model, "prompt").Add(float64(u.PromptTokens))
	promTokenUsage.WithLabelValues(policyName, model, "completion").Add(float64(u.CompletionTokens))
	promTokenUsage.WithLabelValues(policyName, model, "total").Add(float64(u.TotalTokens))
}

// finishWithError renders the error envelope and closes the books.
func finishWithError(w http.ResponseWriter, st *requestState, start time.Time, err error) {
	ge := classifyError(err)
	st.statusCode = ge.Status

	var exhausted *routing.ExhaustedError
	if errors.As(err, &exhausted) {
		st.attempts = exhausted.Attempts
	}

	writeError(w, ge)

	if ge.Status >= http.StatusInternalServerError {
		gwLogger.ErrorWithCode(st.identity.ID, st.requestID, "request failed", ge.Status, err, map[string]interface{}{
			"policy":  st.policyLabel(),
			"type":    ge.Type,
			"source":  ge.Source,
			"backend": st.backend,
		})
	}
	finishRequest(st, ge.Type, start)
}

// finishRequest emits metrics, the access log line, and the usage event
// for a terminal outcome.
func finishRequest(st *requestState, outcome string, start time.Time) {
	total := time.Since(start)

	promRequestsTotal.WithLabelValues(st.policyLabel(), st.modelLabel(), outcome).Inc()
	promRequestDuration.WithLabelValues(st.policyLabel()).Observe(durationMs(total))
	if overhead := total - st.upstreamTime; overhead > 0 {
		promOverheadDuration.WithLabelValues(st.policyLabel()).Observe(durationMs(overhead))
	}
	statsCollector.RecordRequest(st.policyLabel(), outcome, total)
	statsCollector.RecordRetries(st.policyLabel(), st.attempts-1)

	gwLogger.InfoWithDuration(st.identity.ID, st.requestID, "chat completion handled", durationMs(total), map[string]interface{}{
		"policy":    st.policyLabel(),
		"strategy":  st.strategy,
		"label":     st.label,
		"backend":   st.backend,
		"model":     st.modelLabel(),
		"outcome":   outcome,
		"status":    st.statusCode,
		"attempts":  st.attempts,
		"cache_hit": st.cacheHit,
	})

	if usageRecorder.Enabled() {
		event := usage.Event{
			RequestID:        st.requestID,
			ClientID:         st.identity.ID,
			Policy:           st.policyLabel(),
			Backend:          st.backend,
			Model:            st.model,
			Outcome:          outcome,
			PromptTokens:     st.tokens.PromptTokens,
			CompletionTokens: st.tokens.CompletionTokens,
			TotalTokens:      st.tokens.TotalTokens,
			LatencyMs:        total.Milliseconds(),
			StatusCode:       st.statusCode,
			CacheHit:         st.cacheHit,
			Attempts:         st.attempts,
		}
		go func() {
			_ = usageRecorder.Record(event)
		}()
	}
}
