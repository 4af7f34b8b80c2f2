// Package proxy implements the egress proxy: it turns an authenticated
// runtime call into a manifest-constrained outbound HTTPS request. The
// request construction pattern (build a url.Values/body, attach a
// context timeout, call http.Client.Do, check status, decode) is
// grounded on the teacher's pkg/bookowl.Client.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dhannusch/pincer/internal/manifest"
	"github.com/dhannusch/pincer/internal/registry"
	"github.com/dhannusch/pincer/internal/vault"
)

// Kind is the stable machine-readable outcome the router translates into
// an HTTP status.
type Kind string

const (
	KindActionNotAllowed   Kind = "action_not_allowed"
	KindInvalidInputPayload Kind = "invalid_input_payload"
	KindInvalidInput       Kind = "invalid_input"
	KindBodyTooLarge       Kind = "body_too_large"
	KindRateLimited        Kind = "rate_limited"
	KindHostNotAllowed     Kind = "host_not_allowed"
	KindUpstreamError      Kind = "upstream_error"
	KindInternalError      Kind = "internal_error"
)

// Error is the proxy's tagged failure shape.
type Error struct {
	Kind          Kind
	Status        int
	UpstreamStatus int
}

func (e *Error) Error() string { return string(e.Kind) }

func fail(kind Kind, status int) error { return &Error{Kind: kind, Status: status} }

var secretLeakPattern = regexp.MustCompile(`(?i)secret`)

// sanitize redacts any substring matching /secret/i from an error message
// before it can leave the boundary.
func sanitize(msg string) string {
	return secretLeakPattern.ReplaceAllString(msg, "[redacted]")
}

// Outcome is the metric shape captured on every path.
type Outcome struct {
	Adapter     string
	Action      string
	Result      string // allowed, denied, error
	StatusClass string
	DenyReason  string
	LatencyMs   int64
}

// RateLimiter is the subset of internal/ratelimit.Limiter the proxy needs.
// Abstracted so tests can exercise the proxy without a live Redis.
type RateLimiter interface {
	Allow(ctx context.Context, keyID, adapter, action string, limit int, now time.Time) (bool, error)
}

// Registry is the subset of *registry.Registry the proxy needs.
type Registry interface {
	GetAdapterAction(ctx context.Context, adapterID, actionName string) (*manifest.Manifest, *manifest.Action, *registry.ActiveEntry, error)
}

// Resolver is the subset of *vault.Vault the proxy needs.
type Resolver interface {
	Resolve(ctx context.Context, binding string) (string, error)
}

// Proxy is the egress proxy (component F).
type Proxy struct {
	registry Registry
	vault    Resolver
	limiter  RateLimiter
	client   *http.Client

	// recordOutcome, when set, is invoked in a defer on every call so
	// callers (the app wiring) can emit metrics without the proxy importing
	// the telemetry package directly.
	recordOutcome func(Outcome)
}

// New constructs a Proxy. recordOutcome may be nil.
func New(reg Registry, v Resolver, limiter RateLimiter, recordOutcome func(Outcome)) *Proxy {
	return &Proxy{
		registry:      reg,
		vault:         v,
		limiter:       limiter,
		client:        &http.Client{},
		recordOutcome: recordOutcome,
	}
}

// Request is the inbound call to proxy.
type Request struct {
	KeyID     string
	Adapter   string
	Action    string
	RawBody   []byte // the full {"input": {...}} envelope
}

// Response is what the router sends back to the caller on success.
type Response struct {
	Adapter string
	Action  string
	Data    any
}

type inputEnvelope struct {
	Input json.RawMessage `json:"input"`
}

// Call runs the request validation, host/rate checks, upstream dispatch,
// and response shaping (reading the body and authenticating the caller
// happen before the proxy is invoked).
func (p *Proxy) Call(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	outcome := Outcome{Adapter: req.Adapter, Action: req.Action, Result: "error"}
	defer func() {
		outcome.LatencyMs = time.Since(start).Milliseconds()
		if p.recordOutcome != nil {
			p.recordOutcome(outcome)
		}
	}()

	m, action, entry, err := p.registry.GetAdapterAction(ctx, req.Adapter, req.Action)
	if err != nil {
		outcome.Result, outcome.DenyReason = "denied", string(KindActionNotAllowed)
		return nil, fail(KindActionNotAllowed, 403)
	}
	if entry == nil || !entry.Enabled {
		outcome.Result, outcome.DenyReason = "denied", string(KindActionNotAllowed)
		return nil, fail(KindActionNotAllowed, 403)
	}

	var envelope inputEnvelope
	if jsonErr := json.Unmarshal(req.RawBody, &envelope); jsonErr != nil || len(envelope.Input) == 0 {
		outcome.Result, outcome.DenyReason = "denied", string(KindInvalidInputPayload)
		return nil, fail(KindInvalidInputPayload, 400)
	}
	var input map[string]any
	if len(envelope.Input) > 0 {
		if jsonErr := json.Unmarshal(envelope.Input, &input); jsonErr != nil {
			outcome.Result, outcome.DenyReason = "denied", string(KindInvalidInputPayload)
			return nil, fail(KindInvalidInputPayload, 400)
		}
	}

	if len(action.InputSchema) > 0 {
		schema, schemaErr := manifest.CompileInputSchema(req.Action, action.InputSchema)
		if schemaErr != nil {
			outcome.Result, outcome.DenyReason = "error", string(KindInternalError)
			return nil, fmt.Errorf("internal_error: %w", schemaErr)
		}
		var validateTarget any = input
		if input == nil {
			validateTarget = map[string]any{}
		}
		if validateErr := manifest.ValidateInput(schema, validateTarget); validateErr != nil {
			outcome.Result, outcome.DenyReason = "denied", string(KindInvalidInput)
			return nil, fail(KindInvalidInput, 400)
		}
	}

	maxBytes := action.Limits.MaxBodyKb * 1024
	if len(req.RawBody) > maxBytes {
		outcome.Result, outcome.DenyReason = "denied", string(KindBodyTooLarge)
		return nil, fail(KindBodyTooLarge, 413)
	}

	if p.limiter != nil {
		allowed, rlErr := p.limiter.Allow(ctx, req.KeyID, req.Adapter, req.Action, action.Limits.RatePerMinute, time.Now())
		if rlErr != nil {
			outcome.Result, outcome.DenyReason = "error", string(KindInternalError)
			return nil, fmt.Errorf("internal_error: %w", rlErr)
		}
		if !allowed {
			outcome.Result, outcome.DenyReason = "denied", string(KindRateLimited)
			return nil, fail(KindRateLimited, 429)
		}
	}

	upstream, buildErr := p.buildUpstreamRequest(ctx, m, action, input)
	if buildErr != nil {
		var pxErr *Error
		if errors.As(buildErr, &pxErr) {
			outcome.Result, outcome.DenyReason = "denied", string(pxErr.Kind)
			return nil, pxErr
		}
		outcome.Result, outcome.DenyReason = "error", string(KindInternalError)
		return nil, fmt.Errorf("internal_error: %s", sanitize(buildErr.Error()))
	}

	timeout := time.Duration(action.Limits.TimeoutMs) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpResp, doErr := p.client.Do(upstream.WithContext(callCtx))
	if doErr != nil {
		outcome.Result, outcome.StatusClass = "denied", "timeout_or_network"
		return nil, fail(KindUpstreamError, 502)
	}
	defer func() { _ = httpResp.Body.Close() }()

	bodyBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		outcome.Result = "error"
		return nil, fmt.Errorf("internal_error: reading upstream body: %w", readErr)
	}

	outcome.StatusClass = statusClass(httpResp.StatusCode)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		outcome.Result, outcome.DenyReason = "denied", string(KindUpstreamError)
		return nil, &Error{Kind: KindUpstreamError, Status: 502, UpstreamStatus: httpResp.StatusCode}
	}

	var data any
	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		if unmarshalErr := json.Unmarshal(bodyBytes, &data); unmarshalErr != nil {
			data = string(bodyBytes)
		}
	} else {
		data = string(bodyBytes)
	}

	outcome.Result = "allowed"
	return &Response{Adapter: req.Adapter, Action: req.Action, Data: data}, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// buildUpstreamRequest constructs the outbound *http.Request: URL join,
// secret attachment, body/query shaping, and the post-interpolation
// HTTPS/host re-check.
func (p *Proxy) buildUpstreamRequest(ctx context.Context, m *manifest.Manifest, action *manifest.Action, input map[string]any) (*http.Request, error) {
	baseURL, err := url.Parse(m.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing baseUrl: %w", err)
	}

	allowed := make(map[string]struct{}, len(m.AllowedHosts))
	for _, h := range m.AllowedHosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}

	resolved, err := manifest.ResolveActionURL(baseURL, action.Path, allowed)
	if err != nil {
		return nil, fail(KindHostNotAllowed, 403)
	}

	secret, err := p.vault.Resolve(ctx, action.Auth.SecretBinding)
	if err != nil {
		return nil, fmt.Errorf("resolving auth secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("internal_error: required secret %s resolved empty", action.Auth.SecretBinding)
	}

	query := resolved.Query()
	var header http.Header = make(http.Header)
	switch action.Auth.Placement {
	case manifest.AuthPlacementHeader:
		header.Set(action.Auth.Name, action.Auth.Prefix+secret)
	case manifest.AuthPlacementQuery:
		query.Set(action.Auth.Name, action.Auth.Prefix+secret)
	}

	var bodyReader io.Reader
	switch action.RequestMode {
	case manifest.RequestModeJSON:
		payload := input
		if payload == nil {
			payload = map[string]any{}
		}
		encoded, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return nil, fmt.Errorf("encoding request body: %w", marshalErr)
		}
		bodyReader = bytes.NewReader(encoded)
		header.Set("Content-Type", "application/json")
	case manifest.RequestModeQuery:
		for k, v := range input {
			if v == nil {
				continue
			}
			query.Set(k, fmt.Sprintf("%v", v))
		}
	}
	resolved.RawQuery = query.Encode()

	// Re-check after interpolation: the secret-bearing query string must
	// still resolve to an allowed HTTPS host.
	if resolved.Scheme != "https" {
		return nil, fail(KindHostNotAllowed, 403)
	}
	if _, ok := allowed[strings.ToLower(resolved.Host)]; !ok {
		return nil, fail(KindHostNotAllowed, 403)
	}

	httpReq, err := http.NewRequestWithContext(ctx, action.Method, resolved.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}
