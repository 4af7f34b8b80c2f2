package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	idPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)
	secretPattern   = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,127}$`)
	actionKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_!_]{1,63}$`)
)

// Result is the outcome of Validate: either {OK:true, Manifest} or
// {OK:false, Errors}, a tagged-variant result rather than an error return
// so every caller sees the full list of problems at once.
type Result struct {
	OK       bool
	Manifest *Manifest
	Errors   []string
}

// Validate decodes and validates raw manifest JSON against every field
// constraint and cross-field invariant an adapter manifest must satisfy.
// It is a pure function: no I/O, no KV lookups. Secret *resolution*
// (whether a binding actually has a value) is the registry's job, not
// this validator's.
func Validate(raw []byte) Result {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Result{OK: false, Errors: []string{fmt.Sprintf("invalid json: %v", err)}}
	}

	var errs []string
	addf := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !idPattern.MatchString(m.ID) {
		addf("id %q does not match required pattern", m.ID)
	}
	if m.Revision <= 0 {
		addf("revision must be a positive integer, got %d", m.Revision)
	}

	baseURL, baseErr := parseHTTPSURL(m.BaseURL)
	if baseErr != nil {
		addf("baseUrl: %v", baseErr)
	}

	allowed := make(map[string]struct{}, len(m.AllowedHosts))
	for _, h := range m.AllowedHosts {
		lh := strings.ToLower(h)
		if lh != h || strings.Contains(h, "*") || h == "" {
			addf("allowedHosts entry %q must be a lowercased host[:port] with no wildcards", h)
			continue
		}
		allowed[lh] = struct{}{}
	}
	if baseErr == nil {
		if _, ok := allowed[strings.ToLower(baseURL.Host)]; !ok {
			addf("allowedHosts must include baseUrl's host %q", baseURL.Host)
		}
	}

	required := make(map[string]struct{}, len(m.RequiredSecrets))
	for _, s := range m.RequiredSecrets {
		if !secretPattern.MatchString(s) {
			addf("requiredSecrets entry %q does not match required pattern", s)
			continue
		}
		required[s] = struct{}{}
	}

	for name, action := range m.Actions {
		if !actionKeyPattern.MatchString(name) {
			addf("action name %q does not match required pattern", name)
		}
		errs = append(errs, validateAction(name, action, baseURL, allowed, required)...)
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return Result{OK: false, Errors: errs}
	}
	return Result{OK: true, Manifest: &m}
}

func validateAction(name string, a Action, baseURL *url.URL, allowedHosts, requiredSecrets map[string]struct{}) []string {
	var errs []string
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("action %q: "+format, append([]any{name}, args...)...))
	}

	switch a.Method {
	case MethodGet, MethodPost:
	default:
		addf("method must be GET or POST, got %q", a.Method)
	}

	switch a.RequestMode {
	case RequestModeQuery, RequestModeJSON:
	default:
		addf("requestMode must be query or json, got %q", a.RequestMode)
	}

	if baseURL != nil {
		if _, err := ResolveActionURL(baseURL, a.Path, allowedHosts); err != nil {
			addf("path: %v", err)
		}
	}

	switch a.Auth.Placement {
	case AuthPlacementHeader, AuthPlacementQuery:
	default:
		addf("auth.placement must be header or query, got %q", a.Auth.Placement)
	}
	if a.Auth.Name == "" {
		addf("auth.name must be non-empty")
	}
	if _, ok := requiredSecrets[a.Auth.SecretBinding]; !ok {
		addf("auth.secretBinding %q must appear in requiredSecrets", a.Auth.SecretBinding)
	}

	if a.Limits.MaxBodyKb <= 0 || a.Limits.MaxBodyKb > 1024 {
		addf("limits.maxBodyKb must be in (0,1024], got %d", a.Limits.MaxBodyKb)
	}
	if a.Limits.TimeoutMs <= 0 || a.Limits.TimeoutMs > 120000 {
		addf("limits.timeoutMs must be in (0,120000], got %d", a.Limits.TimeoutMs)
	}
	if a.Limits.RatePerMinute <= 0 || a.Limits.RatePerMinute > 100000 {
		addf("limits.ratePerMinute must be in (0,100000], got %d", a.Limits.RatePerMinute)
	}

	if len(a.InputSchema) > 0 {
		if _, err := CompileInputSchema(name, a.InputSchema); err != nil {
			addf("inputSchema: %v", err)
		}
	}

	return errs
}

// parseHTTPSURL parses s and requires it to be an absolute https:// URL.
func parseHTTPSURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("must be an absolute https url, got %q", s)
	}
	return u, nil
}

// ResolveActionURL joins base with path (as the egress proxy does before
// interpolation), and requires the result to be HTTPS with a host present
// in allowedHosts. Exported so the egress proxy can reuse it for its
// post-interpolation re-check instead of duplicating the host/scheme logic.
func ResolveActionURL(base *url.URL, path string, allowedHosts map[string]struct{}) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "https" {
		return nil, fmt.Errorf("resolved url must be https, got %q", resolved.Scheme)
	}
	if _, ok := allowedHosts[strings.ToLower(resolved.Host)]; !ok {
		return nil, fmt.Errorf("resolved host not in allowedHosts: %q", resolved.Host)
	}
	return resolved, nil
}
