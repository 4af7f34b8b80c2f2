package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhannusch/pincer/internal/manifest"
	"github.com/dhannusch/pincer/internal/registry"
)

type fakeRegistry struct {
	manifest *manifest.Manifest
	action   *manifest.Action
	entry    *registry.ActiveEntry
	err      error
}

func (f *fakeRegistry) GetAdapterAction(ctx context.Context, adapterID, actionName string) (*manifest.Manifest, *manifest.Action, *registry.ActiveEntry, error) {
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.manifest, f.action, f.entry, nil
}

type fakeResolver struct {
	secrets map[string]string
}

func (f *fakeResolver) Resolve(ctx context.Context, binding string) (string, error) {
	return f.secrets[binding], nil
}

type fakeLimiter struct {
	allow bool
}

func (f *fakeLimiter) Allow(ctx context.Context, keyID, adapter, action string, limit int, now time.Time) (bool, error) {
	return f.allow, nil
}

func youtubeManifest() *manifest.Manifest {
	schema := json.RawMessage(`{
		"type":"object","required":["channelId"],"additionalProperties":false,
		"properties":{
			"channelId":{"type":"string","minLength":1,"maxLength":128},
			"maxResults":{"type":"integer","minimum":1,"maximum":50}
		}
	}`)
	return &manifest.Manifest{
		ID:              "youtube",
		Revision:        1,
		BaseURL:         "https://youtube.googleapis.com",
		AllowedHosts:    []string{"youtube.googleapis.com"},
		RequiredSecrets: []string{"YOUTUBE_API_KEY"},
		Actions: map[string]manifest.Action{
			"list_channel_videos": {
				Method:      manifest.MethodGet,
				Path:        "/youtube/v3/search",
				RequestMode: manifest.RequestModeQuery,
				Auth: manifest.AuthConfig{
					Placement:     manifest.AuthPlacementQuery,
					Name:          "key",
					SecretBinding: "YOUTUBE_API_KEY",
				},
				Limits: manifest.Limits{MaxBodyKb: 8, TimeoutMs: 10000, RatePerMinute: 90},
				InputSchema: schema,
			},
		},
	}
}

func newTestProxy(t *testing.T, upstream *httptest.Server, rateAllowed bool) *Proxy {
	t.Helper()
	m := youtubeManifest()
	action := m.Actions["list_channel_videos"]
	if upstream != nil {
		m.BaseURL = upstream.URL
		m.AllowedHosts = []string{upstream.Listener.Addr().String()}
	}
	reg := &fakeRegistry{manifest: m, action: &action, entry: &registry.ActiveEntry{Revision: 1, Enabled: true}}
	resolver := &fakeResolver{secrets: map[string]string{"YOUTUBE_API_KEY": "sekret-value"}}
	limiter := &fakeLimiter{allow: rateAllowed}
	p := New(reg, resolver, limiter, nil)
	if upstream != nil {
		p.client = upstream.Client()
	}
	return p
}

func TestCallValidRequestSucceeds(t *testing.T) {
	var capturedURL string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedURL = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream, true)
	resp, err := p.Call(context.Background(), Request{
		KeyID:   "key1",
		Adapter: "youtube",
		Action:  "list_channel_videos",
		RawBody: []byte(`{"input":{"channelId":"UC_x5XG1OV2P6uZZ5FSM9Ttw","maxResults":10}}`),
	})
	require.NoError(t, err)
	require.Equal(t, "youtube", resp.Adapter)
	require.Contains(t, capturedURL, "/youtube/v3/search")
	require.Contains(t, capturedURL, "key=sekret-value")
}

func TestCallDisabledAdapterIsDenied(t *testing.T) {
	m := youtubeManifest()
	action := m.Actions["list_channel_videos"]
	reg := &fakeRegistry{manifest: m, action: &action, entry: &registry.ActiveEntry{Revision: 1, Enabled: false}}
	p := New(reg, &fakeResolver{}, &fakeLimiter{allow: true}, nil)

	_, err := p.Call(context.Background(), Request{Adapter: "youtube", Action: "list_channel_videos", RawBody: []byte(`{"input":{}}`)})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindActionNotAllowed, pxErr.Kind)
	require.Equal(t, 403, pxErr.Status)
}

func TestCallMissingInputEnvelopeRejected(t *testing.T) {
	p := newTestProxy(t, nil, true)
	_, err := p.Call(context.Background(), Request{Adapter: "youtube", Action: "list_channel_videos", RawBody: []byte(`{"notinput":{}}`)})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindInvalidInputPayload, pxErr.Kind)
}

func TestCallInputFailingSchemaRejected(t *testing.T) {
	p := newTestProxy(t, nil, true)
	_, err := p.Call(context.Background(), Request{Adapter: "youtube", Action: "list_channel_videos", RawBody: []byte(`{"input":{}}`)})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindInvalidInput, pxErr.Kind)
}

func TestCallBodyTooLargeRejected(t *testing.T) {
	p := newTestProxy(t, nil, true)
	big := make([]byte, 9*1024)
	for i := range big {
		big[i] = 'a'
	}
	body, _ := json.Marshal(map[string]any{"input": map[string]any{"channelId": "abc"}, "padding": string(big)})
	_, err := p.Call(context.Background(), Request{Adapter: "youtube", Action: "list_channel_videos", RawBody: body})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindBodyTooLarge, pxErr.Kind)
}

func TestCallRateLimitedRejected(t *testing.T) {
	p := newTestProxy(t, nil, false)
	_, err := p.Call(context.Background(), Request{
		Adapter: "youtube", Action: "list_channel_videos",
		RawBody: []byte(`{"input":{"channelId":"abc"}}`),
	})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindRateLimited, pxErr.Kind)
}

func TestCallUpstreamNonTwoXXBecomesUpstreamError(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream, true)
	_, err := p.Call(context.Background(), Request{
		Adapter: "youtube", Action: "list_channel_videos",
		RawBody: []byte(`{"input":{"channelId":"abc"}}`),
	})
	var pxErr *Error
	require.ErrorAs(t, err, &pxErr)
	require.Equal(t, KindUpstreamError, pxErr.Kind)
	require.Equal(t, http.StatusInternalServerError, pxErr.UpstreamStatus)
}
