package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const youtubeManifestJSON = `{
  "id": "youtube", "revision": 1, "baseUrl": "https://youtube.googleapis.com",
  "allowedHosts": ["youtube.googleapis.com"], "requiredSecrets": ["YOUTUBE_API_KEY"],
  "actions": {
    "list_channel_videos": {
      "method": "GET", "path": "/youtube/v3/search", "requestMode": "query",
      "auth": {"placement": "query", "name": "key", "secretBinding": "YOUTUBE_API_KEY"},
      "limits": {"maxBodyKb": 8, "timeoutMs": 10000, "ratePerMinute": 90},
      "inputSchema": {
        "type": "object", "required": ["channelId"], "additionalProperties": false,
        "properties": {
          "channelId": {"type": "string", "minLength": 1, "maxLength": 128},
          "maxResults": {"type": "integer", "minimum": 1, "maximum": 50}
        }
      }
    }
  }
}`

func TestValidateAcceptsSeedManifest(t *testing.T) {
	result := Validate([]byte(youtubeManifestJSON))
	require.True(t, result.OK, "errors: %v", result.Errors)
	require.Equal(t, "youtube", result.Manifest.ID)
	require.Len(t, result.Manifest.Actions, 1)
}

func TestValidateRejectsNonHTTPSBaseURL(t *testing.T) {
	result := Validate([]byte(`{"id":"x","revision":1,"baseUrl":"http://example.com",
		"allowedHosts":["example.com"],"requiredSecrets":[],"actions":{}}`))
	require.False(t, result.OK)
	require.NotEmpty(t, result.Errors)
}

func TestValidateRejectsDisallowedHostAfterInterpolation(t *testing.T) {
	manifest := `{
		"id":"bad","revision":1,"baseUrl":"https://good.example.com",
		"allowedHosts":["good.example.com"],"requiredSecrets":["SECRET_KEY"],
		"actions":{"do_thing":{
			"method":"GET","path":"https://not-allowed.com/api","requestMode":"query",
			"auth":{"placement":"query","name":"key","secretBinding":"SECRET_KEY"},
			"limits":{"maxBodyKb":8,"timeoutMs":5000,"ratePerMinute":10}
		}}
	}`
	result := Validate([]byte(manifest))
	require.False(t, result.OK)
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "resolved host not in allowedHosts") {
			found = true
		}
	}
	require.True(t, found, "expected a host-not-allowed error, got %v", result.Errors)
}

func TestValidateRejectsSecretBindingNotInRequiredSecrets(t *testing.T) {
	manifest := `{
		"id":"bad","revision":1,"baseUrl":"https://good.example.com",
		"allowedHosts":["good.example.com"],"requiredSecrets":["OTHER_KEY"],
		"actions":{"do_thing":{
			"method":"GET","path":"/api","requestMode":"query",
			"auth":{"placement":"query","name":"key","secretBinding":"SECRET_KEY"},
			"limits":{"maxBodyKb":8,"timeoutMs":5000,"ratePerMinute":10}
		}}
	}`
	result := Validate([]byte(manifest))
	require.False(t, result.OK)
}

func TestValidateRejectsBadID(t *testing.T) {
	manifest := `{"id":"Bad_ID!","revision":1,"baseUrl":"https://example.com",
		"allowedHosts":["example.com"],"requiredSecrets":[],"actions":{}}`
	result := Validate([]byte(manifest))
	require.False(t, result.OK)
}

func TestValidateRejectsLimitsOutOfBounds(t *testing.T) {
	manifest := `{
		"id":"bad","revision":1,"baseUrl":"https://good.example.com",
		"allowedHosts":["good.example.com"],"requiredSecrets":["SECRET_KEY"],
		"actions":{"do_thing":{
			"method":"GET","path":"/api","requestMode":"query",
			"auth":{"placement":"query","name":"key","secretBinding":"SECRET_KEY"},
			"limits":{"maxBodyKb":2000,"timeoutMs":5000,"ratePerMinute":10}
		}}
	}`
	result := Validate([]byte(manifest))
	require.False(t, result.OK)
}
