package manifest

import (
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	m := Validate([]byte(youtubeManifestJSON)).Manifest
	action := m.Actions["list_channel_videos"]
	schema, err := CompileInputSchema("list_channel_videos", action.InputSchema)
	require.NoError(t, err)
	return schema
}

func TestValidateInputAcceptsConformingInput(t *testing.T) {
	schema := testSchema(t)
	var input any
	require.NoError(t, json.Unmarshal([]byte(`{"channelId":"UC_x5XG1OV2P6uZZ5FSM9Ttw","maxResults":10}`), &input))
	require.NoError(t, ValidateInput(schema, input))
}

func TestValidateInputRejectsMissingRequiredKey(t *testing.T) {
	schema := testSchema(t)
	var input any
	require.NoError(t, json.Unmarshal([]byte(`{"maxResults":10}`), &input))
	require.Error(t, ValidateInput(schema, input))
}

func TestValidateInputRejectsUnknownKey(t *testing.T) {
	schema := testSchema(t)
	var input any
	require.NoError(t, json.Unmarshal([]byte(`{"channelId":"abc","extra":true}`), &input))
	require.Error(t, ValidateInput(schema, input))
}

func TestValidateInputRejectsOutOfRangeInteger(t *testing.T) {
	schema := testSchema(t)
	var input any
	require.NoError(t, json.Unmarshal([]byte(`{"channelId":"abc","maxResults":500}`), &input))
	require.Error(t, ValidateInput(schema, input))
}
