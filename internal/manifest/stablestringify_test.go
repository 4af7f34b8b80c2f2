package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStableStringifyIsKeyOrderIndependent(t *testing.T) {
	a := Validate([]byte(youtubeManifestJSON)).Manifest
	b := Validate([]byte(youtubeManifestJSON)).Manifest
	// Two independently decoded copies of the same manifest (separate map
	// instances); stable-stringify must collide since the data is equal.
	b.Actions["list_channel_videos"] = b.Actions["list_channel_videos"]

	sa, err := StableStringify(a)
	require.NoError(t, err)
	sb, err := StableStringify(b)
	require.NoError(t, err)
	require.Equal(t, sa, sb)
}

func TestStableStringifyRawCollidesAcrossKeyOrder(t *testing.T) {
	first, err := StableStringifyRaw([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	second, err := StableStringifyRaw([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStableStringifyRawDiffersOnSemanticChange(t *testing.T) {
	first, err := StableStringifyRaw([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	second, err := StableStringifyRaw([]byte(`{"a":1,"b":3}`))
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
