package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// StableStringify produces the deterministic canonical JSON string the
// registry uses for its revision-conflict equality check: object keys
// sorted recursively, array order preserved. Two manifests that differ
// only in key order or struct-field ordering collide under this function.
func StableStringify(m *Manifest) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing manifest: %w", err)
	}
	return string(canonical), nil
}

// StableStringifyRaw canonicalizes an arbitrary JSON document without
// round-tripping through the Manifest struct, which would drop unknown
// fields.
func StableStringifyRaw(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("decoding json: %w", err)
	}
	reencoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("re-encoding json: %w", err)
	}
	canonical, err := jcs.Transform(reencoded)
	if err != nil {
		return "", fmt.Errorf("canonicalizing json: %w", err)
	}
	return string(canonical), nil
}
