package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileInputSchema compiles an action's inputSchema document. name is
// used only as the resource id the compiler reports in error messages.
func CompileInputSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	resourceID := "inputSchema://" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	schema, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
}

// ValidateInput validates a decoded JSON value (typically a
// map[string]interface{} from an {"input": ...} request body) against a
// compiled inputSchema.
func ValidateInput(schema *jsonschema.Schema, input any) error {
	if err := schema.Validate(input); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
