package tools

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// ValidateArgs checks args against the tool's JSON Schema. Compiled schemas
// are cached by schema text since tools rarely change at runtime.
func ValidateArgs(tool Tool, args map[string]any) error {
	schema, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", tool.Name(), err)
	}
	payload := any(args)
	if args == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("tools: invalid arguments for %s: %w", tool.Name(), err)
	}
	return nil
}

func compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
