package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles port schemas once. Ports may declare either an inline
// JSON Schema document or a plain type label such as "text/plain"; labels
// are not validated.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: map[string]*jsonschema.Schema{}}
}

func (c *schemaCache) compile(doc string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[doc]; ok {
		return s, nil
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal port schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("port.json", parsed); err != nil {
		return nil, fmt.Errorf("add port schema: %w", err)
	}
	s, err := compiler.Compile("port.json")
	if err != nil {
		return nil, fmt.Errorf("compile port schema: %w", err)
	}
	c.schemas[doc] = s
	return s, nil
}

// validate checks the raw JSON payload against schema. A schema that is not
// a JSON object accepts everything.
func (c *schemaCache) validate(schema string, payload []byte) error {
	schema = strings.TrimSpace(schema)
	if !strings.HasPrefix(schema, "{") {
		return nil
	}
	s, err := c.compile(schema)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("null")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.Validate(value)
}
