package signaling

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/qri-io/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// validator checks inbound event payloads against the embedded JSON schemas,
// one per inbound event name.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		rs := &jsonschema.Schema{}
		if err := json.Unmarshal(raw, rs); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = rs
	}
	return v, nil
}

func (v *validator) Known(event string) bool {
	_, ok := v.schemas[event]
	return ok
}

// Validate returns a bad_message protocolError describing every violation.
func (v *validator) Validate(ctx context.Context, event string, data json.RawMessage) error {
	rs, ok := v.schemas[event]
	if !ok {
		return badMessage("unknown event %q", event)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	verrs, err := rs.ValidateBytes(ctx, data)
	if err != nil {
		return badMessage("invalid %s payload: %v", event, err)
	}
	if len(verrs) > 0 {
		var sb strings.Builder
		for i, ve := range verrs {
			if i > 0 {
				sb.WriteString("; ")
			}
			if ve.PropertyPath != "" && ve.PropertyPath != "/" {
				sb.WriteString(ve.PropertyPath)
				sb.WriteString(": ")
			}
			sb.WriteString(ve.Message)
		}
		return badMessage("invalid %s payload: %s", event, sb.String())
	}
	return nil
}
