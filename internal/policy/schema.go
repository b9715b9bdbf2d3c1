package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/baseliner/backend/internal/core"
)

// documentSchema is the structural contract every policy document must
// satisfy before it is persisted. Type-specific resource fields are
// deliberately unconstrained so new resource types need no server change.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["resources"],
  "properties": {
    "resources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "id"],
        "properties": {
          "type": {"type": "string", "minLength": 1, "maxLength": 64},
          "id": {"type": "string", "minLength": 1, "maxLength": 256},
          "name": {"type": "string", "maxLength": 256}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy-document.json", strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("policy schema: %v", err))
	}
	s, err := c.Compile("policy-document.json")
	if err != nil {
		panic(fmt.Sprintf("policy schema: %v", err))
	}
	return s
}

// ValidateDocument checks a policy document against the structural schema
// and rejects duplicate (type, id) keys within a single document.
func ValidateDocument(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return core.Wrap(core.KindInputMalformed, "policy document is not valid JSON", err)
	}

	if err := compiledSchema.Validate(v); err != nil {
		return core.Wrap(core.KindInputSchema, "policy document failed schema validation", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return core.Wrap(core.KindInputMalformed, "policy document envelope", err)
	}
	seen := make(map[string]struct{}, len(doc.Resources))
	for i, res := range doc.Resources {
		var probe resourceProbe
		if err := json.Unmarshal(res, &probe); err != nil {
			return core.Wrap(core.KindInputSchema, fmt.Sprintf("resource %d is malformed", i), err)
		}
		key := resourceKey(probe)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			return core.Ef(core.KindInputSchema, "duplicate resource key %q in document", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
