// Package validate checks cart payloads against JSON schemas shared by the
// remote gateway client and the cartd backend.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// CartSchema describes {"items":[{"productId":string,"quantity":int>=1}]}.
// Duplicate product ids are not expressible here; see Entries.
var CartSchema = []byte(`{
  "type": "object",
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "productId": {"type": "string", "minLength": 1},
          "quantity": {"type": "integer", "minimum": 1}
        },
        "required": ["productId", "quantity"]
      }
    }
  },
  "required": ["items"]
}`)

// OrderSchema describes a checkout request: at least one cart entry and a
// delivery address.
var OrderSchema = []byte(`{
  "type": "object",
  "properties": {
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "productId": {"type": "string", "minLength": 1},
          "quantity": {"type": "integer", "minimum": 1}
        },
        "required": ["productId", "quantity"]
      }
    },
    "deliveryAddress": {"type": "string", "minLength": 1}
  },
  "required": ["items", "deliveryAddress"]
}`)

// CredentialsSchema describes the login and register request bodies.
var CredentialsSchema = []byte(`{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "email": {"type": "string", "minLength": 3},
    "password": {"type": "string", "minLength": 1}
  },
  "required": ["email", "password"]
}`)

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

// JSONSchema validates a Go value against schema using jsonschema/v6. Compiled schemas are cached by content.
func JSONSchema(schema []byte, data any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := compile(schema)
	if err != nil {
		return err
	}
	// the validator wants decoded JSON, not Go structs
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// Raw validates an undecoded JSON document.
func Raw(schema, doc []byte) error {
	sch, err := compile(schema)
	if err != nil {
		return err
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

// Cart validates a raw cart document against CartSchema.
func Cart(doc []byte) error { return Raw(CartSchema, doc) }

func compile(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if sch, ok := compiled[key]; ok {
		return sch, nil
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, err
	}
	compiled[key] = sch
	return sch, nil
}

// Entries rejects documents whose items repeat a product id.
func Entries(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate productId %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
