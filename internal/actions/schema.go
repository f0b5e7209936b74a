package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field kinds, derived from the JSON type of a field's example value.
const (
	KindString = "string"
	KindNumber = "number"
	KindBool   = "bool"
	KindObject = "object"
	KindArray  = "array"
	KindAny    = "any"
)

// Field is one property of a flag payload.
type Field struct {
	Name     string
	Kind     string
	Required bool
}

// Output is one top-level key an action adds to the routing response.
// Example is the JSON shown to the model. Fields is empty for free-form
// outputs, which accept any JSON values.
type Output struct {
	Key     string
	Example json.RawMessage
	Fields  []Field
}

// ParseSchema reads an output schema resource: a JSON or YAML object
// mapping each output key to an example array holding one example payload.
// A field whose example is null, or whose name ends in "?", is optional.
func ParseSchema(data []byte) ([]Output, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse schema: empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse schema: top level must be an object")
	}

	var outs []Output
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		var example any
		if err := root.Content[i+1].Decode(&example); err != nil {
			return nil, fmt.Errorf("schema %q: %w", key, err)
		}
		out, err := newOutput(key, example)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func newOutput(key string, example any) (Output, error) {
	if strings.TrimSpace(key) == "" {
		return Output{}, fmt.Errorf("schema: empty output key")
	}
	arr, ok := example.([]any)
	if !ok {
		return Output{}, fmt.Errorf("schema %q: example must be an array", key)
	}

	out := Output{Key: key}
	shown := arr
	if len(arr) > 0 {
		obj, ok := toStringMap(arr[0])
		if !ok {
			return Output{}, fmt.Errorf("schema %q: example payload must be an object", key)
		}
		clean := make(map[string]any, len(obj))
		for name, v := range obj {
			f := Field{Name: strings.TrimSuffix(name, "?"), Kind: kindOf(v), Required: true}
			if strings.HasSuffix(name, "?") || v == nil {
				f.Required = false
			}
			clean[f.Name] = v
			out.Fields = append(out.Fields, f)
		}
		sort.Slice(out.Fields, func(i, j int) bool { return out.Fields[i].Name < out.Fields[j].Name })
		shown = []any{clean}
	}

	b, err := json.Marshal(shown)
	if err != nil {
		return Output{}, fmt.Errorf("schema %q: %w", key, err)
	}
	out.Example = b
	return out, nil
}

// toStringMap normalizes decoded YAML/JSON maps.
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		return KindString
	case int, int64, float64, uint64:
		return KindNumber
	case bool:
		return KindBool
	case []any:
		return KindArray
	case map[string]any, map[any]any:
		return KindObject
	}
	return KindAny
}

func jsonKind(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return KindAny
	}
	switch raw[0] {
	case '"':
		return KindString
	case '{':
		return KindObject
	case '[':
		return KindArray
	case 't', 'f':
		return KindBool
	case 'n':
		return "null"
	}
	return KindNumber
}

// Validate checks a parsed array of payloads against the output's fields.
func (o Output) Validate(payloads []json.RawMessage) error {
	if len(o.Fields) == 0 {
		return nil
	}
	for i, p := range payloads {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(p, &obj); err != nil {
			return fmt.Errorf("%q[%d]: payload must be an object", o.Key, i)
		}
		for _, f := range o.Fields {
			v, ok := obj[f.Name]
			k := jsonKind(v)
			if !ok || k == "null" {
				if f.Required {
					return fmt.Errorf("%q[%d]: missing required field %q", o.Key, i, f.Name)
				}
				continue
			}
			if f.Kind != KindAny && k != f.Kind {
				return fmt.Errorf("%q[%d].%s: expected %s, got %s", o.Key, i, f.Name, f.Kind, k)
			}
		}
	}
	return nil
}
