package params

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// MarshalJSON encodes the map as a JSON object with keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	i := 0
	for k, v := range m.All() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
		i++
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order keys appear in.
// Scalar values are stored in their textual form; null becomes "".
func (m *Map) UnmarshalJSON(data []byte) error {
	*m = Map{values: make(map[string]string)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params: expected JSON object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("params: invalid key %v", keyTok)
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("params: value for %q: %w", key, err)
		}
		switch v := raw.(type) {
		case string:
			m.Set(key, v)
		case json.Number:
			m.Set(key, v.String())
		case bool:
			m.Set(key, strconv.FormatBool(v))
		case nil:
			m.Set(key, "")
		default:
			return fmt.Errorf("params: value for %q must be a scalar", key)
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML decodes a YAML mapping in document order.
func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	*m = Map{values: make(map[string]string)}

	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("params: line %d: expected a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind == yaml.AliasNode && val.Alias != nil {
			val = val.Alias
		}
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("params: line %d: value for %q must be a scalar", val.Line, key.Value)
		}
		if val.Tag == "!!null" {
			m.Set(key.Value, "")
			continue
		}
		m.Set(key.Value, val.Value)
	}
	return nil
}

// MarshalYAML encodes the map as a YAML mapping in insertion order.
func (m *Map) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for k, v := range m.All() {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v},
		)
	}
	return node, nil
}

// Value stores the map as a JSON object, keeping key order.
func (m *Map) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return m.MarshalJSON()
}

// Scan reads a JSON object column written by Value.
func (m *Map) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = Map{}
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("params: cannot scan %T", value)
	}
}
