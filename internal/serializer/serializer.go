// Package serializer converts invocation payloads to and from wire strings.
//
// Supported shapes are the JSON value space: nil, bool, float64, string,
// []any and map[string]any, nested arbitrarily. Deserialize(Serialize(v)) == v
// for any value built from those shapes.
//
// Producers may serialize a result once themselves and send the wire string
// as a JSON string. FromRaw and DeserializeStructured therefore decode a string
// that holds a JSON object or array, so a result that genuinely is the text
// "[1,2]" comes back as []any{1, 2}. Scalar-looking strings such as "123" are
// never decoded. A two-key {type, payload} map is read as a Structured envelope
// only when type is one of the names SerializeStructured emits and payload
// decodes to a value of that type; any other map is returned unchanged.
package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Structured is the envelope a producer emits when it has already serialized
// a value once and embeds it in another document.
type Structured struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Serialize encodes v into its wire string.
func Serialize(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to serialize %T: %w", v, err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Deserialize decodes a wire string produced by Serialize.
func Deserialize(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return v, nil
}

// SerializeStructured wraps a value in the Structured envelope and encodes it.
func SerializeStructured(v any) (string, error) {
	payload, err := Serialize(v)
	if err != nil {
		return "", err
	}
	// The type names what the receiver decodes, so []string is a list.
	decoded, err := Deserialize(payload)
	if err != nil {
		return "", err
	}
	return Serialize(Structured{Type: typeName(decoded), Payload: payload})
}

// DeserializeStructured decodes a payload that the producer already serialized
// once. It accepts a Structured envelope, a JSON string holding JSON, or plain JSON,
// and yields the same value Deserialize would for the original wire string.
func DeserializeStructured(s string) (any, error) {
	v, err := Deserialize(s)
	if err != nil {
		return nil, err
	}
	return unwrapStructured(v), nil
}

// FromRaw turns an already-parsed envelope field into a value. Strings are treated
// as pre-serialized payloads when they parse; anything else is returned as-is.
func FromRaw(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	v, err := Deserialize(string(raw))
	if err != nil {
		return nil, err
	}
	return unwrapStructured(v), nil
}

func unwrapStructured(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if inner, ok := fromEnvelope(t); ok {
			return inner
		}
		return t
	case string:
		// Only containers are unwrapped: "123" must stay a string.
		if !looksLikeContainer(t) {
			return t
		}
		inner, err := Deserialize(t)
		if err != nil {
			return t
		}
		if m, ok := inner.(map[string]any); ok {
			if v, ok := fromEnvelope(m); ok {
				return v
			}
		}
		return inner
	default:
		return v
	}
}

func looksLikeContainer(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return false
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

var envelopeTypes = map[string]struct{}{
	"null": {}, "bool": {}, "string": {}, "number": {}, "list": {}, "dict": {},
}

// fromEnvelope decodes m when it is a Structured envelope whose payload agrees
// with its declared type.
func fromEnvelope(m map[string]any) (any, bool) {
	if len(m) != 2 {
		return nil, false
	}
	typ, ok := m["type"].(string)
	if !ok {
		return nil, false
	}
	if _, ok := envelopeTypes[typ]; !ok {
		return nil, false
	}
	payload, ok := m["payload"].(string)
	if !ok {
		return nil, false
	}
	inner, err := Deserialize(payload)
	if err != nil || typeName(inner) != typ {
		return nil, false
	}
	return inner, true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}
