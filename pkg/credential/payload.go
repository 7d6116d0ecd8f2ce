package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is the decrypted form of Credential.EncryptedPayload.
//
// A payload is either a structured connection config (a JSON object) or a
// bare secret (anything else), in which case verifiers fall back to the
// credential's side-channel host/port/username.
type Payload struct {
	Secret string
	Fields map[string]interface{}
}

// ParsePayload interprets decrypted bytes. A JSON object becomes a structured
// payload; a JSON string is unquoted into a bare secret; any other content is
// taken verbatim as the secret.
func ParsePayload(data []byte) Payload {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]interface{}
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			return Payload{Fields: fields}
		}
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Payload{Secret: s}
		}
	}
	return Payload{Secret: string(data)}
}

// Structured reports whether the payload carried a connection config object.
func (p Payload) Structured() bool {
	return p.Fields != nil
}

// String returns the first non-empty value among keys, rendered as a string.
func (p Payload) String(keys ...string) string {
	for _, key := range keys {
		v, ok := p.Fields[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// Int returns the first value among keys that can be read as an integer.
func (p Payload) Int(keys ...string) int {
	for _, key := range keys {
		switch t := p.Fields[key].(type) {
		case float64:
			return int(t)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return 0
}

// Bool returns the boolean value of key. Strings "true", "1" and "yes" are true.
func (p Payload) Bool(key string) bool {
	switch t := p.Fields[key].(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

// StringMap returns key as a map of strings, dropping non-scalar values.
func (p Payload) StringMap(key string) map[string]string {
	raw, ok := p.Fields[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}

// Has reports whether key is present with a non-nil value.
func (p Payload) Has(key string) bool {
	v, ok := p.Fields[key]
	return ok && v != nil
}

// Decode converts the structured payload into v through JSON.
func (p Payload) Decode(v interface{}) error {
	if !p.Structured() {
		return fmt.Errorf("payload is not a structured connection config")
	}
	raw, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Unmarshal(raw, v)
}
