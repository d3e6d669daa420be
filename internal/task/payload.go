package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// KindField is the discriminant key every payload must carry.
const KindField = "type"

// Payload is a JSON object whose "type" member selects the handler.
// Other members are opaque to the queue.
type Payload struct {
	kind string
	raw  json.RawMessage
}

// ParsePayload validates raw and returns it as a Payload.
func ParsePayload(raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Payload{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	kindRaw, ok := fields[KindField]
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing %q field", ErrInvalidPayload, KindField)
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return Payload{}, fmt.Errorf("%w: %q must be a string", ErrInvalidPayload, KindField)
	}
	if strings.TrimSpace(kind) == "" {
		return Payload{}, fmt.Errorf("%w: empty %q field", ErrInvalidPayload, KindField)
	}
	// The store filters on the stored value, so only the exact form is accepted.
	if kind != strings.TrimSpace(kind) {
		return Payload{}, fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidPayload, KindField)
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Payload{kind: kind, raw: cp}, nil
}

// LoadPayload wraps stored bytes without rejecting them. A payload that
// fails validation keeps an empty kind so no handler will match it.
func LoadPayload(raw []byte) Payload {
	if p, err := ParsePayload(raw); err == nil {
		return p
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Payload{raw: cp}
}

// NewPayload builds a payload of the given kind from fields, which must
// marshal to a JSON object (struct, map or nil). Any "type" member in fields
// is overwritten by kind.
func NewPayload(kind string, fields any) (Payload, error) {
	obj := map[string]any{}
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if string(b) != "null" {
			if err := json.Unmarshal(b, &obj); err != nil {
				return Payload{}, fmt.Errorf("%w: fields must encode to an object", ErrInvalidPayload)
			}
		}
	}
	obj[KindField] = kind
	b, err := json.Marshal(obj)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ParsePayload(b)
}

// MustPayload is NewPayload for static inputs; it panics on error.
func MustPayload(kind string, fields any) Payload {
	p, err := NewPayload(kind, fields)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Payload) Kind() string { return p.kind }

// Bytes returns the JSON encoding. Callers must not modify it.
func (p Payload) Bytes() []byte { return p.raw }

func (p Payload) IsZero() bool { return len(p.raw) == 0 }

func (p Payload) Validate() error {
	if p.IsZero() {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if p.kind == "" {
		_, err := ParsePayload(p.raw)
		return err
	}
	return nil
}

// Decode unmarshals the whole payload object into v.
func (p Payload) Decode(v any) error {
	if p.IsZero() {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return json.Unmarshal(p.raw, v)
}

// String looks up a top-level string member. ok is false when the member is
// absent or not a string.
func (p Payload) String(key string) (val string, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return "", false
	}
	raw, found := fields[key]
	if !found {
		return "", false
	}
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", false
	}
	return val, true
}

// Equal compares payloads by their decoded JSON value.
func (p Payload) Equal(o Payload) bool {
	var a, b any
	if json.Unmarshal(p.raw, &a) != nil || json.Unmarshal(o.raw, &b) != nil {
		return false
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	v, err := ParsePayload(b)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
