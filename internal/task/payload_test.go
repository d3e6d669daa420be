package task

import (
	"errors"
	"testing"
)

func TestParsePayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		kind    string
		wantErr bool
	}{
		{name: "kind only", raw: `{"type":"ping"}`, kind: "ping"},
		{name: "with fields", raw: ` {"type":"remind","user":42} `, kind: "remind"},
		{name: "empty object", raw: `{}`, wantErr: true},
		{name: "array", raw: `[{"type":"ping"}]`, wantErr: true},
		{name: "string", raw: `"ping"`, wantErr: true},
		{name: "numeric kind", raw: `{"type":1}`, wantErr: true},
		{name: "blank kind", raw: `{"type":"  "}`, wantErr: true},
		{name: "padded kind", raw: `{"type":" session.expire "}`, wantErr: true},
		{name: "broken json", raw: `{"type":`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePayload([]byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("ParsePayload(%q) err = %v, want ErrInvalidPayload", tc.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload(%q) err = %v", tc.raw, err)
			}
			if p.Kind() != tc.kind {
				t.Fatalf("Kind() = %q, want %q", p.Kind(), tc.kind)
			}
		})
	}
}

func TestNewPayloadOverridesKind(t *testing.T) {
	t.Parallel()

	type remind struct {
		Type string `json:"type"`
		User int64  `json:"user"`
	}
	p, err := NewPayload("remind", remind{Type: "other", User: 7})
	if err != nil {
		t.Fatalf("NewPayload err = %v", err)
	}
	if p.Kind() != "remind" {
		t.Fatalf("Kind() = %q, want remind", p.Kind())
	}
	var got remind
	if err := p.Decode(&got); err != nil {
		t.Fatalf("Decode err = %v", err)
	}
	if got.Type != "remind" || got.User != 7 {
		t.Fatalf("Decode = %+v", got)
	}

	if _, err := NewPayload("x", []int{1}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("NewPayload(slice) err = %v, want ErrInvalidPayload", err)
	}
}

func TestPayloadEqualAndString(t *testing.T) {
	t.Parallel()

	a, _ := ParsePayload([]byte(`{"type":"ping","schedule":"@hourly"}`))
	b, _ := ParsePayload([]byte(`{"schedule":"@hourly", "type":"ping"}`))
	if !a.Equal(b) {
		t.Fatalf("Equal = false for reordered members")
	}
	if v, ok := a.String("schedule"); !ok || v != "@hourly" {
		t.Fatalf("String(schedule) = %q, %v", v, ok)
	}
	if _, ok := a.String("missing"); ok {
		t.Fatalf("String(missing) ok = true")
	}
}

func TestNewTaskValidate(t *testing.T) {
	t.Parallel()

	now := mustTime(t, "2024-05-01T10:00:00Z")
	n := NewTask{Payload: MustPayload("ping", nil)}
	if err := n.Validate(now); err != nil {
		t.Fatalf("Validate err = %v", err)
	}
	if n.Priority != PriorityMedium || !n.Deadline.Equal(now) {
		t.Fatalf("defaults = %q %v", n.Priority, n.Deadline)
	}

	bad := NewTask{Payload: MustPayload("ping", nil), Priority: "urgent"}
	if err := bad.Validate(now); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("Validate(urgent) err = %v, want ErrInvalidPriority", err)
	}
	if err := (&NewTask{}).Validate(now); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Validate(empty payload) err = %v, want ErrInvalidPayload", err)
	}
}
