package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/zakinabdul/appointflow/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"StepID", id.NewStepID, "step_"},
		{"DLQID", id.NewDLQID, "dlq_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"StepID", id.NewStepID, id.ParseStepID},
		{"DLQID", id.NewDLQID, id.ParseDLQID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseJobID(id.NewDLQID().String()); err == nil {
		t.Error("ParseJobID accepted a dlq_ id")
	}
	if _, err := id.ParseDLQID(id.NewStepID().String()); err == nil {
		t.Error("ParseDLQID accepted a step_ id")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "job", "not an id", "job_!!!"} {
		if _, err := id.Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Fatal("zero ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("String() = %q, want empty", i.String())
	}
	v, err := i.Value()
	if err != nil || v != nil {
		t.Errorf("Value() = %v, %v; want nil, nil", v, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID id.JobID `json:"id"`
	}
	in := wrapper{ID: id.NewJobID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID.String() != in.ID.String() {
		t.Errorf("got %q, want %q", out.ID, in.ID)
	}
}

func TestScan(t *testing.T) {
	orig := id.NewStepID()

	var fromString id.ID
	if err := fromString.Scan(orig.String()); err != nil {
		t.Fatalf("Scan(string): %v", err)
	}
	if fromString.String() != orig.String() {
		t.Errorf("Scan(string) = %q, want %q", fromString, orig)
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil || !fromNil.IsNil() {
		t.Errorf("Scan(nil) = %v, %v; want Nil", fromNil, err)
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("Scan(int) succeeded, want error")
	}
}
