// Package id provides the prefixed, time-sortable identifiers used for jobs,
// ledger steps and dead letter entries.
//
// Every identifier is a TypeID such as "job_01h2xcejqtf2nbrexx3vqjhp41".
// The suffix is a UUIDv7, so job IDs order by submission time and the
// stores list jobs in that order without a separate sequence column.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix is the entity tag in front of the underscore.
type Prefix string

const (
	PrefixJob  Prefix = "job"
	PrefixStep Prefix = "step"
	PrefixDLQ  Prefix = "dlq"
)

// ID is a parsed TypeID. The zero value is Nil: it prints as "", marshals
// to an empty string and is stored as SQL NULL.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	ok  bool
}

// Nil is the absent ID, used for jobs without a parent.
var Nil ID

type (
	// JobID identifies a notification job.
	JobID = ID
	// StepID identifies one batch step record in the ledger.
	StepID = ID
	// DLQID identifies a dead letter entry.
	DLQID = ID
)

func generate(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		// Prefixes are package constants; failure here is a bug.
		panic(fmt.Sprintf("id: generate %q: %v", p, err))
	}
	return ID{tid: tid, ok: true}
}

func NewJobID() JobID   { return generate(PrefixJob) }
func NewStepID() StepID { return generate(PrefixStep) }
func NewDLQID() DLQID   { return generate(PrefixDLQ) }

// Parse accepts any well-formed TypeID regardless of prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: empty identifier")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, ok: true}, nil
}

func parseAs(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q is a %s id, want %s", s, got, want)
	}
	return v, nil
}

// ParseJobID parses s and rejects anything that is not a job ID. The API
// uses it on path parameters so a DLQ ID cannot address a job.
func ParseJobID(s string) (JobID, error) { return parseAs(s, PrefixJob) }

func ParseStepID(s string) (StepID, error) { return parseAs(s, PrefixStep) }

func ParseDLQID(s string) (DLQID, error) { return parseAs(s, PrefixDLQ) }

func (i ID) String() string {
	if !i.ok {
		return ""
	}
	return i.tid.String()
}

// Prefix returns "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.ok {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.ok }

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText treats empty input as Nil so optional fields such as a
// parent job ID round-trip through JSON and BSON.
func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Value stores Nil as NULL and everything else as its text form.
func (i ID) Value() (driver.Value, error) {
	if !i.ok {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.tid.String(), nil
}

// Scan reads the TEXT columns written by Value.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	}
	return fmt.Errorf("id: unsupported scan source %T", src)
}
