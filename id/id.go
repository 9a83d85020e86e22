// Package id defines the TypeID identifiers used by credit transactions,
// promotional grants and outbound events.
//
// An ID renders as "prefix_suffix", where the suffix is a base32 UUIDv7.
// IDs generated by one process sort in creation order, so transaction IDs
// also break ties between entries that share a timestamp.
package id

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix names the kind of entity an ID belongs to.
type Prefix string

const (
	PrefixTransaction Prefix = "txn"
	PrefixGrant       Prefix = "grant"
	PrefixEvent       Prefix = "cevt"
)

var errEmpty = errors.New("id: empty string")

// ID is a validated TypeID. The zero value is Nil and encodes as an empty
// string or SQL NULL.
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	s string
}

// Nil is the zero ID.
var Nil ID

// TransactionID identifies a ledger entry.
type TransactionID = ID

// GrantID identifies a promotional grant.
type GrantID = ID

// New returns a fresh ID. An invalid prefix is a programming error and
// panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{s: tid.String()}
}

func NewTransactionID() ID { return New(PrefixTransaction) }
func NewGrantID() ID       { return New(PrefixGrant) }
func NewEventID() ID       { return New(PrefixEvent) }

// Parse validates s as a TypeID of any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, errEmpty
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{s: tid.String()}, nil
}

// ParseWithPrefix is Parse plus a check that the prefix is want.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	i, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := i.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return i, nil
}

func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }
func ParseGrantID(s string) (ID, error)       { return ParseWithPrefix(s, PrefixGrant) }

func (i ID) String() string { return i.s }

func (i ID) IsNil() bool { return i.s == "" }

// Prefix returns the part before the last underscore, or "" for Nil.
func (i ID) Prefix() Prefix {
	n := strings.LastIndexByte(i.s, '_')
	if n < 0 {
		return ""
	}
	return Prefix(i.s[:n])
}

func (i ID) MarshalText() ([]byte, error) { return []byte(i.s), nil }

func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value stores Nil as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.s, nil
}

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
	return fmt.Errorf("id: cannot scan %T", src)
}
