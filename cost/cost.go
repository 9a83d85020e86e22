// Package cost is the action-cost registry: the price list mapping each
// billable action key to its credit cost and category.
//
// The registry is read-only from the ledger's point of view. Entries are
// validated when they are loaded, so the metering path never sees a negative
// cost or an unknown category.
package cost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Category groups actions for reporting.
type Category string

const (
	CategoryOrders     Category = "orders"
	CategoryExports    Category = "exports"
	CategoryMessaging  Category = "messaging"
	CategoryInventory  Category = "inventory"
	CategoryDeliveries Category = "deliveries"
	CategoryAnalytics  Category = "analytics"
	CategoryOther      Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryOrders, CategoryExports, CategoryMessaging, CategoryInventory,
		CategoryDeliveries, CategoryAnalytics, CategoryOther:
		return true
	}
	return false
}

// Entry is one price-list line.
type Entry struct {
	ActionKey string   `json:"action_key" yaml:"action_key"`
	Name      string   `json:"name" yaml:"name"`
	Cost      int64    `json:"cost" yaml:"cost"`
	Category  Category `json:"category" yaml:"category"`
	Active    bool     `json:"active" yaml:"active"`
}

// IsFree reports whether the action costs nothing.
func (e *Entry) IsFree() bool { return e.Cost == 0 }

// ErrInvalidEntry is wrapped by every validation failure.
var ErrInvalidEntry = errors.New("credits/cost: invalid entry")

// Validate checks a single entry.
func (e *Entry) Validate() error {
	if e.ActionKey == "" {
		return fmt.Errorf("%w: empty action key", ErrInvalidEntry)
	}
	if e.Cost < 0 {
		return fmt.Errorf("%w: %s: negative cost %d", ErrInvalidEntry, e.ActionKey, e.Cost)
	}
	if e.Category == "" {
		e.Category = CategoryOther
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %s: unknown category %q", ErrInvalidEntry, e.ActionKey, e.Category)
	}
	return nil
}

// Registry looks up the cost of an action. A missing or inactive key is
// reported as found=false with a nil error.
type Registry interface {
	Lookup(ctx context.Context, actionKey string) (*Entry, bool, error)
}

// UnknownPolicy decides how the metering engine treats an action the
// registry does not know.
type UnknownPolicy int

const (
	// UnknownFailOpen treats unconfigured actions as free.
	UnknownFailOpen UnknownPolicy = iota
	// UnknownFailClosed rejects unconfigured actions.
	UnknownFailClosed
)

func (p UnknownPolicy) String() string {
	if p == UnknownFailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// ParseUnknownPolicy parses "fail_open" or "fail_closed". The empty string
// yields the fail-open default.
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch s {
	case "", "fail_open", "open":
		return UnknownFailOpen, nil
	case "fail_closed", "closed":
		return UnknownFailClosed, nil
	}
	return UnknownFailOpen, fmt.Errorf("credits/cost: unknown policy %q", s)
}

// StaticRegistry is an in-process registry. It is safe for concurrent use
// and edits are visible to the next Lookup.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry validates entries and builds a registry from them.
func NewStaticRegistry(entries ...Entry) (*StaticRegistry, error) {
	r := &StaticRegistry{entries: make(map[string]Entry, len(entries))}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

// MustStaticRegistry is like NewStaticRegistry but panics on invalid input.
func MustStaticRegistry(entries ...Entry) *StaticRegistry {
	r, err := NewStaticRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(_ context.Context, actionKey string) (*Entry, bool, error) {
	r.mu.RLock()
	e, ok := r.entries[actionKey]
	r.mu.RUnlock()

	if !ok || !e.Active {
		return nil, false, nil
	}
	return &e, true, nil
}

// Set adds or replaces a single entry.
func (r *StaticRegistry) Set(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.entries[e.ActionKey] = e
	r.mu.Unlock()
	return nil
}

// Remove deletes an entry. Removing a missing key is a no-op.
func (r *StaticRegistry) Remove(actionKey string) {
	r.mu.Lock()
	delete(r.entries, actionKey)
	r.mu.Unlock()
}

// Replace swaps the whole price list. Nothing changes if any entry is invalid
// or two entries share an action key.
func (r *StaticRegistry) Replace(entries []Entry) error {
	next := make(map[string]Entry, len(entries))
	for i := range entries {
		e := entries[i]
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := next[e.ActionKey]; dup {
			return fmt.Errorf("%w: duplicate action key %q", ErrInvalidEntry, e.ActionKey)
		}
		next[e.ActionKey] = e
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()
	return nil
}

// Entries returns every entry, active or not, sorted by action key.
func (r *StaticRegistry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ActionKey < out[j].ActionKey })
	return out
}
