// Package id defines TypeID-based identity for the actors the engine
// mints itself: pollers and schedulers. Workflow instance ids are
// caller-supplied strings and never pass through this package.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the actor type encoded in a TypeID.
type Prefix string

const (
	// PrefixWorker tags poller identities ("wkr_...").
	PrefixWorker Prefix = "wkr"
	// PrefixScheduler tags cron scheduler identities ("sched_...").
	PrefixScheduler Prefix = "sched"
)

// ID is a prefix-qualified, K-sortable, URL-safe identifier in the
// format "prefix_suffix". The zero value is invalid.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// New generates a globally unique ID with the given prefix. It panics
// if the prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g. "wkr_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// NewWorkerID generates a poller identity.
func NewWorkerID() ID { return New(PrefixWorker) }

// NewSchedulerID generates a scheduler identity.
func NewSchedulerID() ID { return New(PrefixScheduler) }

// Prefix returns the ID's prefix, or "" for the zero value.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// String returns the full "prefix_suffix" form, or "" for the zero value.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return !i.valid }
