// Package consistency compares the index against the authoritative content
// store, reports divergence as repairable findings, and applies the
// repairs on request.
package consistency

import (
	"context"
	"fmt"
)

// Kind classifies one consistency finding.
type Kind int

const (
	// NodeDeleted: the index holds a document whose node no longer exists.
	NodeDeleted Kind = iota
	// MissingAncestor: a document's parent exists authoritatively but is
	// not indexed.
	MissingAncestor
	// UnknownParent: a document records a parent the authoritative store
	// does not know.
	UnknownParent
	// WrongParent: the indexed parent differs from the authoritative one.
	WrongParent
	// MultipleEntries: more than one live document carries the identity.
	MultipleEntries
	// NodeAdded: an authoritative node is missing from the index.
	NodeAdded
)

func (k Kind) String() string {
	switch k {
	case NodeDeleted:
		return "NodeDeleted"
	case MissingAncestor:
		return "MissingAncestor"
	case UnknownParent:
		return "UnknownParent"
	case WrongParent:
		return "WrongParent"
	case MultipleEntries:
		return "MultipleEntries"
	case NodeAdded:
		return "NodeAdded"
	}
	return "Unknown"
}

// Error is one finding: the divergence as data, plus its repair procedure.
type Error struct {
	Kind   Kind
	ID     string
	Detail string

	repairable bool
	repair     func(ctx context.Context) error
}

// Repairable reports whether a repair procedure exists for this finding.
func (e *Error) Repairable() bool { return e.repairable }

// Repair applies the repair procedure.
func (e *Error) Repair(ctx context.Context) error {
	if !e.repairable {
		return fmt.Errorf("finding %s for node %s is not repairable", e.Kind, e.ID)
	}
	return e.repair(ctx)
}

func (e *Error) String() string {
	return fmt.Sprintf("%s: node %s: %s", e.Kind, e.ID, e.Detail)
}

// Report is the outcome of one checker run.
type Report struct {
	Errors []*Error
	// Completed is false when the run was interrupted before covering the
	// whole index.
	Completed bool
}
