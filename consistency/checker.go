package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/nodestate"
	"github.com/INLOpen/nexussearch/view"
)

// batchSizeEnv overrides the configured authoritative-id batch size.
const batchSizeEnv = "NEXUSSEARCH_CONSISTENCY_BATCH"

const defaultBatchSize = 8192

// maxAncestorDepth caps authoritative ancestor walks against cycles.
const maxAncestorDepth = 1024

// Index is the slice of the search index the checker needs. The concrete
// index type satisfies it.
type Index interface {
	View() *view.MultiSegmentView
	AddNode(ctx context.Context, d *core.Document) error
	RemoveNode(ctx context.Context, id string) error
	Flush(ctx context.Context) error
}

// Checker runs consistency passes. Long passes honor Interrupt between
// documents, so an operator can stop a run without killing the process.
type Checker struct {
	idx         Index
	states      nodestate.Manager
	batchSize   int
	logger      *slog.Logger
	interrupted atomic.Bool
}

// New creates a checker. batchSize <= 0 falls back to the default; the
// NEXUSSEARCH_CONSISTENCY_BATCH environment variable overrides both.
func New(idx Index, states nodestate.Manager, batchSize int, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if env := os.Getenv(batchSizeEnv); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			batchSize = n
		} else {
			logger.Warn("Ignoring invalid batch size override.", "env", batchSizeEnv, "value", env)
		}
	}
	return &Checker{
		idx:       idx,
		states:    states,
		batchSize: batchSize,
		logger:    logger.With("component", "ConsistencyChecker"),
	}
}

// Interrupt requests a cooperative stop of the running check.
func (c *Checker) Interrupt() { c.interrupted.Store(true) }

// Run performs the full check: two passes over the index (existence and
// parent links) and one completeness pass over the authoritative store.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	c.interrupted.Store(false)
	report := &Report{Completed: true}
	v := c.idx.View()

	authoritative := make(map[string]bool)
	err := c.states.AllIDs(c.batchSize, func(ids []string) bool {
		for _, id := range ids {
			authoritative[id] = true
		}
		return !c.stopped(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate authoritative nodes: %w", err)
	}
	if c.stopped(ctx) {
		report.Completed = false
		return report, ctx.Err()
	}

	seen := make(map[string]bool, v.LiveDocumentCount())
	count := v.DocumentCount()
	for doc := uint32(0); doc < count; doc++ {
		if c.stopped(ctx) {
			report.Completed = false
			return report, ctx.Err()
		}
		if v.IsDeleted(doc) {
			continue
		}
		d, err := v.Document(doc, core.SelectIdentity|core.SelectParents)
		if err != nil {
			return nil, fmt.Errorf("failed to read doc %d: %w", doc, err)
		}
		if seen[d.ID] {
			report.Errors = append(report.Errors, c.multipleEntries(d.ID))
			continue
		}
		seen[d.ID] = true
		if !authoritative[d.ID] {
			report.Errors = append(report.Errors, c.nodeDeleted(d.ID))
			continue
		}
		report.Errors = append(report.Errors, c.checkParents(v, d, authoritative)...)
	}

	// Completeness: every reachable authoritative node must be indexed.
	// Orphaned authoritative nodes (broken ancestor chain in the store
	// itself) are the store's problem, not the index's.
	for id := range authoritative {
		if c.stopped(ctx) {
			report.Completed = false
			return report, ctx.Err()
		}
		if seen[id] {
			continue
		}
		reachable, err := c.reachableFromRoot(id)
		if err != nil {
			c.logger.Warn("Skipping completeness check for node.", "id", id, "error", err)
			continue
		}
		if reachable {
			report.Errors = append(report.Errors, c.nodeAdded(id))
		}
	}

	c.logger.Info("Consistency check finished.",
		"errors", len(report.Errors), "completed", report.Completed)
	return report, nil
}

func (c *Checker) stopped(ctx context.Context) bool {
	return c.interrupted.Load() || ctx.Err() != nil
}

// checkParents validates a document's parent references against the
// authoritative store and the index.
func (c *Checker) checkParents(v *view.MultiSegmentView, d *core.Document, authoritative map[string]bool) []*Error {
	state, err := c.states.Load(d.ID)
	if err != nil {
		// Raced a concurrent delete; the next run reports it as
		// NodeDeleted if it persists.
		return nil
	}
	authParents := make(map[string]bool, len(state.ParentIDs))
	for _, p := range state.ParentIDs {
		authParents[p] = true
	}

	var errs []*Error
	if len(d.ParentIDs) != len(state.ParentIDs) {
		errs = append(errs, c.wrongParent(d.ID, fmt.Sprintf(
			"indexed with %d parents, authoritative store has %d", len(d.ParentIDs), len(state.ParentIDs))))
		return errs
	}
	for _, p := range d.ParentIDs {
		switch {
		case !authParents[p] && !authoritative[p]:
			errs = append(errs, c.unknownParent(d.ID, p))
		case !authParents[p]:
			errs = append(errs, c.wrongParent(d.ID, fmt.Sprintf(
				"indexed under %s, authoritative store disagrees", p)))
		default:
			n, err := v.LookupIdentity(p)
			if err == nil && n < 0 {
				errs = append(errs, c.missingAncestor(d.ID, p))
			}
		}
	}
	return errs
}

// reachableFromRoot walks the authoritative ancestor chain. A broken or
// cyclic chain means the node is an orphan.
func (c *Checker) reachableFromRoot(id string) (bool, error) {
	root := c.states.RootID()
	visited := map[string]bool{}
	current := id
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if current == root {
			return true, nil
		}
		if visited[current] {
			return false, nil
		}
		visited[current] = true
		state, err := c.states.Load(current)
		if err != nil || len(state.ParentIDs) == 0 {
			return false, nil
		}
		// Shared nodes are reachable through any parent; the first chain
		// that reaches the root suffices.
		current = state.ParentIDs[0]
	}
	return false, fmt.Errorf("ancestor chain of %s exceeds depth %d", id, maxAncestorDepth)
}

// DoubleCheckErrors re-validates the findings against a fresh snapshot and
// drops the ones that no longer hold. Best effort: a finding that cannot
// be re-validated is kept.
func (c *Checker) DoubleCheckErrors(report *Report) {
	v := c.idx.View()
	kept := report.Errors[:0]
	for _, e := range report.Errors {
		if c.stillHolds(v, e) {
			kept = append(kept, e)
		} else {
			c.logger.Debug("Finding resolved itself, dropping.", "finding", e.String())
		}
	}
	report.Errors = kept
}

func (c *Checker) stillHolds(v *view.MultiSegmentView, e *Error) bool {
	n, err := v.LookupIdentity(e.ID)
	if err != nil {
		return true
	}
	exists, serr := c.states.Exists(e.ID)
	if serr != nil {
		return true
	}
	switch e.Kind {
	case NodeDeleted:
		return n >= 0 && !exists
	case NodeAdded:
		return n < 0 && exists
	default:
		return n >= 0
	}
}

// Repair applies every repairable finding. With ignoreFailure set, a
// failed repair is logged and the run continues; otherwise it aborts.
func (c *Checker) Repair(ctx context.Context, report *Report, ignoreFailure bool) error {
	var repaired int
	for _, e := range report.Errors {
		if !e.Repairable() {
			c.logger.Warn("Finding is not repairable.", "finding", e.String())
			continue
		}
		if err := e.Repair(ctx); err != nil {
			if !ignoreFailure {
				return fmt.Errorf("repair of %s failed: %w", e.String(), err)
			}
			c.logger.Error("Repair failed, continuing.", "finding", e.String(), "error", err)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		if err := c.idx.Flush(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("Repairs applied.", "repaired", repaired, "total", len(report.Errors))
	return nil
}

func (c *Checker) nodeDeleted(id string) *Error {
	return &Error{
		Kind: NodeDeleted, ID: id,
		Detail:     "indexed document has no authoritative node",
		repairable: true,
		repair: func(ctx context.Context) error {
			return c.idx.RemoveNode(ctx, id)
		},
	}
}

func (c *Checker) nodeAdded(id string) *Error {
	return &Error{
		Kind: NodeAdded, ID: id,
		Detail:     "authoritative node is not indexed",
		repairable: true,
		repair: func(ctx context.Context) error {
			return c.reindex(ctx, id)
		},
	}
}

func (c *Checker) multipleEntries(id string) *Error {
	return &Error{
		Kind: MultipleEntries, ID: id,
		Detail:     "more than one live document carries this identity",
		repairable: true,
		repair: func(ctx context.Context) error {
			// Remove every live occurrence, then index once from the
			// authoritative state.
			for {
				n, err := c.idx.View().LookupIdentity(id)
				if err != nil {
					return err
				}
				if n < 0 {
					break
				}
				if err := c.idx.RemoveNode(ctx, id); err != nil {
					return err
				}
			}
			if exists, err := c.states.Exists(id); err != nil || !exists {
				return err
			}
			return c.reindex(ctx, id)
		},
	}
}

func (c *Checker) wrongParent(id, detail string) *Error {
	return &Error{
		Kind: WrongParent, ID: id,
		Detail:     detail,
		repairable: true,
		repair: func(ctx context.Context) error {
			return c.reindex(ctx, id)
		},
	}
}

func (c *Checker) unknownParent(id, parent string) *Error {
	exists, err := c.states.Exists(id)
	repairable := err == nil && exists
	return &Error{
		Kind: UnknownParent, ID: id,
		Detail:     fmt.Sprintf("indexed parent %s is unknown to the authoritative store", parent),
		repairable: repairable,
		repair: func(ctx context.Context) error {
			return c.reindex(ctx, id)
		},
	}
}

func (c *Checker) missingAncestor(id, parent string) *Error {
	return &Error{
		Kind: MissingAncestor, ID: id,
		Detail:     fmt.Sprintf("parent %s exists but is not indexed", parent),
		repairable: true,
		repair: func(ctx context.Context) error {
			// Index the whole missing ancestor chain bottom-up from the
			// first indexed ancestor.
			current := parent
			for depth := 0; depth < maxAncestorDepth; depth++ {
				n, err := c.idx.View().LookupIdentity(current)
				if err != nil {
					return err
				}
				if n >= 0 {
					return nil
				}
				if err := c.reindex(ctx, current); err != nil {
					return err
				}
				state, err := c.states.Load(current)
				if err != nil || len(state.ParentIDs) == 0 {
					return nil
				}
				current = state.ParentIDs[0]
			}
			return fmt.Errorf("ancestor chain of %s exceeds depth %d", parent, maxAncestorDepth)
		},
	}
}

// reindex writes the node's current authoritative state into the index.
func (c *Checker) reindex(ctx context.Context, id string) error {
	state, err := c.states.Load(id)
	if err != nil {
		return err
	}
	return c.idx.AddNode(ctx, state.Document())
}
