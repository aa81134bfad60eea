package reconcile

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
)

// EdgeWriter is the slice of the graph store the applier needs
type EdgeWriter interface {
	CreateRelation(ctx context.Context, input graph.RelationInput) (string, error)
	DeleteRelation(ctx context.Context, relationID string) error
}

// OpKind identifies one edge operation in a diff
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// OpStatus is how one edge operation ended
type OpStatus string

const (
	StatusApplied OpStatus = "applied"
	// StatusSatisfied means the store already held the desired state
	StatusSatisfied OpStatus = "satisfied"
	StatusFailed    OpStatus = "failed"
)

// Outcome reports a single edge operation
type Outcome struct {
	Kind       OpKind   `json:"kind"`
	TargetID   string   `json:"targetId,omitempty"`
	RelationID string   `json:"relationId,omitempty"`
	Status     OpStatus `json:"status"`
	Err        error    `json:"-"`
}

// Result collects the outcomes of applying a diff. Attempted is the
// policy-limited diff that was issued, not what reached the store.
type Result struct {
	Attempted Diff      `json:"attempted"`
	Outcomes  []Outcome `json:"outcomes"`
}

func (o Outcome) key() string {
	if o.Kind == OpAdd {
		return "add:" + o.TargetID
	}
	return "remove:" + o.RelationID
}

// partition splits Attempted, in its original order, by whether each
// operation ended in the desired state
func (r *Result) partition() (held, failed Diff) {
	status := make(map[string]OpStatus, len(r.Outcomes))
	for _, o := range r.Outcomes {
		status[o.key()] = o.Status
	}
	held = Diff{ToAdd: []string{}, ToRemove: []string{}}
	failed = Diff{ToAdd: []string{}, ToRemove: []string{}}
	for _, target := range r.Attempted.ToAdd {
		if s, ok := status["add:"+target]; ok && s != StatusFailed {
			held.ToAdd = append(held.ToAdd, target)
		} else {
			failed.ToAdd = append(failed.ToAdd, target)
		}
	}
	for _, relationID := range r.Attempted.ToRemove {
		if s, ok := status["remove:"+relationID]; ok && s != StatusFailed {
			held.ToRemove = append(held.ToRemove, relationID)
		} else {
			failed.ToRemove = append(failed.ToRemove, relationID)
		}
	}
	return held, failed
}

// Written is the part of Attempted the store now agrees with: edges this
// call wrote plus those it found already satisfied.
func (r *Result) Written() Diff {
	held, _ := r.partition()
	return held
}

// Unwritten is the part of Attempted that failed and may be resubmitted
func (r *Result) Unwritten() Diff {
	_, failed := r.partition()
	return failed
}

// Failed returns the outcomes that did not reach the desired state
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Changed reports whether at least one edge was actually written
func (r *Result) Changed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusApplied {
			return true
		}
	}
	return false
}

// Applier issues the edge operations of a diff against the store
type Applier struct {
	store       EdgeWriter
	parallelism int
	logger      *zap.Logger
}

// NewApplier creates an applier running at most parallelism operations at once
func NewApplier(store EdgeWriter, parallelism int, logger *zap.Logger) *Applier {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Applier{
		store:       store,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Apply runs every operation of the (policy-limited) diff independently.
// One failed edge never stops the others; all failures are combined into the
// returned error and listed in the result.
func (a *Applier) Apply(ctx context.Context, entityID string, spec graph.RelationSpec, diff Diff, policy BatchPolicy) (*Result, error) {
	diff = policy.Limit(diff)
	result := &Result{Attempted: diff}
	if diff.Empty() {
		return result, nil
	}

	var mu sync.Mutex
	record := func(o Outcome) {
		mu.Lock()
		result.Outcomes = append(result.Outcomes, o)
		mu.Unlock()
	}

	// Goroutines never return an error so one failure cannot cancel its siblings.
	g := new(errgroup.Group)
	g.SetLimit(a.parallelism)

	for _, target := range diff.ToAdd {
		target := target
		g.Go(func() error {
			record(a.add(ctx, entityID, target, spec))
			return nil
		})
	}
	for _, relationID := range diff.ToRemove {
		relationID := relationID
		g.Go(func() error {
			record(a.remove(ctx, relationID))
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, o := range result.Outcomes {
		if o.Status == StatusFailed {
			errs = multierr.Append(errs, o.Err)
		}
	}
	if errs != nil {
		a.logger.Warn("Relation diff partially applied",
			zap.String("entityID", entityID),
			zap.String("through", spec.ThroughField),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("total", len(result.Outcomes)),
		)
	}
	return result, errs
}

func (a *Applier) add(ctx context.Context, entityID, target string, spec graph.RelationSpec) Outcome {
	outcome := Outcome{Kind: OpAdd, TargetID: target}
	if err := ctx.Err(); err != nil {
		outcome.Status, outcome.Err = StatusFailed, apperrors.NewTransientStoreError("createRelation", err)
		return outcome
	}

	id, err := a.store.CreateRelation(ctx, graph.RelationInput{
		FromID:       entityID,
		ToID:         target,
		RelationSpec: spec,
	})
	switch {
	case err == nil:
		outcome.Status, outcome.RelationID = StatusApplied, id
	case apperrors.IsConflict(err):
		outcome.Status = StatusSatisfied
	default:
		outcome.Status, outcome.Err = StatusFailed, apperrors.Wrapf(err, "add %s -> %s", entityID, target)
	}
	return outcome
}

func (a *Applier) remove(ctx context.Context, relationID string) Outcome {
	outcome := Outcome{Kind: OpRemove, RelationID: relationID}
	if err := ctx.Err(); err != nil {
		outcome.Status, outcome.Err = StatusFailed, apperrors.NewTransientStoreError("deleteRelation", err)
		return outcome
	}

	err := a.store.DeleteRelation(ctx, relationID)
	switch {
	case err == nil:
		outcome.Status = StatusApplied
	case apperrors.IsNotFound(err):
		outcome.Status = StatusSatisfied
	default:
		outcome.Status, outcome.Err = StatusFailed, apperrors.Wrapf(err, "remove relation %s", relationID)
	}
	return outcome
}
