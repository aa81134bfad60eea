// Package query answers relation listings and aggregates over one entity's
// edges, optionally including edges the store infers through an intermediate
// relation. Every request is resolved once into a path, and every operation
// over that path reads the same edge set.
package query

import (
	"time"

	"graphcollab/domain/graph"
	apperrors "graphcollab/pkg/errors"
	"graphcollab/pkg/utils"
)

// Request is the raw shape callers send
type Request struct {
	FromID              string          `json:"fromId" validate:"required"`
	RelationType        string          `json:"relationType"`
	ToTypes             []string        `json:"toTypes"`
	ResolveInferences   bool            `json:"resolveInferences"`
	ResolveRelationType string          `json:"resolveRelationType"`
	ResolveRelationRole string          `json:"resolveRelationRole"`
	ResolveViaTypes     []graph.ViaType `json:"resolveViaTypes" validate:"dive"`
	Search              string          `json:"search"`
	First               int             `json:"first" validate:"min=0"`
	StartDate           time.Time       `json:"startDate"`
	EndDate             time.Time       `json:"endDate"`
}

// Validate checks the request shape
func (r Request) Validate() error {
	if err := utils.ValidateStruct(r); err != nil {
		return err
	}
	if !r.StartDate.IsZero() && !r.EndDate.IsZero() && r.EndDate.Before(r.StartDate) {
		return apperrors.NewValidationError("endDate must not be before startDate")
	}
	return nil
}

func (r Request) filter() graph.RelationFilter {
	return graph.RelationFilter{
		FromID:              r.FromID,
		RelationType:        r.RelationType,
		ToTypes:             r.ToTypes,
		Search:              r.Search,
		ResolveRelationType: r.ResolveRelationType,
		ResolveRelationRole: r.ResolveRelationRole,
		ResolveViaTypes:     r.ResolveViaTypes,
	}
}

// PathKind names the resolution path a request took
type PathKind string

const (
	PathSearch    PathKind = "search"
	PathInference PathKind = "inference"
	PathDirect    PathKind = "direct"
)

// Resolution is a request after the path decision. Only the three path types
// below implement it.
type Resolution interface {
	Kind() PathKind
	Filter() graph.RelationFilter
	Window() (start, end time.Time)
	isResolution()
}

type window struct {
	start time.Time
	end   time.Time
}

func (w window) Window() (time.Time, time.Time) { return w.start, w.end }

// SearchPath matches targets by full-text term and ignores inference flags
type SearchPath struct {
	window
	filter graph.RelationFilter
}

func (SearchPath) Kind() PathKind                 { return PathSearch }
func (p SearchPath) Filter() graph.RelationFilter { return p.filter }
func (SearchPath) isResolution()                  {}

// InferencePath unions direct edges with edges reached through the
// intermediate relation type and role
type InferencePath struct {
	window
	filter graph.RelationFilter
}

func (InferencePath) Kind() PathKind                 { return PathInference }
func (p InferencePath) Filter() graph.RelationFilter { return p.filter }
func (InferencePath) isResolution()                  {}

// DirectPath reads stored edges only
type DirectPath struct {
	window
	filter graph.RelationFilter
}

func (DirectPath) Kind() PathKind                 { return PathDirect }
func (p DirectPath) Filter() graph.RelationFilter { return p.filter }
func (DirectPath) isResolution()                  {}

// Resolve picks the single path for a request: a search term wins, then
// inference when the flag and both the intermediate type and role are set,
// otherwise direct.
func Resolve(r Request) Resolution {
	w := window{start: r.StartDate, end: r.EndDate}
	f := r.filter()

	switch {
	case r.Search != "":
		f.ResolveRelationType, f.ResolveRelationRole, f.ResolveViaTypes = "", "", nil
		return SearchPath{window: w, filter: f}
	case r.ResolveInferences && r.ResolveRelationType != "" && r.ResolveRelationRole != "":
		return InferencePath{window: w, filter: f}
	default:
		f.ResolveRelationType, f.ResolveRelationRole, f.ResolveViaTypes = "", "", nil
		return DirectPath{window: w, filter: f}
	}
}
