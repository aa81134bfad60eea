// Package queries exposes the relation query engine through the query bus.
package queries

import (
	"graphcollab/application/query"
	apperrors "graphcollab/pkg/errors"
)

// ListRelationsQuery lists the edges of one entity
type ListRelationsQuery struct {
	query.Request
}

// CountRelationsQuery counts the edges a listing would return
type CountRelationsQuery struct {
	query.Request
}

// TimeSeriesQuery buckets edges by first-seen time
type TimeSeriesQuery struct {
	query.Request
	Interval query.Interval `json:"interval"`
}

// Validate checks the request and the interval
func (q TimeSeriesQuery) Validate() error {
	if err := q.Request.Validate(); err != nil {
		return err
	}
	if !q.Interval.Valid() {
		return apperrors.NewValidationError("interval must be one of: day week month year")
	}
	return nil
}

// DistributionQuery counts edges per value of a target attribute
type DistributionQuery struct {
	query.Request
	Field string `json:"field"`
}

// Validate checks the request and the field
func (q DistributionQuery) Validate() error {
	if err := q.Request.Validate(); err != nil {
		return err
	}
	if q.Field == "" {
		return apperrors.NewValidationError("field is required")
	}
	return nil
}

// CountResult is the answer to CountRelationsQuery
type CountResult struct {
	Count int `json:"count"`
}
