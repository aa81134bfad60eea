package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"graphcollab/application/queries"
	"graphcollab/application/queries/bus"
	"graphcollab/application/query"
	apperrors "graphcollab/pkg/errors"
)

// QueryHandler serves relation listings and aggregates. Requests are JSON
// bodies; the source entity comes from the path.
type QueryHandler struct {
	queries      *bus.QueryBus
	logger       *zap.Logger
	errorHandler *apperrors.ErrorHandler
}

// NewQueryHandler creates a query handler
func NewQueryHandler(queryBus *bus.QueryBus, logger *zap.Logger, errorHandler *apperrors.ErrorHandler) *QueryHandler {
	return &QueryHandler{
		queries:      queryBus,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// TimeSeriesRequest adds the bucket interval to a relation request
type TimeSeriesRequest struct {
	query.Request
	Interval query.Interval `json:"interval"`
}

// DistributionRequest adds the grouped attribute to a relation request
type DistributionRequest struct {
	query.Request
	Field string `json:"field"`
}

func (h *QueryHandler) ask(w http.ResponseWriter, r *http.Request, q bus.Query) {
	result, err := h.queries.Ask(r.Context(), q)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, result)
}

func (h *QueryHandler) request(w http.ResponseWriter, r *http.Request, dst interface{}, req *query.Request) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		h.errorHandler.Handle(w, r, err)
		return false
	}
	req.FromID = chi.URLParam(r, "entityID")
	return true
}

// List handles POST /entities/{entityID}/relations/query
func (h *QueryHandler) List(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !h.request(w, r, &req, &req) {
		return
	}
	h.ask(w, r, queries.ListRelationsQuery{Request: req})
}

// Count handles POST /entities/{entityID}/relations/count
func (h *QueryHandler) Count(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if !h.request(w, r, &req, &req) {
		return
	}
	h.ask(w, r, queries.CountRelationsQuery{Request: req})
}

// TimeSeries handles POST /entities/{entityID}/relations/timeseries
func (h *QueryHandler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	var req TimeSeriesRequest
	if !h.request(w, r, &req, &req.Request) {
		return
	}
	h.ask(w, r, queries.TimeSeriesQuery{Request: req.Request, Interval: req.Interval})
}

// Distribution handles POST /entities/{entityID}/relations/distribution
func (h *QueryHandler) Distribution(w http.ResponseWriter, r *http.Request) {
	var req DistributionRequest
	if !h.request(w, r, &req, &req.Request) {
		return
	}
	h.ask(w, r, queries.DistributionQuery{Request: req.Request, Field: req.Field})
}
