package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"graphcollab/application/commands"
	"graphcollab/application/commands/bus"
	"graphcollab/application/session"
	"graphcollab/domain/graph"
	"graphcollab/pkg/auth"
	apperrors "graphcollab/pkg/errors"
)

// SessionHandler serves the edit session endpoints
type SessionHandler struct {
	sessions     *session.Manager
	commands     *bus.CommandBus
	logger       *zap.Logger
	errorHandler *apperrors.ErrorHandler
}

// NewSessionHandler creates a session handler
func NewSessionHandler(sessions *session.Manager, cmds *bus.CommandBus, logger *zap.Logger, errorHandler *apperrors.ErrorHandler) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		commands:     cmds,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// SessionResponse describes an open session
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// scope builds the command scope from the caller and the path
func (h *SessionHandler) scope(w http.ResponseWriter, r *http.Request) (commands.SessionScope, bool) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return commands.SessionScope{}, false
	}
	return commands.SessionScope{SessionID: chi.URLParam(r, "sessionID"), UserID: user.UserID}, true
}

func (h *SessionHandler) send(w http.ResponseWriter, r *http.Request, cmd bus.Command, status int, body interface{}) {
	if err := h.commands.Send(r.Context(), cmd); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, h.logger, status, body)
}

// Open handles POST /sessions
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	s, err := h.sessions.Open(r.Context(), user.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusCreated, SessionResponse{SessionID: s.ID, UserID: s.UserID})
}

// Close handles DELETE /sessions/{sessionID}. Pending edits are committed
// unless graceful=false.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	graceful := true
	if v := r.URL.Query().Get("graceful"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.errorHandler.Handle(w, r, apperrors.NewValidationError("graceful must be a boolean"))
			return
		}
		graceful = parsed
	}

	s, err := h.sessions.GetForUser(scope.SessionID, scope.UserID)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if err := s.Close(r.Context(), graceful); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /sessions/{sessionID}/heartbeat
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	h.send(w, r, commands.HeartbeatCommand{SessionScope: scope}, http.StatusNoContent, nil)
}

// FieldPatchRequest is the body of a field edit
type FieldPatchRequest struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// FieldPatch handles PATCH /sessions/{sessionID}/entities/{entityID}/fields.
// The edit is accepted, not yet written.
func (h *SessionHandler) FieldPatch(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req FieldPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.send(w, r, commands.FieldPatchCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
		Field:        req.Field,
		Value:        req.Value,
	}, http.StatusAccepted, nil)
}

// ContextPatchRequest names the focused field
type ContextPatchRequest struct {
	FocusOn string `json:"focusOn"`
}

// ContextPatch handles PUT /sessions/{sessionID}/entities/{entityID}/context
func (h *SessionHandler) ContextPatch(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req ContextPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.send(w, r, commands.ContextPatchCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
		Field:        req.FocusOn,
	}, http.StatusNoContent, nil)
}

// ContextClean handles DELETE /sessions/{sessionID}/entities/{entityID}/context
func (h *SessionHandler) ContextClean(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	h.send(w, r, commands.ContextCleanCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
	}, http.StatusNoContent, nil)
}

// RelationAddRequest creates one edge
type RelationAddRequest struct {
	ToID string `json:"toId"`
	graph.RelationSpec
}

// RelationAdd handles POST /sessions/{sessionID}/entities/{entityID}/relations
func (h *SessionHandler) RelationAdd(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req RelationAddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	cmd := &commands.RelationAddCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
		ToID:         req.ToID,
		RelationSpec: req.RelationSpec,
	}
	if err := h.commands.Send(r.Context(), cmd); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusCreated, map[string]string{"relationId": cmd.RelationID})
}

// RelationDelete handles
// DELETE /sessions/{sessionID}/entities/{entityID}/relations/{relationID}?through=
func (h *SessionHandler) RelationDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	h.send(w, r, commands.RelationDeleteCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
		RelationID:   chi.URLParam(r, "relationID"),
		ThroughField: r.URL.Query().Get("through"),
	}, http.StatusNoContent, nil)
}

// RelationsSetRequest is the desired option list of a relation field
type RelationsSetRequest struct {
	Value []graph.RelationOption `json:"value"`
	graph.RelationSpec
}

// RelationsSetResponse reports what reached the store. Added holds target
// ids and Removed relation ids; the Failed lists may be resubmitted.
type RelationsSetResponse struct {
	Added         []string `json:"added"`
	Removed       []string `json:"removed"`
	FailedAdds    []string `json:"failedAdds"`
	FailedRemoves []string `json:"failedRemoves"`
}

// RelationsSet handles PUT /sessions/{sessionID}/entities/{entityID}/relations.
// A partially written diff answers 207 listing the failed operations; when
// nothing was written the error itself is returned.
func (h *SessionHandler) RelationsSet(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req RelationsSetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if req.Value == nil {
		req.Value = []graph.RelationOption{}
	}
	cmd := &commands.RelationsSetCommand{
		SessionScope: scope,
		EntityID:     chi.URLParam(r, "entityID"),
		Desired:      req.Value,
		RelationSpec: req.RelationSpec,
	}
	err := h.commands.Send(r.Context(), cmd)
	if err != nil && !cmd.Partial() {
		h.errorHandler.Handle(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	respondJSON(w, h.logger, status, RelationsSetResponse{
		Added:         cmd.Added,
		Removed:       cmd.Removed,
		FailedAdds:    cmd.FailedAdds,
		FailedRemoves: cmd.FailedRemoves,
	})
}
