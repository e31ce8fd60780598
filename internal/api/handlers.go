// Package api exposes the tree service and event subscriptions over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/systemshift/folio/internal/events"
	"github.com/systemshift/folio/internal/service"
	"github.com/systemshift/folio/internal/tree"
)

// Server holds the HTTP handlers
type Server struct {
	svc      *service.Service
	subMgr   *events.Manager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates a new API server. subMgr may be nil, in which case the
// subscription routes answer 503.
func New(svc *service.Service, subMgr *events.Manager, log zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		subMgr: subMgr,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// MoveRequest is the request body for moving a node
type MoveRequest struct {
	ParentID string `json:"parent_id"`
	Position *int   `json:"position"`
}

// NodeResponse wraps a single node
type NodeResponse struct {
	Node *tree.Node `json:"node"`
}

// ListNodesResponse is the response for ordered listings
type ListNodesResponse struct {
	Nodes []*tree.Node `json:"nodes"`
	Count int          `json:"count"`
}

// ChildrenResponse lists children with the caller's favorite flag
type ChildrenResponse struct {
	Nodes []*tree.NodeView `json:"nodes"`
	Count int              `json:"count"`
}

// TreeResponse is the response for a scope traversal
type TreeResponse struct {
	ScopeID string           `json:"scope_id"`
	Roots   []*tree.TreeNode `json:"roots"`
}

// FavoriteResponse reports the favorite state after a toggle
type FavoriteResponse struct {
	NodeID   string `json:"node_id"`
	Favorite bool   `json:"favorite"`
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// CreateNode handles POST /api/nodes
func (s *Server) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	node, err := s.svc.CreateNode(r.Context(), callerFrom(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, NodeResponse{Node: node})
}

// GetNode handles GET /api/nodes/{id}
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.svc.GetNode(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: node})
}

// UpdateNode handles PATCH /api/nodes/{id}
func (s *Server) UpdateNode(w http.ResponseWriter, r *http.Request) {
	var patch service.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	node, err := s.svc.UpdateNode(r.Context(), callerFrom(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: node})
}

// ArchiveNode handles DELETE /api/nodes/{id}
func (s *Server) ArchiveNode(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.ArchiveNode(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveNode handles POST /api/nodes/{id}/move
func (s *Server) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Position == nil {
		http.Error(w, "position is required", http.StatusBadRequest)
		return
	}

	node, err := s.svc.MoveNode(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.ParentID, *req.Position)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeResponse{Node: node})
}

// ToggleFavorite handles POST /api/nodes/{id}/favorite
func (s *Server) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	on, err := s.svc.ToggleFavorite(r.Context(), callerFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FavoriteResponse{NodeID: id, Favorite: on})
}

// ListChildren handles GET /api/scopes/{scope}/children?parent=
func (s *Server) ListChildren(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListChildViews(r.Context(), callerFrom(r), chi.URLParam(r, "scope"), r.URL.Query().Get("parent"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChildrenResponse{Nodes: views, Count: len(views)})
}

// Traverse handles GET /api/scopes/{scope}/tree
func (s *Server) Traverse(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scope")
	roots, err := s.svc.Traverse(r.Context(), callerFrom(r), scopeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if roots == nil {
		roots = []*tree.TreeNode{}
	}
	writeJSON(w, http.StatusOK, TreeResponse{ScopeID: scopeID, Roots: roots})
}

// ListFavorites handles GET /api/favorites
func (s *Server) ListFavorites(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ListFavorites(r.Context(), callerFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListNodesResponse{Nodes: nodes, Count: len(nodes)})
}

// ListCreated handles GET /api/me/nodes?kind=, the caller's own pages by
// default
func (s *Server) ListCreated(w http.ResponseWriter, r *http.Request) {
	kind := tree.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = tree.KindPage
	}
	nodes, err := s.svc.ListCreatedBy(r.Context(), callerFrom(r), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListNodesResponse{Nodes: nodes, Count: len(nodes)})
}

// ============== Subscription Handlers ==============

// SubscriptionResponse wraps a single subscription
type SubscriptionResponse struct {
	Subscription *events.Subscription `json:"subscription"`
}

// ListSubscriptionsResponse is the response for listing subscriptions
type ListSubscriptionsResponse struct {
	Subscriptions []*events.Subscription `json:"subscriptions"`
	Count         int                    `json:"count"`
}

// CreateSubscription handles POST /api/subscriptions
func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	var req events.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := s.subMgr.Register(r.Context(), owner, &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubscriptionResponse{Subscription: sub})
}

// ListSubscriptions handles GET /api/subscriptions
func (s *Server) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	subs := s.subMgr.List(owner)
	writeJSON(w, http.StatusOK, ListSubscriptionsResponse{
		Subscriptions: subs,
		Count:         len(subs),
	})
}

// GetSubscription handles GET /api/subscriptions/{id}
func (s *Server) GetSubscription(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	sub, err := s.subMgr.Get(owner, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// UpdateSubscription handles PATCH /api/subscriptions/{id}
func (s *Server) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	var req events.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := s.subMgr.Update(r.Context(), owner, chi.URLParam(r, "id"), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// DeleteSubscription handles DELETE /api/subscriptions/{id}
func (s *Server) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	if err := s.subMgr.Unregister(owner, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubscriptionSocket handles GET /api/subscriptions/{id}/ws. Notifications for
// the subscription are pushed over the socket until the client goes away.
func (s *Server) SubscriptionSocket(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.subMgr.Get(owner, id); err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		hlog.FromRequest(r).Warn().Err(err).Str("subscription", id).Msg("websocket upgrade failed")
		return
	}

	if err := s.subMgr.RegisterWSClient(owner, id, conn); err != nil {
		conn.Close()
		return
	}
	defer s.subMgr.ReleaseWSClient(id, conn)
	s.log.Debug().Str("subscription", id).Str("remote", r.RemoteAddr).Msg("websocket connected")

	// Drain control frames; the client never sends data we act on
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// subscriber returns the caller owning the subscriptions a request touches.
// It answers 503 without a manager and 401 without a caller.
func (s *Server) subscriber(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.subMgr == nil {
		http.Error(w, "subscription manager not initialized", http.StatusServiceUnavailable)
		return "", false
	}
	owner := callerFrom(r).ID
	if owner == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

// fail maps a service error onto a status code
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusForbidden && callerFrom(r).ID == "" {
		status = http.StatusUnauthorized
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		// Do not leak details about scopes the caller cannot see
		http.Error(w, http.StatusText(status), status)
		return
	}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tree.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, events.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrScopeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tree.ErrCycle), errors.Is(err, tree.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, tree.ErrInvalidPosition), errors.Is(err, tree.ErrInvalidInput),
		errors.Is(err, events.ErrInvalidSubscription):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
