package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/folio/internal/access"
	"github.com/systemshift/folio/internal/events"
	"github.com/systemshift/folio/internal/service"
	"github.com/systemshift/folio/internal/store"
	"github.com/systemshift/folio/internal/tree"
)

const workspace = "ws-1"

type testServer struct {
	handler  http.Handler
	notifier *events.Notifier
}

// setupTestServer wires the full stack over an in-memory store. Only alice
// may touch anything.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	log := zerolog.Nop()
	checker := access.CheckerFunc(func(ctx context.Context, callerID, scopeID string) (bool, error) {
		return callerID == "alice", nil
	})

	notifier := events.NewNotifier(log)
	mgr := events.NewManager(log, notifier, checker)
	mgr.Start()
	t.Cleanup(mgr.Stop)
	st := store.NewMemory()
	svc := service.New(st, checker, service.WithPublisher(mgr), service.WithLogger(log))

	return &testServer{
		handler:  NewRouter(New(svc, mgr, log), log),
		notifier: notifier,
	}
}

func (ts *testServer) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) create(t *testing.T, in service.CreateInput) *tree.Node {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/nodes", "alice", in)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[NodeResponse](t, w).Node
}

func (ts *testServer) children(t *testing.T, scope, parent string) []*tree.Node {
	t.Helper()
	views := ts.childViews(t, scope, parent)
	nodes := make([]*tree.Node, len(views))
	for i, v := range views {
		nodes[i] = v.Node
	}
	return nodes
}

func (ts *testServer) childViews(t *testing.T, scope, parent string) []*tree.NodeView {
	t.Helper()
	w := ts.do(t, http.MethodGet, "/api/scopes/"+scope+"/children?parent="+parent, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[ChildrenResponse](t, w).Nodes
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func page() service.CreateInput {
	return service.CreateInput{Kind: tree.KindPage, ScopeID: workspace}
}

func ids(nodes []*tree.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCreateNode(t *testing.T) {
	ts := setupTestServer(t)

	first := ts.create(t, page())
	second := ts.create(t, page())
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, "alice", first.CreatedBy)

	pos := 0
	in := page()
	in.Position = &pos
	front := ts.create(t, in)
	assert.Equal(t, 0, front.Position)
	assert.Equal(t, []string{front.ID, first.ID, second.ID}, ids(ts.children(t, workspace, "")))
}

func TestCreateNodeRequestValidation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"invalid json", `{invalid`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"unknown kind", service.CreateInput{Kind: "folder", ScopeID: workspace}, http.StatusBadRequest},
		{"missing scope", service.CreateInput{Kind: tree.KindPage}, http.StatusBadRequest},
		{"block outside a page", service.CreateInput{Kind: tree.KindBlock, ScopeID: "nope"}, http.StatusNotFound},
		{"missing parent", service.CreateInput{Kind: tree.KindPage, ScopeID: workspace, ParentID: "nope"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/nodes", "alice", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestCallerIsRequired(t *testing.T) {
	ts := setupTestServer(t)
	node := ts.create(t, page())

	w := ts.do(t, http.MethodGet, "/api/nodes/"+node.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/nodes/"+node.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/nodes", "bob", page())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, ts.children(t, workspace, ""), 1, "denied create leaves no trace")
}

func TestUpdateNode(t *testing.T) {
	ts := setupTestServer(t)
	in := page()
	in.Props = map[string]any{"title": "Draft", "icon": "pen"}
	node := ts.create(t, in)

	w := ts.do(t, http.MethodPatch, "/api/nodes/"+node.ID, "alice",
		`{"content":"body","props":{"title":"Final","icon":null}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decode[NodeResponse](t, w).Node
	assert.Equal(t, "body", got.Content)
	assert.Equal(t, map[string]any{"title": "Final"}, got.Props)
	assert.Equal(t, node.Position, got.Position)

	w = ts.do(t, http.MethodPatch, "/api/nodes/"+node.ID, "alice", `{"archived":false}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchiveNode(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.create(t, page())
	b := ts.create(t, page())

	w := ts.do(t, http.MethodDelete, "/api/nodes/"+a.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// idempotent
	w = ts.do(t, http.MethodDelete, "/api/nodes/"+a.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/nodes/"+a.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{b.ID}, ids(ts.children(t, workspace, "")))

	w = ts.do(t, http.MethodGet, "/api/scopes/"+workspace+"/children?parent="+a.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMoveNode(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.create(t, page())
	b := ts.create(t, page())
	c := ts.create(t, page())

	w := ts.do(t, http.MethodPost, "/api/nodes/"+c.ID+"/move", "alice", MoveRequest{Position: intPtr(0)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, decode[NodeResponse](t, w).Node.Position)

	siblings := ts.children(t, workspace, "")
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, ids(siblings))
	for i, n := range siblings {
		assert.Equal(t, i, n.Position)
	}

	// nest a under c, then try to put c under a
	w = ts.do(t, http.MethodPost, "/api/nodes/"+a.ID+"/move", "alice", MoveRequest{ParentID: c.ID, Position: intPtr(0)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{a.ID}, ids(ts.children(t, workspace, c.ID)))

	w = ts.do(t, http.MethodPost, "/api/nodes/"+c.ID+"/move", "alice", MoveRequest{ParentID: a.ID, Position: intPtr(0)})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMoveNodeRequestValidation(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.create(t, page())

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing position", `{"parent_id":""}`, http.StatusBadRequest},
		{"negative position", MoveRequest{Position: intPtr(-1)}, http.StatusBadRequest},
		{"under itself", MoveRequest{ParentID: a.ID, Position: intPtr(0)}, http.StatusConflict},
		{"missing parent", MoveRequest{ParentID: "nope", Position: intPtr(0)}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/nodes/"+a.ID+"/move", "alice", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestListChildrenScopeMismatch(t *testing.T) {
	ts := setupTestServer(t)
	p := ts.create(t, page())

	w := ts.do(t, http.MethodGet, "/api/scopes/other-ws/children?parent="+p.ID, "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestTraverse(t *testing.T) {
	ts := setupTestServer(t)
	p := ts.create(t, page())
	first := ts.create(t, service.CreateInput{Kind: tree.KindBlock, ScopeID: p.ID, Type: "text"})
	nested := ts.create(t, service.CreateInput{Kind: tree.KindBlock, ScopeID: p.ID, ParentID: first.ID})
	second := ts.create(t, service.CreateInput{Kind: tree.KindBlock, ScopeID: p.ID})

	w := ts.do(t, http.MethodGet, "/api/scopes/"+p.ID+"/tree", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[TreeResponse](t, w)
	assert.Equal(t, p.ID, resp.ScopeID)
	require.Len(t, resp.Roots, 2)
	assert.Equal(t, first.ID, resp.Roots[0].ID)
	assert.Equal(t, second.ID, resp.Roots[1].ID)
	require.Len(t, resp.Roots[0].Children, 1)
	assert.Equal(t, nested.ID, resp.Roots[0].Children[0].ID)

	w = ts.do(t, http.MethodGet, "/api/scopes/empty/tree", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"roots":[]`)
}

func TestFavorites(t *testing.T) {
	ts := setupTestServer(t)
	a := ts.create(t, page())

	w := ts.do(t, http.MethodPost, "/api/nodes/"+a.ID+"/favorite", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[FavoriteResponse](t, w).Favorite)

	w = ts.do(t, http.MethodGet, "/api/favorites", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{a.ID}, ids(decode[ListNodesResponse](t, w).Nodes))

	views := ts.childViews(t, workspace, "")
	require.Len(t, views, 1)
	assert.True(t, views[0].Favorite)

	w = ts.do(t, http.MethodPost, "/api/nodes/"+a.ID+"/favorite", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[FavoriteResponse](t, w).Favorite)

	w = ts.do(t, http.MethodGet, "/api/favorites", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListCreated(t *testing.T) {
	ts := setupTestServer(t)
	first := ts.create(t, page())
	second := ts.create(t, page())

	w := ts.do(t, http.MethodGet, "/api/me/nodes", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids(decode[ListNodesResponse](t, w).Nodes))

	w = ts.do(t, http.MethodGet, "/api/me/nodes?kind=block", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[ListNodesResponse](t, w).Count)

	w = ts.do(t, http.MethodGet, "/api/me/nodes?kind=folder", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/me/nodes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscriptionsRequireCaller(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/subscriptions", "", events.CreateSubscriptionRequest{Name: "anon", WebSocket: true})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/subscriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/subscriptions/any/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscriptionsAreScopedToCaller(t *testing.T) {
	ts := setupTestServer(t)

	// bob has no access to the workspace
	w := ts.do(t, http.MethodPost, "/api/subscriptions", "bob", events.CreateSubscriptionRequest{
		Name:      "spy",
		Pattern:   events.SubscriptionPattern{ScopeIDs: []string{workspace}},
		WebSocket: true,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/subscriptions", "alice", events.CreateSubscriptionRequest{
		Name:      "mine",
		Pattern:   events.SubscriptionPattern{ScopeIDs: []string{workspace}},
		WebSocket: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode[SubscriptionResponse](t, w).Subscription
	assert.Equal(t, "alice", sub.Owner)

	w = ts.do(t, http.MethodGet, "/api/subscriptions/"+sub.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/subscriptions/"+sub.ID+"/ws", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/subscriptions", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[ListSubscriptionsResponse](t, w).Count)
}

func TestSubscriptionRejectsReservedWebhook(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/subscriptions", "alice", events.CreateSubscriptionRequest{
		Name:    "metadata",
		Webhook: "http://169.254.169.254/latest/meta-data",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/subscriptions", "alice", `{"name":"missing target"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/subscriptions", "alice", events.CreateSubscriptionRequest{
		Name:      "moves",
		Pattern:   events.SubscriptionPattern{EventTypes: []string{events.EventNodeMoved}},
		WebSocket: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode[SubscriptionResponse](t, w).Subscription
	assert.True(t, sub.Enabled)

	w = ts.do(t, http.MethodGet, "/api/subscriptions", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ListSubscriptionsResponse](t, w).Count)

	w = ts.do(t, http.MethodPatch, "/api/subscriptions/"+sub.ID, "alice", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[SubscriptionResponse](t, w).Subscription.Enabled)

	w = ts.do(t, http.MethodDelete, "/api/subscriptions/"+sub.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/subscriptions/"+sub.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscriptionSocketReceivesEvents(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	w := ts.do(t, http.MethodPost, "/api/subscriptions", "alice", events.CreateSubscriptionRequest{
		Name:      "created pages",
		Pattern:   events.SubscriptionPattern{EventTypes: []string{events.EventNodeCreated}},
		WebSocket: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode[SubscriptionResponse](t, w).Subscription

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/subscriptions/" + sub.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{CallerHeader: {"alice"}})
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.notifier.HasWSClient(sub.ID) }, time.Second, 10*time.Millisecond)

	node := ts.create(t, page())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n events.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, sub.ID, n.SubscriptionID)
	assert.Equal(t, events.EventNodeCreated, n.Event.Type)
	assert.Equal(t, node.ID, n.Event.NodeID)
	assert.Equal(t, "alice", n.Event.Actor)
}

func TestSubscriptionSocketUnknown(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/subscriptions/nope/ws", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{tree.ErrNotFound, http.StatusNotFound},
		{tree.ErrScopeMismatch, http.StatusUnprocessableEntity},
		{tree.ErrCycle, http.StatusConflict},
		{tree.ErrConcurrentModification, http.StatusConflict},
		{tree.ErrUnauthorized, http.StatusForbidden},
		{tree.ErrInvalidPosition, http.StatusBadRequest},
		{tree.ErrInvalidInput, http.StatusBadRequest},
		{events.ErrSubscriptionNotFound, http.StatusNotFound},
		{events.ErrInvalidSubscription, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func intPtr(v int) *int { return &v }
