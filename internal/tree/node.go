package tree

import (
	"time"
)

// Kind tags what a node is. Pages and blocks share the same positional semantics.
type Kind string

const (
	KindPage  Kind = "page"
	KindBlock Kind = "block"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindPage || k == KindBlock
}

// Node is the unit of hierarchy.
//
// ScopeID is the workspace for pages and the page for blocks. An empty ParentID
// means the node is a root of its scope. Position orders a node among the
// non-archived nodes sharing its ScopeID and ParentID; it is an ordering key and
// values may have gaps.
type Node struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	ScopeID  string `json:"scope_id"`
	ParentID string `json:"parent_id,omitempty"`
	Position int    `json:"position"`
	Archived bool   `json:"archived"`

	Type    string         `json:"type,omitempty"`
	Content string         `json:"content,omitempty"`
	Props   map[string]any `json:"props,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Group returns the sibling group the node belongs to
func (n *Node) Group() Group {
	return Group{ScopeID: n.ScopeID, ParentID: n.ParentID}
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Props != nil {
		c.Props = make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			c.Props[k] = v
		}
	}
	return &c
}

// NodeView is a node as one caller sees it in a listing.
type NodeView struct {
	*Node
	Favorite bool `json:"favorite"`
}

// Group identifies a sibling group: the nodes sharing a scope and a parent.
type Group struct {
	ScopeID  string
	ParentID string
}

// Key is a stable string form of the group, used for lock names
func (g Group) Key() string {
	return g.ScopeID + "/" + g.ParentID
}

// Caller is the acting principal, resolved by the outer layer and passed
// explicitly into every service call.
type Caller struct {
	ID string
}

// TreeNode is a node together with its live children, used for traversal views.
type TreeNode struct {
	*Node
	Children []*TreeNode `json:"children,omitempty"`
}
