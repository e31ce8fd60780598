package events

import (
	"time"

	"github.com/systemshift/folio/internal/tree"
)

// Event represents a committed change to a tree
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // node.created, node.updated, node.moved, node.archived
	Timestamp time.Time `json:"timestamp"`

	NodeID   string    `json:"node_id"`
	Kind     tree.Kind `json:"kind"`
	ScopeID  string    `json:"scope_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Position int       `json:"position"`
	Actor    string    `json:"actor,omitempty"`

	// Context, e.g. the previous parent and position of a move
	Meta map[string]any `json:"meta,omitempty"`
}

// Event type constants
const (
	EventNodeCreated  = "node.created"
	EventNodeUpdated  = "node.updated"
	EventNodeMoved    = "node.moved"
	EventNodeArchived = "node.archived"
)

// Publisher receives events after a mutation commits. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// SubscriptionPattern defines what events a subscription matches.
// Empty lists match everything.
type SubscriptionPattern struct {
	EventTypes []string       `json:"event_types,omitempty"`
	Kinds      []tree.Kind    `json:"kinds,omitempty"`
	ScopeIDs   []string       `json:"scope_ids,omitempty"`
	MetaMatch  map[string]any `json:"meta_match,omitempty"`
}

// Subscription is a standing request for notifications
type Subscription struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Pattern SubscriptionPattern `json:"pattern"`

	// How to notify
	Webhook   string `json:"webhook,omitempty"`
	WebSocket bool   `json:"websocket,omitempty"`

	Enabled   bool       `json:"enabled"`
	Created   time.Time  `json:"created"`
	Modified  time.Time  `json:"modified"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	FireCount int        `json:"fire_count"`
}

// Notification is sent when a subscription pattern matches
type Notification struct {
	SubscriptionID   string    `json:"subscription_id"`
	SubscriptionName string    `json:"subscription_name"`
	Event            Event     `json:"event"`
	MatchedAt        time.Time `json:"matched_at"`
}

// CreateSubscriptionRequest is the API request to create a subscription
type CreateSubscriptionRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Pattern     SubscriptionPattern `json:"pattern"`
	Webhook     string              `json:"webhook,omitempty"`
	WebSocket   bool                `json:"websocket,omitempty"`
}

// UpdateSubscriptionRequest is the API request to update a subscription
type UpdateSubscriptionRequest struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Pattern     *SubscriptionPattern `json:"pattern,omitempty"`
	Webhook     *string              `json:"webhook,omitempty"`
	WebSocket   *bool                `json:"websocket,omitempty"`
	Enabled     *bool                `json:"enabled,omitempty"`
}
