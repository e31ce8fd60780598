package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/systemshift/folio/internal/access"
	"github.com/systemshift/folio/internal/tree"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")
)

// Manager holds subscriptions and fans published events out to them.
// Events are queued on a buffered channel and matched by one goroutine, so
// Publish never blocks a caller.
type Manager struct {
	log           zerolog.Logger
	notifier      *Notifier
	access        access.Checker
	subscriptions map[string]*Subscription
	mu            sync.RWMutex

	eventChan chan Event
	sendMu    sync.RWMutex
	stopped   bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deliveries sync.WaitGroup
}

// NewManager creates a new subscription manager. checker decides which
// subscriptions an owner may create and which events reach them.
func NewManager(log zerolog.Logger, notifier *Notifier, checker access.Checker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:           log,
		notifier:      notifier,
		access:        checker,
		subscriptions: make(map[string]*Subscription),
		eventChan:     make(chan Event, 1000),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins processing events
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.processEvents()
	m.log.Info().Msg("event manager started")
}

// Stop drains queued events, cancels pending deliveries and closes sockets
func (m *Manager) Stop() {
	m.sendMu.Lock()
	if m.stopped {
		m.sendMu.Unlock()
		return
	}
	m.stopped = true
	close(m.eventChan)
	m.sendMu.Unlock()

	m.wg.Wait()
	m.cancel()
	m.deliveries.Wait()
	m.notifier.Close()
	m.log.Info().Msg("event manager stopped")
}

// Publish queues an event. When the queue is full the event is dropped.
func (m *Manager) Publish(event Event) {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	if m.stopped {
		return
	}
	select {
	case m.eventChan <- event:
	default:
		m.log.Warn().Str("event", event.ID).Str("type", event.Type).Msg("event queue full, dropping event")
	}
}

// Register adds a subscription owned by owner. The owner must be authorized
// for every scope the pattern names.
func (m *Manager) Register(ctx context.Context, owner string, req *CreateSubscriptionRequest) (*Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("anonymous caller: %w", tree.ErrUnauthorized)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("name is required: %w", ErrInvalidSubscription)
	}
	if req.Webhook == "" && !req.WebSocket {
		return nil, fmt.Errorf("webhook URL or websocket is required: %w", ErrInvalidSubscription)
	}
	if req.Webhook != "" {
		if err := validateWebhook(req.Webhook, m.notifier.allowPrivate); err != nil {
			return nil, err
		}
	}
	if err := m.authorizePattern(ctx, owner, req.Pattern); err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		ID:          uuid.New().String(),
		Owner:       owner,
		Name:        req.Name,
		Description: req.Description,
		Pattern:     req.Pattern,
		Webhook:     req.Webhook,
		WebSocket:   req.WebSocket,
		Enabled:     true,
		Created:     now,
		Modified:    now,
	}

	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	m.log.Info().Str("subscription", sub.ID).Str("owner", owner).Str("name", sub.Name).Msg("subscription registered")
	return sub.copy(), nil
}

// authorizePattern checks the owner against each scope a pattern names. A
// pattern without scopes is allowed; its events are filtered on delivery.
func (m *Manager) authorizePattern(ctx context.Context, owner string, pattern SubscriptionPattern) error {
	for _, scope := range pattern.ScopeIDs {
		ok, err := m.access.IsAuthorized(ctx, owner, scope)
		if err != nil {
			return fmt.Errorf("checking access: %w", err)
		}
		if !ok {
			return fmt.Errorf("caller %q on scope %s: %w", owner, scope, tree.ErrUnauthorized)
		}
	}
	return nil
}

// owned returns the subscription if owner holds it. Other owners' ids are
// reported as missing. The caller holds m.mu.
func (m *Manager) owned(owner, id string) (*Subscription, error) {
	sub, exists := m.subscriptions[id]
	if !exists || sub.Owner != owner {
		return nil, fmt.Errorf("%s: %w", id, ErrSubscriptionNotFound)
	}
	return sub, nil
}

// Unregister removes a subscription and closes its WebSocket, if any
func (m *Manager) Unregister(owner, id string) error {
	m.mu.Lock()
	if _, err := m.owned(owner, id); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.subscriptions, id)
	m.mu.Unlock()

	m.notifier.UnregisterWSClient(id)
	m.log.Info().Str("subscription", id).Msg("subscription unregistered")
	return nil
}

// Update modifies an existing subscription
func (m *Manager) Update(ctx context.Context, owner, id string, req *UpdateSubscriptionRequest) (*Subscription, error) {
	if req.Webhook != nil && *req.Webhook != "" {
		if err := validateWebhook(*req.Webhook, m.notifier.allowPrivate); err != nil {
			return nil, err
		}
	}
	if req.Pattern != nil {
		if err := m.authorizePattern(ctx, owner, *req.Pattern); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.owned(owner, id)
	if err != nil {
		return nil, err
	}

	webhook, websocket := sub.Webhook, sub.WebSocket
	if req.Webhook != nil {
		webhook = *req.Webhook
	}
	if req.WebSocket != nil {
		websocket = *req.WebSocket
	}
	if webhook == "" && !websocket {
		return nil, fmt.Errorf("webhook URL or websocket is required: %w", ErrInvalidSubscription)
	}

	if req.Name != nil {
		sub.Name = *req.Name
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.Pattern != nil {
		sub.Pattern = *req.Pattern
	}
	sub.Webhook = webhook
	sub.WebSocket = websocket
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	sub.Modified = time.Now()

	return sub.copy(), nil
}

// Get returns one of owner's subscriptions by ID
func (m *Manager) Get(owner, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, err := m.owned(owner, id)
	if err != nil {
		return nil, err
	}
	return sub.copy(), nil
}

// List returns owner's subscriptions
func (m *Manager) List(owner string) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Subscription, 0)
	for _, sub := range m.subscriptions {
		if sub.Owner == owner {
			result = append(result, sub.copy())
		}
	}
	return result
}

// RegisterWSClient attaches a WebSocket connection to one of owner's
// subscriptions
func (m *Manager) RegisterWSClient(owner, subID string, conn WSConn) error {
	m.mu.RLock()
	_, err := m.owned(owner, subID)
	m.mu.RUnlock()

	if err != nil {
		return err
	}

	m.notifier.RegisterWSClient(subID, conn)
	return nil
}

// UnregisterWSClient removes a WebSocket connection
func (m *Manager) UnregisterWSClient(subID string) {
	m.notifier.UnregisterWSClient(subID)
}

// ReleaseWSClient drops conn when its reader ends, unless a newer connection
// has taken its place
func (m *Manager) ReleaseWSClient(subID string, conn WSConn) {
	m.notifier.ReleaseWSClient(subID, conn)
}

func (m *Manager) processEvents() {
	defer m.wg.Done()

	for event := range m.eventChan {
		m.handleEvent(event)
	}
}

// handleEvent matches one event against every enabled subscription. A
// subscription only fires when its owner may read the event's scope.
func (m *Manager) handleEvent(event Event) {
	var candidates []*Subscription
	m.mu.RLock()
	for _, sub := range m.subscriptions {
		if sub.Enabled && Match(event, sub.Pattern) {
			candidates = append(candidates, sub.copy())
		}
	}
	m.mu.RUnlock()

	allowed := map[string]bool{}
	var matched []*Subscription
	for _, sub := range candidates {
		ok, seen := allowed[sub.Owner]
		if !seen {
			var err error
			ok, err = m.access.IsAuthorized(m.ctx, sub.Owner, event.ScopeID)
			if err != nil {
				m.log.Warn().Err(err).Str("subscription", sub.ID).Str("scope", event.ScopeID).Msg("access check failed, skipping")
			}
			allowed[sub.Owner] = ok
		}
		if ok {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return
	}

	now := time.Now()
	m.mu.Lock()
	for _, sub := range matched {
		if live, exists := m.subscriptions[sub.ID]; exists {
			live.LastFired = &now
			live.FireCount++
		}
	}
	m.mu.Unlock()

	for _, sub := range matched {
		notification := Notification{
			SubscriptionID:   sub.ID,
			SubscriptionName: sub.Name,
			Event:            event,
			MatchedAt:        now,
		}

		if sub.Webhook != "" {
			m.deliveries.Add(1)
			go func(url string) {
				defer m.deliveries.Done()
				m.notifier.SendWebhook(m.ctx, url, notification)
			}(sub.Webhook)
		}
		if sub.WebSocket {
			m.notifier.SendWebSocket(sub.ID, notification)
		}

		m.log.Debug().Str("subscription", sub.ID).Str("type", event.Type).Str("node", event.NodeID).Msg("subscription fired")
	}
}

func (s *Subscription) copy() *Subscription {
	c := *s
	if s.LastFired != nil {
		t := *s.LastFired
		c.LastFired = &t
	}
	return &c
}
