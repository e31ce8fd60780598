package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WSConn is the part of a WebSocket connection the notifier writes to.
// *websocket.Conn satisfies it.
type WSConn interface {
	WriteJSON(v any) error
	Close() error
}

// wsClient serializes writes; a WebSocket connection allows one writer at a time
type wsClient struct {
	mu   sync.Mutex
	conn WSConn
}

func (c *wsClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Notifier delivers notifications via webhooks and WebSockets
type Notifier struct {
	log          zerolog.Logger
	httpClient   *http.Client
	attempts     int
	backoff      func(attempt int) time.Duration
	allowPrivate bool

	mu        sync.RWMutex
	wsClients map[string]*wsClient // subscription_id -> connection
}

// NotifierOption configures a Notifier
type NotifierOption func(*Notifier)

// WithPrivateWebhooks lets webhooks reach loopback and private addresses.
// Link-local addresses stay blocked.
func WithPrivateWebhooks() NotifierOption {
	return func(n *Notifier) { n.allowPrivate = true }
}

// NewNotifier creates a notifier that tries each webhook three times
func NewNotifier(log zerolog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		log:      log,
		attempts: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
		wsClients: make(map[string]*wsClient),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext:         guardedDialer(n.allowPrivate),
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return n
}

// Close closes all WebSocket connections
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.wsClients {
		c.conn.Close()
	}
	n.wsClients = make(map[string]*wsClient)
}

// RegisterWSClient registers a WebSocket connection for a subscription,
// replacing any previous one.
func (n *Notifier) RegisterWSClient(subID string, conn WSConn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.wsClients[subID]; ok {
		existing.conn.Close()
	}
	n.wsClients[subID] = &wsClient{conn: conn}
	n.log.Debug().Str("subscription", subID).Msg("websocket client registered")
}

// UnregisterWSClient closes and removes a WebSocket connection
func (n *Notifier) UnregisterWSClient(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.wsClients[subID]; ok {
		c.conn.Close()
		delete(n.wsClients, subID)
		n.log.Debug().Str("subscription", subID).Msg("websocket client unregistered")
	}
}

// ReleaseWSClient removes conn if it is still the subscription's connection.
// A connection that was already replaced leaves the newer one in place.
func (n *Notifier) ReleaseWSClient(subID string, conn WSConn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c, ok := n.wsClients[subID]; ok && c.conn == conn {
		delete(n.wsClients, subID)
		n.log.Debug().Str("subscription", subID).Msg("websocket client released")
	}
}

// HasWSClient checks if a subscription has an active WebSocket client
func (n *Notifier) HasWSClient(subID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.wsClients[subID]
	return ok
}

// SendWebhook POSTs a notification, retrying with backoff
func (n *Notifier) SendWebhook(ctx context.Context, url string, notification Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	logger := n.log.With().Str("url", url).Str("subscription", notification.SubscriptionID).Logger()

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Folio-Event", notification.Event.Type)
		req.Header.Set("X-Folio-Subscription", notification.SubscriptionID)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			logger.Debug().Msg("webhook delivered")
			return nil
		}

		lastErr = &WebhookError{URL: url, StatusCode: resp.StatusCode}
		logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("webhook rejected")
	}

	logger.Error().Err(lastErr).Int("attempts", n.attempts).Msg("webhook delivery gave up")
	return lastErr
}

// SendWebSocket pushes a notification to the subscription's connection, if any.
// A failed write drops the connection.
func (n *Notifier) SendWebSocket(subID string, notification Notification) error {
	n.mu.RLock()
	c, ok := n.wsClients[subID]
	n.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := c.write(notification); err != nil {
		n.log.Warn().Err(err).Str("subscription", subID).Msg("websocket send failed")
		n.UnregisterWSClient(subID)
		return err
	}
	return nil
}

// WebhookError represents a webhook answered with a non-2xx status
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s answered %d", e.URL, e.StatusCode)
}
