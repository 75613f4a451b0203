package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	vapidFile         = "vapid.json"
	subscriptionsFile = "push-subscriptions.json"
)

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

// Subscribe registers a browser push subscription. Endpoints are unique.
func (m *Manager) Subscribe(sub *webpush.Subscription) error {
	if sub == nil || sub.Endpoint == "" {
		return fmt.Errorf("subscription without endpoint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return nil
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	m.logger.Info("push subscription added", "endpoint", shortEndpoint(sub.Endpoint))
	return m.saveSubscriptions()
}

func (m *Manager) Unsubscribe(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(endpoint)
}

func (m *Manager) unsubscribeLocked(endpoint string) error {
	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return m.saveSubscriptions()
		}
	}
	return nil
}

func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// push delivers payload to every subscription. Subscriptions the push
// service reports as gone are dropped.
func (m *Manager) push(ctx context.Context, payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	opts := &webpush.Options{
		Subscriber:      "mailto:runner@localhost",
		TTL:             300,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  m.vapidPublic,
		VAPIDPrivateKey: m.vapidPrivate,
	}
	if m.httpClient != nil {
		opts.HTTPClient = m.httpClient
	}
	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, opts)
		if err != nil {
			m.logger.Debug("push send failed", "endpoint", shortEndpoint(sub.Endpoint), "err", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			m.logger.Info("push subscription expired", "endpoint", shortEndpoint(sub.Endpoint))
			m.mu.Lock()
			if err := m.unsubscribeLocked(sub.Endpoint); err != nil {
				m.logger.Warn("failed to save push subscriptions", "err", err)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) loadOrGenerateVAPID() error {
	path := filepath.Join(m.dataDir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	m.vapidPrivate = private
	m.vapidPublic = public

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	data, _ = json.MarshalIndent(vapidKeys{PrivateKey: private, PublicKey: public}, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}

func (m *Manager) loadSubscriptions() error {
	data, err := os.ReadFile(filepath.Join(m.dataDir, subscriptionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var subs []*webpush.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("parse push subscriptions: %w", err)
	}
	m.subscriptions = subs
	return nil
}

// saveSubscriptions writes atomically. Caller holds m.mu.
func (m *Manager) saveSubscriptions() error {
	data, err := json.MarshalIndent(m.subscriptions, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dataDir, subscriptionsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func shortEndpoint(ep string) string {
	if len(ep) > 50 {
		return ep[:50] + "..."
	}
	return ep
}
