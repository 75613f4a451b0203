// Package notify sends out-of-band alerts about instances through web push
// and a Slack incoming webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/slack-go/slack"
)

const sendTimeout = 15 * time.Second

type Options struct {
	DataDir         string
	PushEnabled     bool
	SlackWebhookURL string
	// HTTPClient is used for push delivery; nil means the default client.
	HTTPClient *http.Client
}

// Manager fans alerts out to the configured channels. Either channel may
// be disabled.
type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	dataDir       string
	pushEnabled   bool
	slackURL      string
	httpClient    *http.Client
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
	wg            sync.WaitGroup
}

func NewManager(opts Options, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		logger:        logger,
		dataDir:       opts.DataDir,
		pushEnabled:   opts.PushEnabled,
		slackURL:      opts.SlackWebhookURL,
		httpClient:    opts.HTTPClient,
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if m.pushEnabled {
		if err := m.loadOrGenerateVAPID(); err != nil {
			return nil, err
		}
		if err := m.loadSubscriptions(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) PushEnabled() bool {
	return m.pushEnabled
}

// Alert is the payload pushed to browsers.
type Alert struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Message    string `json:"message"`
}

// InstanceExited reports an exit nobody asked for.
func (m *Manager) InstanceExited(id, name string, exitCode int) {
	m.dispatch(Alert{
		Type:       "instance_exit",
		InstanceID: id,
		Name:       name,
		ExitCode:   &exitCode,
		Message:    fmt.Sprintf("%s exited unexpectedly with code %d", displayName(id, name), exitCode),
	})
}

// RestartForced reports a restart that had to be escalated to a kill.
func (m *Manager) RestartForced(id, name string) {
	m.dispatch(Alert{
		Type:       "restart_forced",
		InstanceID: id,
		Name:       name,
		Message:    fmt.Sprintf("%s did not stop in time and was killed to restart", displayName(id, name)),
	})
}

// dispatch sends in the background so lifecycle callbacks never wait on
// the network.
func (m *Manager) dispatch(a Alert) {
	if !m.pushEnabled && m.slackURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		m.Send(ctx, a)
	}()
}

// Send delivers a on every enabled channel.
func (m *Manager) Send(ctx context.Context, a Alert) {
	if m.pushEnabled {
		payload, err := json.Marshal(a)
		if err == nil {
			m.push(ctx, payload)
		}
	}
	if m.slackURL != "" {
		if err := slack.PostWebhookContext(ctx, m.slackURL, slackMessage(a)); err != nil {
			m.logger.Warn("slack webhook failed", "err", err)
		}
	}
}

// Wait blocks until background deliveries finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func slackMessage(a Alert) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Instance", Value: displayName(a.InstanceID, a.Name), Short: true},
	}
	if a.ExitCode != nil {
		fields = append(fields, slack.AttachmentField{Title: "Exit code", Value: strconv.Itoa(*a.ExitCode), Short: true})
	}
	color := "danger"
	if a.Type == "restart_forced" {
		color = "warning"
	}
	return &slack.WebhookMessage{
		Text: a.Message,
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
			Footer: "runner",
			Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		}},
	}
}

func displayName(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return name + " (" + id + ")"
}
