// Package webhooks delivers fleet events to operator-configured HTTP
// endpoints.
//
// The manager subscribes to the daemon's event bus and fans each event out
// to the registered endpoints over a pool of delivery workers. Payloads are
// HMAC-signed when an endpoint carries a secret. Delivery is best-effort:
// a full queue drops rather than stalls.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtengine/openfleet/internal/events"
)

// Webhook is one configured endpoint
type Webhook struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Secret    string             `json:"secret,omitempty"`
	Events    []events.EventType `json:"events"` // empty subscribes to everything
	Headers   map[string]string  `json:"headers,omitempty"`
	Enabled   bool               `json:"enabled"`
	CreatedAt int64              `json:"created_at"`
}

// Payload is what an endpoint receives
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"`
	WebhookID  string           `json:"webhook_id"`
	DeliveryID string           `json:"delivery_id"`
	TaskID     string           `json:"task_id,omitempty"`
	PR         int              `json:"pr,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type deliveryTask struct {
	webhook *Webhook
	payload *Payload
}

const historySize = 100

// Manager registers endpoints and delivers events to them
type Manager struct {
	logger *zap.Logger
	client *http.Client

	mu       sync.RWMutex
	webhooks map[string]*Webhook

	delivery chan *deliveryTask
	stopCh   chan struct{}
	wg       sync.WaitGroup

	historyMu  sync.Mutex
	history    []*DeliveryResult
	historyPos int
}

// NewManager creates a webhook manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.With(zap.String("component", "webhooks")),
		client:   &http.Client{Timeout: 30 * time.Second},
		webhooks: make(map[string]*Webhook),
		delivery: make(chan *deliveryTask, 1000),
		stopCh:   make(chan struct{}),
		history:  make([]*DeliveryResult, 0, historySize),
	}
}

// Start launches the delivery workers and, when bus is non-nil, begins
// forwarding its events.
func (m *Manager) Start(workers int, bus *events.Bus) {
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
	if bus != nil {
		ch := bus.Subscribe("webhooks")
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case ev, open := <-ch:
					if !open {
						return
					}
					m.Emit(ev)
				case <-m.stopCh:
					bus.Unsubscribe(ch)
					return
				}
			}
		}()
	}
}

// Stop shuts delivery down, waiting up to the context deadline
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds an endpoint
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.ID == "" {
		return fmt.Errorf("webhook id is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook url is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	webhook.CreatedAt = time.Now().Unix()
	m.webhooks[webhook.ID] = webhook
	m.logger.Info("registered webhook",
		zap.String("id", webhook.ID), zap.String("url", webhook.URL))
	return nil
}

// Unregister removes an endpoint
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	return nil
}

// List returns copies of every registered endpoint
func (m *Manager) List() []*Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Webhook, 0, len(m.webhooks))
	for _, webhook := range m.webhooks {
		copied := *webhook
		out = append(out, &copied)
	}
	return out
}

// LoadFile registers every endpoint from a JSON config file. A missing
// file leaves the manager empty.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading webhook config: %w", err)
	}

	var hooks []*Webhook
	if err := json.Unmarshal(data, &hooks); err != nil {
		return fmt.Errorf("parsing webhook config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hook := range hooks {
		if hook.ID == "" || hook.URL == "" {
			m.logger.Warn("skipping webhook with missing id or url",
				zap.String("id", hook.ID))
			continue
		}
		m.webhooks[hook.ID] = hook
	}
	return nil
}

// SaveFile writes the registered endpoints to a JSON config file
func (m *Manager) SaveFile(path string) error {
	hooks := m.List()
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })

	data, err := json.MarshalIndent(hooks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling webhook config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing webhook config: %w", err)
	}
	return nil
}

// Emit queues an event for delivery to every subscribed endpoint
func (m *Manager) Emit(ev *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, webhook := range m.webhooks {
		if !webhook.Enabled || !subscribed(webhook, ev.Type) {
			continue
		}
		payload := &Payload{
			Event:      ev.Type,
			Timestamp:  ev.Timestamp,
			WebhookID:  webhook.ID,
			DeliveryID: uuid.New().String(),
			TaskID:     ev.TaskID,
			PR:         ev.PR,
			Data:       ev.Data,
		}
		select {
		case m.delivery <- &deliveryTask{webhook: webhook, payload: payload}:
		default:
			m.logger.Warn("delivery queue full, dropping webhook event",
				zap.String("webhook", webhook.ID), zap.String("event", string(ev.Type)))
		}
	}
}

// History returns up to limit recent delivery results, oldest first
func (m *Manager) History(limit int) []*DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.history)) % max(len(m.history), 1)
	for i := 0; i < limit; i++ {
		out[i] = m.history[(start+i)%len(m.history)]
	}
	return out
}

func subscribed(webhook *Webhook, event events.EventType) bool {
	if len(webhook.Events) == 0 {
		return true
	}
	for _, e := range webhook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for {
		select {
		case task := <-m.delivery:
			m.deliver(task)
		case <-m.stopCh:
			return
		}
	}
}

// deliver posts one payload to one endpoint
func (m *Manager) deliver(task *deliveryTask) {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  task.webhook.ID,
		DeliveryID: task.payload.DeliveryID,
		Event:      task.payload.Event,
		Timestamp:  start.Unix(),
	}

	body, err := json.Marshal(task.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		m.record(result)
		return
	}

	req, err := http.NewRequest(http.MethodPost, task.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("building request: %v", err)
		m.record(result)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OpenFleet-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", task.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", task.payload.DeliveryID)
	req.Header.Set("X-Webhook-Event", string(task.payload.Event))
	for k, v := range task.webhook.Headers {
		req.Header.Set(k, v)
	}
	if task.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, task.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.record(result)
		m.logger.Warn("webhook delivery failed",
			zap.String("url", task.webhook.URL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Warn("webhook delivery rejected",
			zap.String("url", task.webhook.URL), zap.Int("status", resp.StatusCode))
	}
	m.record(result)
}

func (m *Manager) record(result *DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	if len(m.history) < historySize {
		m.history = append(m.history, result)
	} else {
		m.history[m.historyPos] = result
		m.historyPos = (m.historyPos + 1) % historySize
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an HMAC signature produced by deliver
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}
