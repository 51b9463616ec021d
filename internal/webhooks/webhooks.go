// Package webhooks carries marketplace events to agents over HTTP.
//
// Agents that register a webhook_url get every event the in-process bus
// would push to them, POSTed as JSON and HMAC-signed when the agent set a
// secret. Delivery is at-most-once per event with a few retries: the task
// store stays the source of truth, and an agent that misses a webhook
// recovers by polling.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/circuitbreaker"
	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/metrics"
	"github.com/anneschuth/pinchwork/internal/retry"
	"github.com/anneschuth/pinchwork/internal/security"
	"github.com/anneschuth/pinchwork/internal/syncutil"
)

// Envelope is the JSON body POSTed to an agent's webhook URL.
type Envelope struct {
	ID        string         `json:"id"`
	Type      events.Kind    `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Config carries the dispatcher knobs. Zero values fall back to the
// production defaults.
type Config struct {
	Timeout          time.Duration // per-request timeout
	MaxAttempts      int           // delivery attempts per event
	BaseDelay        time.Duration // first retry backoff
	Workers          int           // concurrent deliveries
	QueueSize        int           // pending deliveries before drops
	BreakerThreshold int           // failed events before an endpoint is cut off
	BreakerCooldown  time.Duration // how long a cut-off endpoint sits out
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

type delivery struct {
	agentID string
	event   events.Event
}

// Dispatcher delivers events to agent webhook URLs with a small worker
// pool. Notify is safe to call from the bus publish path: it enqueues
// and never blocks.
type Dispatcher struct {
	agents agent.Store
	client *http.Client
	cfg    Config
	logger *slog.Logger

	// urlValidator guards against agent-supplied URLs pointing at
	// internal addresses. Tests swap it out to reach loopback servers.
	urlValidator func(string) error

	// breaker cuts off endpoints that keep failing; perAgent serializes
	// deliveries to one agent so retry storms never interleave.
	breaker  *circuitbreaker.Breaker
	perAgent syncutil.ShardedMutex

	queue chan delivery
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(agents agent.Store, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		agents:       agents,
		client:       &http.Client{Timeout: cfg.Timeout},
		cfg:          cfg,
		logger:       slog.Default(),
		urlValidator: security.ValidateEndpointURL,
		breaker:      circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		queue:        make(chan delivery, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker.OnTransition(func(agentID string, from, to circuitbreaker.State) {
		metrics.WebhookBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		d.logger.Info("webhook circuit changed state",
			"agent_id", agentID, "from", from.String(), "to", to.String())
	})
	return d
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for dl := range d.queue {
				d.deliver(dl)
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// Notify enqueues an event for webhook delivery. It satisfies events.Tap.
// A full queue drops the event; webhooks are a courtesy, polling is the
// contract.
func (d *Dispatcher) Notify(agentID string, e events.Event) {
	select {
	case d.queue <- delivery{agentID: agentID, event: e}:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event",
			"agent_id", agentID, "kind", e.Kind)
	}
}

func (d *Dispatcher) deliver(dl delivery) {
	unlock := d.perAgent.Lock(dl.agentID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(d.cfg.MaxAttempts)*d.cfg.Timeout+5*time.Second)
	defer cancel()

	a, err := d.agents.Get(ctx, dl.agentID)
	if err != nil || a.WebhookURL == "" {
		return
	}
	if err := d.urlValidator(a.WebhookURL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("blocked").Inc()
		d.logger.Warn("webhook URL rejected",
			"agent_id", dl.agentID, "error", err)
		return
	}
	if !d.breaker.Allow(dl.agentID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		return
	}

	env := Envelope{
		ID:        idgen.WithPrefix("evt-"),
		Type:      dl.event.Kind,
		TaskID:    dl.event.TaskID,
		Data:      dl.event.Data,
		CreatedAt: dl.event.CreatedAt,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("marshal webhook payload", "error", err)
		return
	}

	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, a, env, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(dl.agentID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Warn("webhook delivery failed",
			"agent_id", dl.agentID, "kind", dl.event.Kind, "error", err)
		return
	}
	d.breaker.RecordSuccess(dl.agentID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) post(ctx context.Context, a *agent.Agent, env Envelope, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinchwork-Event", string(env.Type))
	req.Header.Set("X-Pinchwork-Delivery", env.ID)
	req.Header.Set("X-Pinchwork-Timestamp", strconv.FormatInt(env.CreatedAt.Unix(), 10))
	if a.WebhookSecret != "" {
		req.Header.Set("X-Pinchwork-Signature", Sign(payload, a.WebhookSecret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint understood us and said no; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 a receiver verifies against
// X-Pinchwork-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
