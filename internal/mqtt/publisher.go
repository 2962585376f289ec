package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ai-persona/internal/config"
	"github.com/nugget/ai-persona/internal/generate"
)

// queueSize bounds generation notifications waiting for the broker.
// Notifications beyond it are dropped, never blocking a request.
const queueSize = 64

var errNotConnected = errors.New("mqtt publisher not started")

// StatsSource supplies the process-level values in the periodic
// stats topics.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Provider() string
}

// publishClient is the subset of [autopaho.ConnectionManager] the
// publisher uses.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Notification is the JSON payload published to the generation topic.
type Notification struct {
	Timestamp   time.Time `json:"timestamp"`
	InstanceID  string    `json:"instance_id"`
	RequestID   string    `json:"request_id"`
	PersonaID   string    `json:"persona_id,omitempty"`
	Provider    string    `json:"provider"`
	Streamed    bool      `json:"streamed"`
	PromptChars int       `json:"prompt_chars"`
	OutputChars int       `json:"output_chars"`
	DurationMS  int64     `json:"duration_ms"`
}

// Publisher owns the broker session. It announces availability,
// forwards one [Notification] per completed generation and refreshes
// the retained stats topics on a timer. It implements
// [generate.Observer].
type Publisher struct {
	cfg     config.MQTTConfig
	id      string
	counter *DailyCounter
	stats   StatsSource
	logger  *slog.Logger

	mu     sync.RWMutex
	cm     *autopaho.ConnectionManager
	client publishClient

	queue chan Notification
}

// New builds an unconnected publisher. instanceID is stamped on every
// notification; a nil counter gets one in UTC.
func New(cfg config.MQTTConfig, instanceID string, counter *DailyCounter, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = NewDailyCounter(nil)
	}
	return &Publisher{
		cfg:     cfg,
		id:      instanceID,
		counter: counter,
		stats:   stats,
		logger:  logger.With("component", "mqtt"),
		queue:   make(chan Notification, queueSize),
	}
}

// connectTimeout bounds how long Start waits for the first CONNACK
// before moving on and letting autopaho keep trying.
const connectTimeout = 30 * time.Second

// clientConfig describes the session: credentials, the retained
// "offline" will, and TLS for mqtts:// and ssl:// brokers.
func (p *Publisher) clientConfig(ctx context.Context, broker *url.URL) autopaho.ClientConfig {
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("broker session established", "broker", broker.Redacted())
			p.announce(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("broker connect attempt failed", "broker", broker.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ai-persona-" + p.cfg.DeviceName,
		},
	}
	switch broker.Scheme {
	case "mqtts", "ssl":
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc
}

// Start opens the broker session and runs the notification and stats
// loops until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt: broker url: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, broker))
	if err != nil {
		return fmt.Errorf("mqtt: open session: %w", err)
	}
	p.mu.Lock()
	p.cm, p.client = cm, cm
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("broker not reachable yet, reconnecting in background", "error", err)
	}

	go p.forward(ctx)
	p.statsLoop(ctx)
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx is
// done. It fails immediately if Start has not created the connection.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return errNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Stop marks the instance offline and ends the session.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.announce(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Observe implements generate.Observer. It counts the generation and
// queues a notification without waiting on the broker.
func (p *Publisher) Observe(ctx context.Context, c generate.Completion) {
	p.counter.Record(len(c.Result.Output), c.Streamed)

	n := Notification{
		Timestamp:   time.Now().UTC(),
		InstanceID:  p.id,
		RequestID:   c.RequestID,
		PersonaID:   c.Request.PersonaID,
		Provider:    c.Result.Provider,
		Streamed:    c.Streamed,
		PromptChars: len(c.CompiledPrompt),
		OutputChars: len(c.Result.Output),
		DurationMS:  c.Duration.Milliseconds(),
	}
	select {
	case p.queue <- n:
	default:
		p.logger.DebugContext(ctx, "mqtt notification queue full, dropping", "request_id", c.RequestID)
	}
}

// topic joins path segments under <topic_prefix>/<device_name>.
func (p *Publisher) topic(parts ...string) string {
	return strings.Join(append([]string{p.cfg.TopicPrefix, p.cfg.DeviceName}, parts...), "/")
}

func (p *Publisher) currentClient() publishClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// announce publishes a retained availability value.
func (p *Publisher) announce(ctx context.Context, c publishClient, status string) {
	_, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("availability not published", "status", status, "error", err)
		return
	}
	p.logger.Info("availability published", "status", status)
}

// forward publishes queued notifications as they arrive.
func (p *Publisher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.queue:
			p.publishNotification(ctx, n)
		}
	}
}

func (p *Publisher) publishNotification(ctx context.Context, n Notification) {
	c := p.currentClient()
	if c == nil {
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("encode generation notification", "request_id", n.RequestID, "error", err)
		return
	}
	msg := &paho.Publish{Topic: p.topic("generation"), Payload: body, QoS: 1}
	if _, err := c.Publish(ctx, msg); err != nil {
		p.logger.Debug("generation notification not published", "request_id", n.RequestID, "error", err)
	}
}

func (p *Publisher) statsLoop(ctx context.Context) {
	tick := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer tick.Stop()

	for {
		p.publishStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// statValues renders the retained per-topic values.
func (p *Publisher) statValues() map[string]string {
	day := p.counter.Snapshot()
	out := map[string]string{
		"generations_today": strconv.FormatInt(day.Generations, 10),
		"streamed_today":    strconv.FormatInt(day.Streamed, 10),
		"last_generation":   "never",
	}
	if !day.Last.IsZero() {
		out["last_generation"] = day.Last.Format(time.RFC3339)
	}
	if p.stats != nil {
		out["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		out["version"] = p.stats.Version()
		out["provider"] = p.stats.Provider()
	}
	return out
}

func (p *Publisher) publishStats(ctx context.Context) {
	c := p.currentClient()
	if c == nil {
		return
	}
	values := p.statValues()
	for name, v := range values {
		msg := &paho.Publish{Topic: p.topic(name, "state"), Payload: []byte(v), Retain: true}
		if _, err := c.Publish(ctx, msg); err != nil {
			p.logger.Debug("stat not published", "stat", name, "error", err)
		}
	}
	p.logger.Debug("stats published", "count", len(values))
}
