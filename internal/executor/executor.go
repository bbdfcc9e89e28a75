// Package executor drives the on-device automation agent over MQTT.
//
// The device agent subscribes to command topics and reports what it is
// doing on retained topics:
//
//	<prefix>/task/start          command  {"id","instruction","conversation_id","issued_at"}
//	<prefix>/task/stop           command  {"id","reason","issued_at"}
//	<prefix>/task/status         retained {"running":bool,"task":"..."}
//	<prefix>/device/availability retained "online" | "offline"
//
// Parley announces itself on <prefix>/assistant/availability, with a
// will message so the device sees it go offline on an unclean
// disconnect. Connection management and reconnects are handled by
// autopaho; subscriptions are renewed on every connect.
package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/parley/internal/events"
)

// ErrNotConnected is returned when a command cannot reach the broker.
var ErrNotConnected = errors.New("executor not connected")

const (
	defaultPrefix = "parley"

	statusOnline  = "online"
	statusOffline = "offline"

	// inbound messages allowed per rateInterval before dropping.
	rateLimit    = 200
	rateInterval = 10 * time.Second
)

// Status is the device agent's report of its current task.
type Status struct {
	Running bool   `json:"running"`
	Task    string `json:"task,omitempty"`
}

type startCommand struct {
	ID             string    `json:"id"`
	Instruction    string    `json:"instruction"`
	ConversationID string    `json:"conversation_id,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
}

type stopCommand struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// publisher is the part of autopaho.ConnectionManager the executor
// sends commands through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Config configures an Executor.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	Logger      *slog.Logger
	Bus         *events.Bus
}

// Executor is an MQTT client for the device automation agent. Its
// status accessors are safe for concurrent use.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	cm        *autopaho.ConnectionManager
	pub       publisher
	connected atomic.Bool
	limiter   *messageRateLimiter

	mu           sync.RWMutex
	status       Status
	deviceOnline bool
}

// New creates an Executor but does not connect. Call Connect.
func New(cfg Config) *Executor {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		logger:  logger,
		bus:     cfg.Bus,
		limiter: newMessageRateLimiter(rateLimit, rateInterval, logger),
	}
}

// Connect starts the broker connection. It waits up to 30 seconds for
// the first connect and then returns; autopaho keeps retrying in the
// background until ctx is cancelled.
func (e *Executor) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(e.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: e.cfg.Username,
		ConnectPassword: []byte(e.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   e.assistantAvailabilityTopic(),
			Payload: []byte(statusOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			e.logger.Info("mqtt connected to broker", "broker", e.cfg.Broker)
			e.connected.Store(true)
			e.subscribe(ctx, cm)
			e.publishAvailability(ctx, cm, statusOnline)
		},
		OnConnectError: func(err error) {
			e.connected.Store(false)
			e.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: e.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					e.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				e.connected.Store(false)
				e.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				e.connected.Store(false)
				e.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	e.cm = cm
	e.pub = cm

	go e.limiter.start(ctx)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		e.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Close announces the assistant offline and disconnects.
func (e *Executor) Close(ctx context.Context) error {
	if e.cm == nil {
		return nil
	}
	e.publishAvailability(ctx, e.cm, statusOffline)
	e.connected.Store(false)
	return e.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up. It is the
// connwatch probe for the broker.
func (e *Executor) AwaitConnection(ctx context.Context) error {
	if e.cm == nil {
		return ErrNotConnected
	}
	return e.cm.AwaitConnection(ctx)
}

// IsRunning reports whether the device agent is working on a task.
func (e *Executor) IsRunning() bool { return e.Status().Running }

// CurrentTask returns the running task's description, or "".
func (e *Executor) CurrentTask() string {
	st := e.Status()
	if !st.Running {
		return ""
	}
	return st.Task
}

// Available reports whether both the broker and the device agent are
// online.
func (e *Executor) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected.Load() && e.deviceOnline
}

// Status returns the last reported task status.
func (e *Executor) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Start sends instruction to the device agent. The local status is
// marked running right away; the agent's own report replaces it when
// it arrives.
func (e *Executor) Start(ctx context.Context, instruction string) error {
	cmd := startCommand{
		ID:          newID(),
		Instruction: instruction,
		IssuedAt:    time.Now().UTC(),
	}
	if cid, ok := ctx.Value(conversationKey{}).(string); ok {
		cmd.ConversationID = cid
	}
	if err := e.publishJSON(ctx, e.topic("task/start"), cmd); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	e.logger.Info("task start sent", "id", cmd.ID, "instruction", instruction)
	e.setStatus(Status{Running: true, Task: instruction})
	return nil
}

// Stop asks the device agent to abandon the running task.
func (e *Executor) Stop(ctx context.Context) error {
	cmd := stopCommand{ID: newID(), Reason: "user", IssuedAt: time.Now().UTC()}
	if err := e.publishJSON(ctx, e.topic("task/stop"), cmd); err != nil {
		return fmt.Errorf("stop task: %w", err)
	}
	e.logger.Info("task stop sent", "id", cmd.ID, "task", e.CurrentTask())
	e.setStatus(Status{})
	return nil
}

type conversationKey struct{}

// WithConversation tags ctx so Start can attribute the command to a
// conversation.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

func (e *Executor) publishJSON(ctx context.Context, topic string, v any) error {
	if e.pub == nil || !e.connected.Load() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if _, err := e.pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (e *Executor) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topics := []string{e.topic("task/status"), e.topic("device/availability")}
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		e.logger.Warn("mqtt subscribe failed", "topics", topics, "error", err)
		return
	}
	e.logger.Debug("mqtt subscribed", "topics", topics)
}

func (e *Executor) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   e.assistantAvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		e.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		e.logger.Info("mqtt availability published", "status", status)
	}
}

// handleMessage applies an inbound status or availability report.
func (e *Executor) handleMessage(topic string, payload []byte) {
	if !e.limiter.allow() {
		return
	}

	switch topic {
	case e.topic("task/status"):
		var st Status
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &st); err != nil {
				e.logger.Warn("malformed task status", "topic", topic, "error", err)
				return
			}
		}
		e.setStatus(st)

	case e.topic("device/availability"):
		online := strings.EqualFold(strings.TrimSpace(string(payload)), statusOnline)
		e.mu.Lock()
		changed := e.deviceOnline != online
		e.deviceOnline = online
		e.mu.Unlock()
		if changed {
			e.logger.Info("device agent availability changed", "online", online)
			e.bus.Emit(events.SourceExecutor, events.KindExecutorStatus, map[string]any{"available": e.Available()})
		}

	default:
		e.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
	}
}

func (e *Executor) setStatus(st Status) {
	if !st.Running {
		st.Task = ""
	}
	e.mu.Lock()
	changed := e.status != st
	e.status = st
	e.mu.Unlock()

	if changed {
		e.logger.Debug("task status changed", "running", st.Running, "task", st.Task)
		e.bus.Emit(events.SourceExecutor, events.KindExecutorStatus, map[string]any{
			"running": st.Running,
			"task":    st.Task,
		})
	}
}

func (e *Executor) topic(suffix string) string {
	return e.cfg.TopicPrefix + "/" + suffix
}

func (e *Executor) assistantAvailabilityTopic() string {
	return e.topic("assistant/availability")
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
