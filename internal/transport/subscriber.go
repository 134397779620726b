// Package transport connects to the MQTT broker and hands every message on the
// tracker topic to a hook, in arrival order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"trackerflow/config"
	"trackerflow/internal/metrics"
	"trackerflow/logger"
	"trackerflow/models"
)

const (
	component = "transport"

	// MQTT 3.1.1 brokers are only required to accept client ids up to 23 bytes.
	maxClientIDLen = 23

	disconnectQuiesce = 250 // milliseconds
	subscribeTimeout  = 10 * time.Second
)

// MessageHook receives every message delivered on the subscribed topic.
type MessageHook func(ctx context.Context, raw models.RawMessage) error

type EventType string

const (
	EventConnected      EventType = "connected"
	EventConnectionLost EventType = "connection_lost"
	EventReconnecting   EventType = "reconnecting"
	EventSubscribed     EventType = "subscribed"
	EventDisconnected   EventType = "disconnected"
)

// Event describes a change in the broker connection.
type Event struct {
	Type EventType
	At   time.Time
	Err  error
}

type Subscriber struct {
	cfg      config.BrokerConfig
	hook     MessageHook
	log      *logger.Log
	clientID string

	mu      sync.Mutex
	client  mqtt.Client
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	connected atomic.Bool
	messages  atomic.Uint64
	connects  atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []func(Event)

	now func() time.Time
}

func NewSubscriber(cfg config.BrokerConfig, hook MessageHook, log *logger.Log) *Subscriber {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	return &Subscriber{
		cfg:      cfg,
		hook:     hook,
		log:      log,
		clientID: newClientID(cfg.ClientIDPrefix),
		now:      time.Now,
	}
}

func newClientID(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}

// ClientID returns the id presented to the broker.
func (s *Subscriber) ClientID() string {
	return s.clientID
}

// Connected reports whether the broker connection is currently up.
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Messages returns how many messages were delivered to the hook.
func (s *Subscriber) Messages() uint64 {
	return s.messages.Load()
}

// Connects returns how many times a connection was established.
func (s *Subscriber) Connects() uint64 {
	return s.connects.Load()
}

// OnEvent registers a listener for connection events. Listeners run on the
// client's goroutines and must not block.
func (s *Subscriber) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Start connects to the broker. It waits up to the configured connect timeout
// for the first connection; if the broker is still unreachable the client keeps
// retrying in the background and Start returns nil.
func (s *Subscriber) Start(ctx context.Context) error {
	if s.hook == nil {
		return errors.New("transport: message hook is required")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("transport: subscriber already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.client = mqtt.NewClient(s.clientOptions())
	s.started = true
	client := s.client
	s.mu.Unlock()

	log := s.log.WithComponent(component).WithFields(logger.Fields{
		"broker":    s.cfg.URL(),
		"topic":     s.cfg.Topic,
		"client_id": s.clientID,
	})
	log.Info("connecting to broker")

	token := client.Connect()
	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.Stop()
			return fmt.Errorf("connect to %s: %w", s.cfg.URL(), err)
		}
	case <-timer.C:
		log.Warn("broker not reachable yet, retrying in background")
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
	return nil
}

// Stop disconnects from the broker. The hook is not called after Stop returns.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	client := s.client
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	client.Disconnect(disconnectQuiesce)

	s.connected.Store(false)
	metrics.SetBrokerConnected(false)
	s.log.WithComponent(component).Info("disconnected from broker")
	s.emit(Event{Type: EventDisconnected})
}

func (s *Subscriber) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.URL()).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(s.cfg.MaxReconnectInterval).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(s.onReconnecting)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

// onConnect runs on every successful connect, including reconnects. The
// session is clean, so the subscription is renewed each time.
func (s *Subscriber) onConnect(client mqtt.Client) {
	s.connected.Store(true)
	s.connects.Add(1)
	metrics.SetBrokerConnected(true)

	log := s.log.WithComponent(component).WithFields(logger.Fields{
		"broker": s.cfg.URL(),
		"topic":  s.cfg.Topic,
	})
	log.Info("connected to broker")
	s.emit(Event{Type: EventConnected})

	token := client.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), s.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		log.Error("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.WithError(err).Error("subscribe failed")
		return
	}
	log.WithField("qos", s.cfg.QoS).Info("subscribed")
	s.emit(Event{Type: EventSubscribed})
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	metrics.SetBrokerConnected(false)
	s.log.WithComponent(component).WithError(err).Warn("connection to broker lost")
	s.emit(Event{Type: EventConnectionLost, Err: err})
}

func (s *Subscriber) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	s.log.WithComponent(component).WithField("broker", s.cfg.URL()).Info("reconnecting to broker")
	s.emit(Event{Type: EventReconnecting})
}

// onMessage runs on the client's router goroutine. With ordered delivery the
// next message is not dispatched until the hook returns.
func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	raw := models.RawMessage{
		Topic:      msg.Topic(),
		Payload:    append([]byte(nil), msg.Payload()...),
		ReceivedAt: s.now(),
	}
	s.messages.Add(1)

	if err := s.hook(ctx, raw); err != nil && ctx.Err() == nil {
		s.log.WithComponent(component).WithError(err).WithField("topic", raw.Topic).
			Warn("message hook failed")
	}
}

func (s *Subscriber) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.listenersMu.RLock()
	listeners := append([]func(Event){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
