package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trackerflow/config"
	"trackerflow/logger"
)

const component = "simulator"

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("simulator: not connected")

// Publisher sends generated readings to the broker over MQTT v5.
type Publisher struct {
	broker  config.BrokerConfig
	gen     *Generator
	log     *logger.Log
	limiter *rate.Limiter

	mu     sync.Mutex
	client *paho.Client

	published atomic.Uint64
}

func NewPublisher(broker config.BrokerConfig, sim config.SimulatorConfig, gen *Generator, log *logger.Log) *Publisher {
	if log == nil {
		log = logger.GetLogger()
	}
	interval := sim.Interval
	if interval <= 0 {
		interval = config.DefaultSimulatorPeriod
	}
	burst := sim.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Publisher{
		broker:  broker,
		gen:     gen,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Connect dials the broker and completes the MQTT handshake.
func (p *Publisher) Connect(ctx context.Context) error {
	timeout := p.broker.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.broker.Address())
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.broker.Address(), err)
	}

	clientID := p.broker.ClientIDPrefix + "sim-" + uuid.NewString()[:8]
	client := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnClientError: func(err error) {
			p.log.WithComponent(component).WithError(err).Warn("mqtt client error")
		},
	})

	keepAlive := uint16(p.broker.KeepAlive / time.Second)
	connect := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  keepAlive,
		CleanStart: true,
	}
	if p.broker.Username != "" {
		connect.Username = p.broker.Username
		connect.UsernameFlag = true
		connect.Password = []byte(p.broker.Password)
		connect.PasswordFlag = true
	}

	ack, err := client.Connect(dialCtx, connect)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect to %s: %w", p.broker.Address(), err)
	}
	if ack.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("connect to %s: reason code %d", p.broker.Address(), ack.ReasonCode)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.log.WithComponent(component).WithFields(logger.Fields{
		"broker":    p.broker.Address(),
		"client_id": clientID,
	}).Info("simulator connected")
	return nil
}

// PublishOnce generates one reading and publishes it on the configured topic.
func (p *Publisher) PublishOnce(ctx context.Context) (Reading, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return Reading{}, ErrNotConnected
	}

	reading, err := p.gen.Next()
	if err != nil {
		return Reading{}, err
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.broker.Topic,
		QoS:     byte(p.broker.QoS),
		Payload: reading.Payload,
	}); err != nil {
		return Reading{}, fmt.Errorf("publish to %s: %w", p.broker.Topic, err)
	}

	p.published.Add(1)
	p.log.WithComponent(component).WithFields(logger.Fields{
		"topic":   p.broker.Topic,
		"payload": string(reading.Payload),
	}).Debug("published reading")
	return reading, nil
}

// Run publishes count readings, or until ctx is cancelled when count is not
// positive, paced by the configured interval.
func (p *Publisher) Run(ctx context.Context, count int) error {
	for sent := 0; count <= 0 || sent < count; sent++ {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := p.PublishOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Published returns how many readings were sent.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
