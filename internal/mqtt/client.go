// Package mqtt connects the sorter to its broker: the upstream channel, the
// diverter controllers and their command/feedback topics.
package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	qos              = 1
)

// Transport is the slice of the client the rest of the package depends on.
type Transport interface {
	PublishContext(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Client wraps the Paho MQTT client. Subscriptions are remembered and
// restored on every (re)connect.
type Client struct {
	client paho.Client
	broker string
	logger *zap.Logger
	mu     sync.Mutex

	subsMu sync.Mutex
	subs   map[string]paho.MessageHandler
}

// ClientOption adjusts the Paho options before the client is built.
type ClientOption func(*paho.ClientOptions)

// WithCredentials authenticates with the broker. An empty username is ignored.
func WithCredentials(username, password string) ClientOption {
	return func(o *paho.ClientOptions) {
		if username == "" {
			return
		}
		o.SetUsername(username)
		o.SetPassword(password)
	}
}

// NewClient creates a new MQTT client but does not connect.
func NewClient(brokerURL, clientID string, logger *zap.Logger, options ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{broker: brokerURL, logger: logger, subs: make(map[string]paho.MessageHandler)}
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", zap.String("broker", brokerURL), zap.Error(err))
		}).
		SetOnConnectHandler(func(pc paho.Client) {
			c.resubscribe(pc)
		})
	for _, o := range options {
		o(opts)
	}
	c.client = paho.NewClient(opts)
	return c
}

// Connect attempts to connect to the broker.
// Returns an error if connection fails, but does not block indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return &ConnectTimeoutError{Broker: c.broker}
	}
	return token.Error()
}

// Subscribe registers handler for topic. While disconnected the
// subscription is deferred until the next connect.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	h := func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	c.subsMu.Lock()
	c.subs[topic] = h
	c.subsMu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return subscribe(c.client, topic, h)
}

func subscribe(pc paho.Client, topic string, h paho.MessageHandler) error {
	token := pc.Subscribe(topic, qos, h)
	if !token.WaitTimeout(subscribeTimeout) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	return token.Error()
}

func (c *Client) resubscribe(pc paho.Client) {
	c.subsMu.Lock()
	subs := make(map[string]paho.MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.subsMu.Unlock()

	for topic, h := range subs {
		if err := subscribe(pc, topic, h); err != nil {
			c.logger.Warn("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	c.logger.Info("mqtt connected", zap.String("broker", c.broker), zap.Int("subscriptions", len(subs)))
}

// PublishContext publishes payload and waits for the broker acknowledgement
// or ctx, whichever comes first.
func (c *Client) PublishContext(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct {
	Broker string
}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout: " + e.Broker
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// StartWithRetry connects, logging errors but not failing. Paho keeps
// retrying in the background and registered subscriptions are restored on
// every connect. Returns true if connected.
func (c *Client) StartWithRetry() bool {
	if err := c.Connect(); err != nil {
		c.logger.Warn("mqtt connect failed, retrying in background", zap.String("broker", c.broker), zap.Error(err))
		return false
	}
	return true
}
