// Package mqtttest provides an in-memory broker implementing the paho
// client interface, for tests that must not depend on a real broker.
package mqtttest

import (
	"errors"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// Broker routes messages between its clients.
type Broker struct {
	mu   sync.Mutex
	subs []subscription
	wg   sync.WaitGroup
}

type subscription struct {
	client  *Client
	filter  string
	handler MQTT.MessageHandler
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Client returns a new, disconnected client of b.
func (b *Broker) Client() *Client {
	return &Client{broker: b}
}

// Wait blocks until all delivered messages have been handled.
func (b *Broker) Wait() {
	b.wg.Wait()
}

func (b *Broker) publish(topic string, payload []byte) {
	b.mu.Lock()
	var targets []subscription
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			s.handler(s.client, &message{topic: topic, payload: payload})
		}(s)
	}
}

// Match reports whether topic matches an MQTT filter with + and #.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// Client is a paho client connected to a Broker.
type Client struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
}

var _ MQTT.Client = (*Client)(nil)

var errNotConnected = errors.New("not connected")

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() MQTT.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return done(nil)
}

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.client != c {
			kept = append(kept, s)
		}
	}
	b.subs = kept
	b.mu.Unlock()
}

func (c *Client) Publish(topic string, _ byte, _ bool, payload interface{}) MQTT.Token {
	if !c.IsConnected() {
		return done(errNotConnected)
	}
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = v
	case string:
		p = []byte(v)
	default:
		return done(errors.New("unknown payload type"))
	}
	c.broker.publish(topic, p)
	return done(nil)
}

func (c *Client) Subscribe(topic string, _ byte, callback MQTT.MessageHandler) MQTT.Token {
	if !c.IsConnected() {
		return done(errNotConnected)
	}
	c.broker.mu.Lock()
	c.broker.subs = append(c.broker.subs, subscription{client: c, filter: topic, handler: callback})
	c.broker.mu.Unlock()
	return done(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback MQTT.MessageHandler) MQTT.Token {
	for f := range filters {
		if t := c.Subscribe(f, 0, callback); t.Error() != nil {
			return t
		}
	}
	return done(nil)
}

func (c *Client) Unsubscribe(topics ...string) MQTT.Token {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		drop := false
		if s.client == c {
			for _, t := range topics {
				drop = drop || s.filter == t
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	b.subs = kept
	return done(nil)
}

func (c *Client) AddRoute(topic string, callback MQTT.MessageHandler) {
	c.broker.mu.Lock()
	c.broker.subs = append(c.broker.subs, subscription{client: c, filter: topic, handler: callback})
	c.broker.mu.Unlock()
}

func (c *Client) OptionsReader() MQTT.ClientOptionsReader {
	return MQTT.ClientOptionsReader{}
}

type token struct {
	err  error
	done chan struct{}
}

func done(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 1 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
