// Package mqtt wraps the paho client with the request/response exchange
// between tbot and powerd agents.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/models"
)

// Client is a paho client plus pending requests.
type Client struct {
	client MQTT.Client
	prefix string
	log    zerolog.Logger

	mu         sync.Mutex
	pending    map[string]chan models.Response
	subscribed map[string]bool
}

// NewClient configures a client for the broker in cfg.  An empty clientID
// generates one.
func NewClient(cfg config.MQTT, clientID string) *Client {
	opts := MQTT.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%s", cfg.Broker, cfg.Port))
	if clientID == "" {
		clientID = "tbot_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	c := newClient(nil, cfg.TopicPrefix)
	opts.SetDefaultPublishHandler(func(_ MQTT.Client, msg MQTT.Message) {
		c.log.Debug().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("unhandled message")
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.log.Warn().Err(err).Msg("connection lost")
	})
	c.client = MQTT.NewClient(opts)
	return c
}

// Wrap uses an existing paho client, e.g. one from mqtttest.
func Wrap(mc MQTT.Client, prefix string) *Client {
	return newClient(mc, prefix)
}

func newClient(mc MQTT.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "tbot"
	}
	return &Client{
		client:     mc,
		prefix:     prefix,
		log:        log.WithComponent("mqtt"),
		pending:    make(map[string]chan models.Response),
		subscribed: make(map[string]bool),
	}
}

// Connect connects to the broker.
func (c *Client) Connect() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connection failed: %w", token.Error())
	}
	c.log.Info().Msg("connected to broker")
	return nil
}

// Disconnect closes the connection, giving in-flight work 250ms.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.log.Info().Msg("disconnected from broker")
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// CommandTopic is where commands for device are published.
func (c *Client) CommandTopic(device string) string {
	return c.prefix + "/" + device + "/command"
}

// ResponseTopic is where the agent of device answers.
func (c *Client) ResponseTopic(device string) string {
	return c.prefix + "/" + device + "/response"
}

// Publish sends v as JSON.
func (c *Client) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	token := c.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	c.log.Debug().Str("topic", topic).Msg("published")
	return nil
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, 1, func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	c.log.Debug().Str("topic", topic).Msg("subscribed")
	return nil
}

func (c *Client) ensureResponses(device string) error {
	topic := c.ResponseTopic(device)
	c.mu.Lock()
	done := c.subscribed[topic]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.Subscribe(topic, c.handleResponse); err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribed[topic] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) handleResponse(topic string, payload []byte) {
	var resp models.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("malformed response")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("id", resp.ID).Msg("response without pending request")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Request publishes cmd to its device and waits for the matching response.
// Without a deadline on ctx it waits for the command timeout plus a grace
// period.
func (c *Client) Request(ctx context.Context, cmd models.Command) (*models.Response, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.Timestamp = time.Now().Unix()

	if _, ok := ctx.Deadline(); !ok {
		timeout := time.Duration(cmd.Timeout) * time.Second
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
	}

	if err := c.ensureResponses(cmd.Device); err != nil {
		return nil, err
	}

	ch := make(chan models.Response, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
	}()

	if err := c.Publish(c.CommandTopic(cmd.Device), cmd); err != nil {
		return nil, err
	}
	c.log.Debug().Str("id", cmd.ID).Str("device", cmd.Device).Str("action", cmd.Action).Msg("request sent")

	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for response on %s: %w", c.ResponseTopic(cmd.Device), ctx.Err())
	}
}
