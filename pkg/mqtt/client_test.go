package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/mqtt/mqtttest"
)

func TestTopics(t *testing.T) {
	c := Wrap(mqtttest.NewBroker().Client(), "")
	assert.Equal(t, "tbot/pdu-1/command", c.CommandTopic("pdu-1"))
	assert.Equal(t, "tbot/pdu-1/response", c.ResponseTopic("pdu-1"))
}

func TestRequestResponse(t *testing.T) {
	broker := mqtttest.NewBroker()
	requester := Wrap(broker.Client(), "lab")
	agent := Wrap(broker.Client(), "lab")
	require.NoError(t, requester.Connect())
	require.NoError(t, agent.Connect())
	defer broker.Wait()
	defer requester.Disconnect()
	defer agent.Disconnect()

	require.NoError(t, agent.Subscribe(agent.CommandTopic("relay"), func(_ string, payload []byte) {
		var cmd models.Command
		assert.NoError(t, json.Unmarshal(payload, &cmd))
		// an unrelated response must be ignored
		_ = agent.Publish(agent.ResponseTopic("relay"), models.Response{ID: "other", Status: models.StatusError})
		_ = agent.Publish(agent.ResponseTopic("relay"), models.Response{
			ID:     cmd.ID,
			Device: cmd.Device,
			Action: cmd.Action,
			Status: models.StatusSuccess,
			Output: "relay on",
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := requester.Request(ctx, models.Command{Device: "relay", Action: models.ActionOn})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "relay on", resp.Output)
	assert.NotEmpty(t, resp.ID)
}

func TestRequestTimeout(t *testing.T) {
	broker := mqtttest.NewBroker()
	c := Wrap(broker.Client(), "")
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, models.Command{Device: "nobody", Action: models.ActionOff})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "tbot/nobody/response")
}

func TestMatch(t *testing.T) {
	assert.True(t, mqtttest.Match("tbot/+/response", "tbot/a/response"))
	assert.True(t, mqtttest.Match("tbot/#", "tbot/a/command"))
	assert.False(t, mqtttest.Match("tbot/+/response", "tbot/a/command"))
	assert.False(t, mqtttest.Match("tbot/a", "tbot/a/b"))
}
