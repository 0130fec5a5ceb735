package powerd

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/mqtt"
	"github.com/zkrx/tbot/pkg/mqtt/mqtttest"
)

func needTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
}

func TestExecute(t *testing.T) {
	needTools(t, "echo", "false", "sleep")
	a := New(nil, map[string]config.PowerdDevice{
		"relay": {On: "echo 'relay 1 on'", Off: "false", Status: "sleep 5"},
	})

	resp := a.Execute(context.Background(), models.Command{ID: "1", Device: "relay", Action: models.ActionOn})
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "relay 1 on\n", resp.Output)
	assert.Equal(t, "1", resp.ID)

	resp = a.Execute(context.Background(), models.Command{Device: "relay", Action: models.ActionOff})
	assert.Equal(t, models.StatusError, resp.Status)
	assert.NotEmpty(t, resp.Error)

	resp = a.Execute(context.Background(), models.Command{Device: "relay", Action: models.ActionStatus, Timeout: 1})
	assert.Equal(t, models.StatusTimeout, resp.Status)

	resp = a.Execute(context.Background(), models.Command{Device: "missing", Action: models.ActionOn})
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "unknown device")

	resp = a.Execute(context.Background(), models.Command{Device: "relay", Action: "reboot"})
	assert.Contains(t, resp.Error, "unknown action")
}

func TestStartNeedsDevices(t *testing.T) {
	require.Error(t, New(nil, nil).Start())
}

func TestPowerOverMQTT(t *testing.T) {
	needTools(t, "true")
	broker := mqtttest.NewBroker()
	defer broker.Wait()

	agentClient := mqtt.Wrap(broker.Client(), "lab")
	require.NoError(t, agentClient.Connect())
	defer agentClient.Disconnect()
	a := New(agentClient, map[string]config.PowerdDevice{
		"bbb": {On: "true", Off: "true"},
	})
	require.NoError(t, a.Start())
	assert.Equal(t, []string{"bbb"}, a.Devices())

	tbotClient := mqtt.Wrap(broker.Client(), "lab")
	require.NoError(t, tbotClient.Connect())
	defer tbotClient.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := board.MQTTPower{Client: tbotClient, Device: "bbb"}
	require.NoError(t, p.PowerOn(ctx))
	require.NoError(t, p.PowerOff(ctx))
}
