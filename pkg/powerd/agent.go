// Package powerd is the agent side of MQTT power control: it runs the
// configured switch commands for the devices it manages.
package powerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/mqtt"
)

const defaultTimeout = 30 * time.Second

// Agent answers power commands for a set of devices.
type Agent struct {
	client  *mqtt.Client
	devices map[string]config.PowerdDevice
	log     zerolog.Logger
}

// New returns an agent for devices.  The client must be connected before
// Start.
func New(client *mqtt.Client, devices map[string]config.PowerdDevice) *Agent {
	return &Agent{
		client:  client,
		devices: devices,
		log:     log.WithComponent("powerd"),
	}
}

// Devices returns the managed device names, sorted.
func (a *Agent) Devices() []string {
	names := make([]string, 0, len(a.devices))
	for name := range a.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start subscribes to the command topic of every device.
func (a *Agent) Start() error {
	if len(a.devices) == 0 {
		return errors.New("powerd: no devices configured")
	}
	for _, name := range a.Devices() {
		topic := a.client.CommandTopic(name)
		if err := a.client.Subscribe(topic, a.handle); err != nil {
			return err
		}
		a.log.Info().Str("device", name).Str("topic", topic).Msg("serving device")
	}
	return nil
}

func (a *Agent) handle(topic string, payload []byte) {
	var cmd models.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		a.log.Warn().Err(err).Str("topic", topic).Msg("malformed command")
		return
	}
	a.log.Info().Str("id", cmd.ID).Str("device", cmd.Device).Str("action", cmd.Action).Msg("command received")

	resp := a.Execute(context.Background(), cmd)
	if err := a.client.Publish(a.client.ResponseTopic(cmd.Device), resp); err != nil {
		a.log.Error().Err(err).Str("id", cmd.ID).Msg("sending response failed")
		return
	}
	a.log.Info().Str("id", cmd.ID).Str("status", resp.Status).Int64("duration_ms", resp.Duration).Msg("command done")
}

func (a *Agent) command(cmd models.Command) (string, error) {
	dev, ok := a.devices[cmd.Device]
	if !ok {
		return "", fmt.Errorf("unknown device %q", cmd.Device)
	}
	var line string
	switch cmd.Action {
	case models.ActionOn:
		line = dev.On
	case models.ActionOff:
		line = dev.Off
	case models.ActionStatus:
		line = dev.Status
	default:
		return "", fmt.Errorf("unknown action %q", cmd.Action)
	}
	if line == "" {
		return "", fmt.Errorf("device %q has no %s command", cmd.Device, cmd.Action)
	}
	return line, nil
}

// Execute runs the command configured for cmd and reports the result.
func (a *Agent) Execute(ctx context.Context, cmd models.Command) *models.Response {
	start := time.Now()
	resp := &models.Response{
		ID:        cmd.ID,
		Device:    cmd.Device,
		Action:    cmd.Action,
		Status:    models.StatusSuccess,
		Timestamp: time.Now().Unix(),
	}
	fail := func(status string, err error) *models.Response {
		resp.Status = status
		resp.Error = err.Error()
		resp.Duration = time.Since(start).Milliseconds()
		return resp
	}

	line, err := a.command(cmd)
	if err != nil {
		return fail(models.StatusError, err)
	}
	argv, err := shlex.Split(line)
	if err != nil || len(argv) == 0 {
		return fail(models.StatusError, fmt.Errorf("bad command %q: %v", line, err))
	}

	timeout := time.Duration(cmd.Timeout) * time.Second
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	resp.Output = string(out)
	resp.Duration = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(models.StatusTimeout, errors.New("command timed out"))
		}
		return fail(models.StatusError, err)
	}
	return resp
}
