package board

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/models"
)

// CommandPower switches power by running shell commands on the lab host,
// e.g. a relay or PDU tool.
type CommandPower struct {
	Lab *linux.Machine
	On  string
	Off string
}

// PowerOn runs the on command.
func (p CommandPower) PowerOn(ctx context.Context) error {
	if p.On == "" {
		return nil
	}
	_, err := p.Lab.Exec0Context(ctx, linux.Raw(p.On))
	return err
}

// PowerOff runs the off command.
func (p CommandPower) PowerOff(ctx context.Context) error {
	if p.Off == "" {
		return nil
	}
	_, err := p.Lab.Exec0Context(ctx, linux.Raw(p.Off))
	return err
}

// Requester sends a command to a powerd agent and waits for its answer.
type Requester interface {
	Request(ctx context.Context, cmd models.Command) (*models.Response, error)
}

// MQTTPower switches power through a powerd agent.
type MQTTPower struct {
	Client Requester
	Device string
	// Timeout is sent to the agent in whole seconds, rounded up.  Zero
	// leaves the choice to the agent.
	Timeout time.Duration
}

func (p MQTTPower) do(ctx context.Context, action string) error {
	resp, err := p.Client.Request(ctx, models.Command{
		Device:  p.Device,
		Action:  action,
		Timeout: int(math.Ceil(p.Timeout.Seconds())),
	})
	if err != nil {
		return err
	}
	if resp.Status != models.StatusSuccess {
		return fmt.Errorf("powerd %s %s: %s: %s", p.Device, action, resp.Status, resp.Error)
	}
	return nil
}

// PowerOn asks powerd to switch the device on.
func (p MQTTPower) PowerOn(ctx context.Context) error { return p.do(ctx, models.ActionOn) }

// PowerOff asks powerd to switch the device off.
func (p MQTTPower) PowerOff(ctx context.Context) error { return p.do(ctx, models.ActionOff) }
