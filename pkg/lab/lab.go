// Package lab builds the lab host, board, U-Boot and Linux machines from the
// configuration.
package lab

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/zkrx/tbot/pkg/channel"
	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/machine/connector"
	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/mqtt"
	"github.com/zkrx/tbot/pkg/testcase"
)

// Selectables implements testcase.Selectables from config.
type Selectables struct {
	mu   sync.Mutex
	mqtt *mqtt.Client
	pool *connector.Pool
}

var _ testcase.Selectables = (*Selectables)(nil)

// New returns config driven selectables.
func New() *Selectables {
	return &Selectables{pool: connector.NewPool()}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Lab connects to the configured lab host.
func (s *Selectables) Lab(ctx context.Context, cfg *config.Config) (*connector.Lab, error) {
	l := cfg.Lab
	shell, err := linux.ShellByName(l.Shell)
	if err != nil {
		return nil, fmt.Errorf("lab %s: %w", l.Name, err)
	}
	var opts []linux.Option
	if l.Workdir != "" {
		opts = append(opts, linux.WithWorkdir(linux.Static(l.Workdir)))
	}

	switch l.Connector {
	case "", "local":
		if shell.Name() != linux.Bash.Name() {
			return nil, fmt.Errorf("lab %s: the local connector only runs bash, not %s", l.Name, shell.Name())
		}
		return connector.Local(ctx, l.Name, opts...)
	case "ssh":
		return s.pool.Lab(ctx, connector.SSHConfig{
			Name:     l.Name,
			Hostname: l.Hostname,
			Port:     l.Port,
			Username: l.Username,
			Password: l.Password,
			KeyFile:  l.KeyFile,
			Shell:    shell,
		}, opts...)
	default:
		return nil, fmt.Errorf("lab %s: unknown connector %q", l.Name, l.Connector)
	}
}

func selected(cfg *config.Config) (config.Board, error) {
	bc, ok := cfg.Board()
	if !ok {
		if cfg.BoardName == "" {
			return bc, fmt.Errorf("no board selected: %w", testcase.ErrNotConfigured)
		}
		return bc, fmt.Errorf("board %s: %w", cfg.BoardName, testcase.ErrNotConfigured)
	}
	return bc, nil
}

// Board opens the selected board through its console command on lab.
func (s *Selectables) Board(ctx context.Context, cfg *config.Config, lab *connector.Lab) (*board.Board, error) {
	bc, err := selected(cfg)
	if err != nil {
		return nil, err
	}
	if bc.Console == "" {
		return nil, fmt.Errorf("board %s has no console: %w", bc.Name, testcase.ErrNotConfigured)
	}
	power, err := s.power(cfg, bc, lab)
	if err != nil {
		return nil, err
	}
	return board.Open(ctx, board.Config{
		Name:    bc.Name,
		Connect: connector.Console(lab, bc.Name, bc.Console),
		Power:   power,
	})
}

func (s *Selectables) power(cfg *config.Config, bc config.Board, lab *connector.Lab) (board.PowerControl, error) {
	p := bc.Power
	switch p.Type {
	case "":
		if p.On == "" && p.Off == "" {
			return nil, nil
		}
		fallthrough
	case "command":
		if lab == nil {
			return nil, fmt.Errorf("board %s: command power needs a lab host", bc.Name)
		}
		return board.CommandPower{Lab: lab.Machine, On: p.On, Off: p.Off}, nil
	case "mqtt":
		client, err := s.mqttClient(cfg)
		if err != nil {
			return nil, err
		}
		device := p.Device
		if device == "" {
			device = bc.Name
		}
		return board.MQTTPower{Client: client, Device: device, Timeout: seconds(p.Timeout)}, nil
	default:
		return nil, fmt.Errorf("board %s: unknown power type %q", bc.Name, p.Type)
	}
}

func (s *Selectables) mqttClient(cfg *config.Config) (*mqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mqtt != nil {
		return s.mqtt, nil
	}
	c := mqtt.NewClient(cfg.MQTT, "")
	if err := c.Connect(); err != nil {
		return nil, err
	}
	s.mqtt = c
	return c, nil
}

// UBootConfig converts the U-Boot section of bc.
func UBootConfig(bc config.Board) (board.UBootConfig, error) {
	if bc.UBoot == nil {
		return board.UBootConfig{}, fmt.Errorf("board %s has no uboot section: %w", bc.Name, testcase.ErrNotConfigured)
	}
	u := bc.UBoot
	cfg := board.UBootConfig{
		Name:         bc.Name + "-uboot",
		Prompt:       u.Prompt,
		AutobootKeys: u.AutobootKeys,
		BootTimeout:  seconds(u.BootTimeout),
	}
	if u.AutobootPrompt != "" {
		re, err := regexp.Compile(u.AutobootPrompt)
		if err != nil {
			return cfg, fmt.Errorf("board %s: autoboot_prompt: %w", bc.Name, err)
		}
		cfg.AutobootPrompt = channel.Regexp(re)
	}
	return cfg, nil
}

// UBoot waits for U-Boot on b.
func (s *Selectables) UBoot(ctx context.Context, cfg *config.Config, b *board.Board) (*board.UBoot, error) {
	bc, err := selected(cfg)
	if err != nil {
		return nil, err
	}
	ucfg, err := UBootConfig(bc)
	if err != nil {
		return nil, err
	}
	return board.NewUBoot(ctx, b, ucfg)
}

// LinuxConfig converts the Linux section of bc.
func LinuxConfig(bc config.Board) (board.LinuxConfig, error) {
	if bc.Linux == nil {
		return board.LinuxConfig{}, fmt.Errorf("board %s has no linux section: %w", bc.Name, testcase.ErrNotConfigured)
	}
	l := bc.Linux
	shell, err := linux.ShellByName(l.Shell)
	if err != nil {
		return board.LinuxConfig{}, fmt.Errorf("board %s: %w", bc.Name, err)
	}
	cfg := board.LinuxConfig{
		Name:        bc.Name + "-linux",
		LoginPrompt: l.LoginPrompt,
		LoginDelay:  seconds(l.LoginDelay),
		Username:    l.Username,
		Password:    l.Password,
		BootTimeout: seconds(l.BootTimeout),
		Shell:       shell,
	}
	switch {
	case l.Workdir != "":
		cfg.Workdir = linux.Static(l.Workdir)
	case l.WorkdirAtHome != "":
		cfg.Workdir = linux.AtHome(l.WorkdirAtHome)
	}
	if bc.UBoot != nil {
		ucfg, err := UBootConfig(bc)
		if err != nil {
			return cfg, err
		}
		cfg.UBoot = ucfg
		cfg.Boot = board.BootCommand(l.BootCommand)
	}
	return cfg, nil
}

// Linux brings up Linux on the board.  Boards with a uboot section boot
// through U-Boot, others are expected to boot on their own.
func (s *Selectables) Linux(ctx context.Context, cfg *config.Config, from board.Source) (*linux.Machine, error) {
	bc, err := selected(cfg)
	if err != nil {
		return nil, err
	}
	lcfg, err := LinuxConfig(bc)
	if err != nil {
		return nil, err
	}
	return board.NewLinux(ctx, from, lcfg)
}

// Close drops pooled SSH connections and the MQTT client.
func (s *Selectables) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mqtt != nil {
		s.mqtt.Disconnect()
		s.mqtt = nil
	}
	l := log.WithComponent("lab")
	l.Debug().Msg("selectables closed")
	return s.pool.Close()
}
