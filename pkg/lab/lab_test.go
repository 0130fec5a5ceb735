package lab

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/machine/board"
	"github.com/zkrx/tbot/pkg/testcase"
)

func TestUBootConfig(t *testing.T) {
	_, err := UBootConfig(config.Board{Name: "bbb"})
	require.ErrorIs(t, err, testcase.ErrNotConfigured)

	cfg, err := UBootConfig(config.Board{Name: "bbb", UBoot: &config.UBoot{
		Prompt:         "U-Boot> ",
		AutobootPrompt: `Hit any key.*\d`,
		BootTimeout:    1.5,
	}})
	require.NoError(t, err)
	assert.Equal(t, "bbb-uboot", cfg.Name)
	assert.Equal(t, "U-Boot> ", cfg.Prompt)
	assert.NotNil(t, cfg.AutobootPrompt)
	assert.Equal(t, 1500*time.Millisecond, cfg.BootTimeout)

	_, err = UBootConfig(config.Board{Name: "bbb", UBoot: &config.UBoot{AutobootPrompt: "("}})
	require.Error(t, err)
}

func TestLinuxConfig(t *testing.T) {
	_, err := LinuxConfig(config.Board{Name: "bbb"})
	require.ErrorIs(t, err, testcase.ErrNotConfigured)

	standalone, err := LinuxConfig(config.Board{Name: "rpi", Linux: &config.Linux{
		Username:      "pi",
		LoginDelay:    0.5,
		WorkdirAtHome: "tbot",
	}})
	require.NoError(t, err)
	assert.Nil(t, standalone.Boot)
	assert.Equal(t, 500*time.Millisecond, standalone.LoginDelay)
	assert.NotNil(t, standalone.Workdir)

	viaUBoot, err := LinuxConfig(config.Board{
		Name:  "bbb",
		UBoot: &config.UBoot{},
		Linux: &config.Linux{Username: "root", BootCommand: "run netboot", Shell: "ash"},
	})
	require.NoError(t, err)
	assert.NotNil(t, viaUBoot.Boot)
	assert.Equal(t, "ash", viaUBoot.Shell.Name())
	assert.Equal(t, "bbb-uboot", viaUBoot.UBoot.Name)

	_, err = LinuxConfig(config.Board{Name: "x", Linux: &config.Linux{Shell: "fish"}})
	require.Error(t, err)
}

func TestBoardNotSelected(t *testing.T) {
	s := New()
	defer s.Close()
	_, err := s.Board(context.Background(), config.Default(), nil)
	require.ErrorIs(t, err, testcase.ErrNotConfigured)

	cfg := config.Default()
	cfg.SelectBoard("ghost")
	_, err = s.UBoot(context.Background(), cfg, nil)
	require.ErrorIs(t, err, testcase.ErrNotConfigured)
	assert.Contains(t, err.Error(), "ghost")
}

func TestPowerSelection(t *testing.T) {
	s := New()
	defer s.Close()

	p, err := s.power(config.Default(), config.Board{Name: "a"}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.power(config.Default(), config.Board{Name: "a", Power: config.Power{On: "relay 1 on"}}, nil)
	require.Error(t, err, "command power needs a lab host")
	assert.Nil(t, p)

	_, err = s.power(config.Default(), config.Board{Name: "a", Power: config.Power{Type: "smoke-signals"}}, nil)
	require.Error(t, err)
}

func TestLocalLabFromConfig(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.Lab.Workdir = t.TempDir()
	s := New()
	defer s.Close()

	lab, err := s.Lab(ctx, cfg)
	require.NoError(t, err)
	defer lab.Close()

	wd, err := lab.Workdir(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Lab.Workdir, wd.String())

	_, err = s.Lab(ctx, &config.Config{Lab: config.Lab{Name: "x", Connector: "telnet"}})
	require.Error(t, err)

	_, err = s.Lab(ctx, &config.Config{Lab: config.Lab{Name: "x", Shell: "ash"}})
	assert.ErrorContains(t, err, "only runs bash")
}

var _ board.PowerControl = board.CommandPower{}
