package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the merged tbot configuration.
type Config struct {
	Lab        Lab                  `yaml:"lab"`
	Boards     map[string]Board     `yaml:"boards"`
	Toolchains map[string]Toolchain `yaml:"toolchains"`
	MQTT       MQTT                 `yaml:"mqtt"`
	Manager    Manager              `yaml:"manager"`
	Powerd     Powerd               `yaml:"powerd"`

	// BoardName is the board selected with -b; "board.*" keys resolve against it.
	BoardName string `yaml:"-"`

	tree map[string]any
}

// Lab describes the lab host.
type Lab struct {
	Name      string `yaml:"name"`
	Connector string `yaml:"connector"` // local or ssh
	Hostname  string `yaml:"hostname"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	KeyFile   string `yaml:"key_file"`
	Workdir   string `yaml:"workdir"`
	Shell     string `yaml:"shell"`
}

// Board describes a board attached to the lab host.
type Board struct {
	Name      string `yaml:"name"`
	Console   string `yaml:"console"`
	Power     Power  `yaml:"power"`
	UBoot     *UBoot `yaml:"uboot"`
	Linux     *Linux `yaml:"linux"`
	Toolchain string `yaml:"toolchain"`
}

// Power selects how a board is switched on and off.
type Power struct {
	Type   string `yaml:"type"` // "", command or mqtt
	On     string `yaml:"on"`
	Off    string `yaml:"off"`
	Device string `yaml:"device"`
	// Timeout in seconds for an MQTT power request.
	Timeout float64 `yaml:"timeout"`
}

// UBoot describes the bootloader shell of a board.
type UBoot struct {
	Prompt         string `yaml:"prompt"`
	AutobootPrompt string `yaml:"autoboot_prompt"` // regular expression
	AutobootKeys   string `yaml:"autoboot_keys"`
	// BootTimeout in seconds, 0 waits forever.
	BootTimeout float64 `yaml:"boot_timeout"`
}

// Linux describes the Linux running on a board.
type Linux struct {
	Username    string  `yaml:"username"`
	Password    string  `yaml:"password"`
	LoginPrompt string  `yaml:"login_prompt"`
	LoginDelay  float64 `yaml:"login_delay"`
	// BootCommand is run in U-Boot to boot Linux, "run bootcmd" if empty.
	// Boards without a uboot section boot Linux on their own.
	BootCommand   string  `yaml:"boot_command"`
	Workdir       string  `yaml:"workdir"`
	WorkdirAtHome string  `yaml:"workdir_at_home"`
	Shell         string  `yaml:"shell"`
	BootTimeout   float64 `yaml:"boot_timeout"`
}

// Toolchain describes a cross toolchain installed on the lab host.
type Toolchain struct {
	EnvSetupScript string `yaml:"env_setup_script"`
}

// MQTT configures the broker used for remote power control.
type MQTT struct {
	Broker      string `yaml:"broker"`
	Port        string `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Manager configures tbot-mgr.
type Manager struct {
	Listen string `yaml:"listen"`
}

// Powerd configures the MQTT power agent.
type Powerd struct {
	Devices map[string]PowerdDevice `yaml:"devices"`
}

// PowerdDevice holds the shell commands the agent runs for one device.
type PowerdDevice struct {
	On     string `yaml:"on"`
	Off    string `yaml:"off"`
	Status string `yaml:"status"`
}

// Default returns a configuration with built-in defaults applied.
func Default() *Config {
	return &Config{
		Lab: Lab{
			Name:      "local",
			Connector: "local",
			Port:      22,
			Workdir:   "/tmp/tbot-workdir",
			Shell:     "bash",
		},
		Boards:     map[string]Board{},
		Toolchains: map[string]Toolchain{},
		MQTT: MQTT{
			Broker:      "localhost",
			Port:        "1883",
			TopicPrefix: "tbot",
		},
		Manager: Manager{Listen: ":8080"},
		tree:    map[string]any{},
	}
}

// Load reads the .env file, the given config files and the files named in
// TBOT_CONFIG, then applies environment overrides.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if env := os.Getenv("TBOT_CONFIG"); env != "" {
		files = append(filepath.SplitList(env), files...)
	}

	cfg := Default()
	for _, f := range files {
		tree, err := readFile(f)
		if err != nil {
			return nil, err
		}
		merge(cfg.tree, tree)
	}
	if err := cfg.decode(); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap builds a configuration from an in-memory tree.
func FromMap(tree map[string]any) (*Config, error) {
	cfg := Default()
	merge(cfg.tree, normalize(tree).(map[string]any))
	if err := cfg.decode(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	tree := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}
	return normalize(tree).(map[string]any), nil
}

// decode refreshes the typed view from the generic tree.
func (c *Config) decode() error {
	data, err := yaml.Marshal(c.tree)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	for name, b := range c.Boards {
		if b.Name == "" {
			b.Name = name
			c.Boards[name] = b
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TBOT_LAB"); v != "" {
		if err := c.SelectLab(v); err != nil {
			return fmt.Errorf("TBOT_LAB: %w", err)
		}
	}
	if v := os.Getenv("TBOT_BOARD"); v != "" {
		c.BoardName = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		c.MQTT.Port = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("TBOT_MGR_LISTEN"); v != "" {
		c.Manager.Listen = v
	}
	return nil
}

// SelectBoard sets the board that "board.*" lookups and Board() refer to.
func (c *Config) SelectBoard(name string) {
	c.BoardName = name
}

// SelectLab switches to the lab described in the "labs.<name>" section.
// Selecting the current lab by name is a no-op.
func (c *Config) SelectLab(name string) error {
	v, ok := c.Get("labs." + name)
	if !ok {
		if c.Lab.Name == name {
			return nil
		}
		return fmt.Errorf("config: unknown lab %q", name)
	}
	section, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("config: labs.%s is not a table", name)
	}
	data, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	lab := Default().Lab
	lab.Name = name
	if err := yaml.Unmarshal(data, &lab); err != nil {
		return fmt.Errorf("config: labs.%s: %w", name, err)
	}
	c.Lab = lab
	c.tree["lab"] = normalize(section)
	return nil
}

// Board returns the selected board configuration.
func (c *Config) Board() (Board, bool) {
	if c.BoardName == "" {
		return Board{}, false
	}
	b, ok := c.Boards[c.BoardName]
	return b, ok
}
