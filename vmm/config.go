package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bobuhiro11/gohv/machine"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	ConsoleStdout  = "stdout"
	ConsoleDiscard = "discard"

	DefaultBootVMHypercall = 0x10
)

type Config struct {
	CPUs     int    `yaml:"cpus"`
	LogLevel string `yaml:"logLevel"`
	Console  string `yaml:"console"`

	// VirtioDevFn is the bus 0 devfn of the virtio block function.
	VirtioDevFn uint8 `yaml:"virtioDevFn"`

	// HostVector is the only external interrupt vector accepted.
	HostVector uint8 `yaml:"hostVector"`

	Hypercalls Hypercalls `yaml:"hypercalls"`
}

type Hypercalls struct {
	BootVM uint32 `yaml:"bootVM"`
}

func DefaultConfig() Config {
	return Config{
		CPUs:        1,
		LogLevel:    "info",
		Console:     ConsoleStdout,
		VirtioDevFn: machine.DefaultVirtioDevFn,
		HostVector:  machine.DefaultHostVector,
		Hypercalls: Hypercalls{
			BootVM: DefaultBootVMHypercall,
		},
	}
}

// LoadConfig reads a YAML config file. Keys missing from the file keep
// their default.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return c, nil
}

func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()

	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("%w: cpus must be at least 1, got %d", ErrInvalidConfig, c.CPUs)
	}

	if c.VirtioDevFn == 0 {
		return fmt.Errorf("%w: virtioDevFn 0 is the host bridge", ErrInvalidConfig)
	}

	if c.HostVector < 0x20 {
		return fmt.Errorf("%w: hostVector %#x is an exception vector", ErrInvalidConfig, c.HostVector)
	}

	switch c.Console {
	case ConsoleStdout, ConsoleDiscard:
	default:
		return fmt.Errorf("%w: console %q", ErrInvalidConfig, c.Console)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level

	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%w: logLevel %q", ErrInvalidConfig, c.LogLevel)
	}

	return l, nil
}
