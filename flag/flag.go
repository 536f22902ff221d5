// Package flag is the command line of gohv.
package flag

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gohv/term"
	"github.com/bobuhiro11/gohv/vmm"
)

const (
	programName = "gohv"
	programDesc = "gohv replays VM exits through an emulated x86 PC device model"
)

type CLI struct {
	Config   string `help:"YAML config file." type:"existingfile"`
	LogLevel string `name:"log-level" help:"Override the config log level (debug, info, warn, error)."`
	CPUs     int    `name:"cpus" short:"c" help:"Override the config CPU count."`

	Replay  ReplayCMD  `cmd:"" help:"Replay a YAML exit trace through the device sets."`
	Devices DevicesCMD `cmd:"" help:"Print the device map of each dispatch stage."`

	stdout io.Writer
	stderr io.Writer
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

// Parse parses os.Args and runs the selected command.
func Parse() error {
	c := CLI{stdout: os.Stdout, stderr: os.Stderr}

	ctx := kong.Parse(&c, options()...)

	return ctx.Run(&c)
}

// Run parses args and runs the selected command with the given outputs.
func Run(args []string, stdout, stderr io.Writer) error {
	c := CLI{stdout: stdout, stderr: stderr}

	parser, err := kong.New(&c, append(options(), kong.Writers(stdout, stderr))...)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run(&c)
}

// config loads the config file, if any, applies the flag overrides and
// installs the default logger.
func (c *CLI) config() (vmm.Config, error) {
	cfg := vmm.DefaultConfig()

	if c.Config != "" {
		var err error

		if cfg, err = vmm.LoadConfig(c.Config); err != nil {
			return vmm.Config{}, err
		}
	}

	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	if c.CPUs != 0 {
		cfg.CPUs = c.CPUs
	}

	if err := cfg.Validate(); err != nil {
		return vmm.Config{}, err
	}

	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: level})))

	return cfg, nil
}

func (c *CLI) console(cfg vmm.Config) io.Writer {
	if cfg.Console == vmm.ConsoleDiscard {
		return io.Discard
	}

	return term.Console(c.stdout)
}

func (c *CLI) printf(format string, a ...any) {
	fmt.Fprintf(c.stdout, format, a...)
}
