package flag

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/dispatch"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/vmm"
	"github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"
)

type ReplayCMD struct {
	Trace string `arg:"" type:"existingfile" help:"Exit trace to replay."`

	Profile     string `enum:"none,cpu,mem" default:"none" help:"Profile the replay (none, cpu, mem)."`
	ProfilePath string `name:"profile-path" default:"." help:"Directory for profile output."`
	Progress    bool   `help:"Show a progress bar."`
	Boot        bool   `help:"Replay each CPU's exits on its own goroutine through the boot barriers."`
}

type DevicesCMD struct{}

func (r *ReplayCMD) Run(c *CLI) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	switch r.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(r.ProfilePath), profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(r.ProfilePath), profile.Quiet).Stop()
	}

	f, err := os.Open(r.Trace)
	if err != nil {
		return err
	}
	defer f.Close()

	trace, err := vmm.LoadTrace(f)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Trace, err)
	}

	clk := machine.NewManualClock(time.Unix(0, 0))

	v, err := vmm.New(cfg, vmm.Options{Console: c.console(cfg), Clock: clk})
	if err != nil {
		return err
	}

	var progress func()

	if r.Progress {
		bar := progressbar.NewOptions(len(trace.Exits),
			progressbar.OptionSetWriter(c.stderr),
			progressbar.OptionSetDescription("replay"),
			progressbar.OptionShowCount())

		progress = func() { _ = bar.Add(1) }

		defer func() { _ = bar.Finish() }()
	}

	var stats vmm.ReplayStats

	if r.Boot {
		stats, err = v.ReplayBoot(context.Background(), trace, clk, progress)
	} else {
		stats, err = v.Replay(trace, clk, progress)
	}

	c.printf("%s\n", stats)

	return err
}

func (d *DevicesCMD) Run(c *CLI) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	v, err := vmm.New(cfg, vmm.Options{Console: c.console(cfg)})
	if err != nil {
		return err
	}

	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		devs, err := v.Vcpu(cpu)
		if err != nil {
			return err
		}

		c.printf("vcpu %d:\n", cpu)
		c.printRanges(devs.Devices().Devices())
	}

	c.printf("vm:\n")
	c.printRanges(v.VM.Devices().Devices())

	fn := v.VM.Virtio()
	base, size, isIO := fn.Config().BAR(0)

	kind := "mmio"
	if isIO {
		kind = "pio"
	}

	c.printf("  pci   %02x.%x %s bar0 %s %v\n", cfg.VirtioDevFn>>3, cfg.VirtioDevFn&0x7, fn.Name(), kind,
		device.NewRange(base, size))

	return nil
}

func (c *CLI) printRanges(r dispatch.Ranges) {
	for _, p := range r.PortIO {
		c.printf("  pio   %v\n", p)
	}

	for _, m := range r.MMIO {
		c.printf("  mmio  %v\n", m)
	}

	for _, m := range r.MSR {
		c.printf("  msr   %v\n", m)
	}
}
