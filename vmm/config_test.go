package vmm_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gohv/vmm"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	c, err := vmm.ParseConfig([]byte("cpus: 4\n"))
	if err != nil {
		t.Fatal(err)
	}

	expected := vmm.DefaultConfig()
	expected.CPUs = 4

	if c != expected {
		t.Fatalf("expected: %+v, actual: %+v", expected, c)
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	data := []byte(`
cpus: 2
logLevel: debug
console: discard
virtioDevFn: 0x20
hostVector: 0xe0
hypercalls:
  bootVM: 0x42
`)

	c, err := vmm.ParseConfig(data)
	if err != nil {
		t.Fatal(err)
	}

	if c.CPUs != 2 || c.Console != vmm.ConsoleDiscard || c.VirtioDevFn != 0x20 ||
		c.HostVector != 0xe0 || c.Hypercalls.BootVM != 0x42 {
		t.Fatalf("unexpected config %+v", c)
	}

	if l, _ := c.Level(); l != slog.LevelDebug {
		t.Fatalf("expected: %v, actual: %v", slog.LevelDebug, l)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "no cpus", data: "cpus: 0"},
		{name: "host bridge devfn", data: "virtioDevFn: 0"},
		{name: "exception vector", data: "hostVector: 0x0e"},
		{name: "console", data: "console: tty"},
		{name: "log level", data: "logLevel: loud"},
	}

	for _, tt := range tests {
		if _, err := vmm.ParseConfig([]byte(tt.data)); !errors.Is(err, vmm.ErrInvalidConfig) {
			t.Fatalf("%s: expected: %v, actual: %v", tt.name, vmm.ErrInvalidConfig, err)
		}
	}

	if _, err := vmm.ParseConfig([]byte("cpus: [")); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gohv.yaml")

	if err := os.WriteFile(path, []byte("cpus: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := vmm.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.CPUs != 3 {
		t.Fatalf("expected: %v, actual: %v", 3, c.CPUs)
	}

	if _, err := vmm.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected: %v, actual: %v", os.ErrNotExist, err)
	}
}
