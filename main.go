package main

import (
	"log/slog"
	"os"

	"github.com/bobuhiro11/gohv/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		slog.Error("gohv", "err", err)
		os.Exit(1)
	}
}
