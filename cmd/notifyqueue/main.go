package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/Popie52/notifyqueue/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml, json or toml config file")
	flag.Parse()

	if err := bootstrap.Run(*configPath); err != nil {
		slog.Error("notifyqueue failed", "error", err)
		os.Exit(1)
	}
}
