// Package main provides the shopkeep CLI.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/internal/config"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "init":
		initCmd(args)
	case "shops":
		shopsCmd(args)
	case "version":
		fmt.Printf("shopkeep %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`shopkeep - WooCommerce shop provisioning

Usage:
  shopkeep <command> [options]

Commands:
  serve     Start the REST API server
  init      Write a default configuration file
  shops     List provisioned shops
  version   Print version information
  help      Show this help message

Examples:
  shopkeep init
  shopkeep serve --addr :8080
  shopkeep shops

Run 'shopkeep <command> --help' for more information on a command.`)
}

// loadConfig reads path, or the default location when path is empty. Only
// an explicit path must exist.
func loadConfig(path string) config.Config {
	explicit := path != ""
	if !explicit {
		path = shopkeep.DefaultConfigPath()
	}
	cfg, err := config.Load(path, !explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
