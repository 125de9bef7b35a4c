package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/internal/config"
)

// initCmd writes the built-in configuration so it can be edited.
func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", shopkeep.DefaultConfigPath(), "Where to write the configuration file")
	yes := fs.Bool("yes", false, "Overwrite an existing file without asking")

	fs.Usage = func() {
		fmt.Println(`Usage: shopkeep init [options]

Write the default configuration to a YAML file.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if _, err := os.Stat(*path); err == nil && !*yes {
		fmt.Println("Found existing configuration at", *path)
		if !confirm("Overwrite?") {
			fmt.Println("Keeping existing configuration.")
			return
		}
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", filepath.Dir(*path), err)
		os.Exit(1)
	}
	if err := os.WriteFile(*path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *path, err)
		os.Exit(1)
	}

	fmt.Printf("Configuration saved to %s\n", *path)
	fmt.Print(`
Next steps:
  shopkeep serve      Start the REST API server
`)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}
