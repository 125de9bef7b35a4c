package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/everydev1618/shopkeep/store"
)

// shopsCmd prints the shop records of a database.
func shopsCmd(args []string) {
	fs := flag.NewFlagSet("shops", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default ~/.shopkeep/config.yaml)")
	dbPath := fs.String("db", "", "SQLite database path")

	fs.Usage = func() {
		fmt.Println(`Usage: shopkeep shops [options]

List every shop record with its state and URL.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	st, err := store.NewSQLiteStore(cfg.Server.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	shops, err := st.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(shops) == 0 {
		fmt.Println("No shops.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tMODE\tSTATE\tATTEMPT\tURL\tLAST ERROR")
	for _, r := range shops {
		lastErr := ""
		if r.LastError != nil {
			lastErr = *r.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.SiteName, r.TenantMode, r.State, r.Attempt, r.URL, lastErr)
	}
	tw.Flush()
}
