package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/container"
	"github.com/everydev1618/shopkeep/provision"
	"github.com/everydev1618/shopkeep/serve"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/translation"
)

// serveCmd starts the REST API server.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default ~/.shopkeep/config.yaml)")
	addr := fs.String("addr", "", "HTTP listen address")
	dbPath := fs.String("db", "", "SQLite database path")
	publicHost := fs.String("public-host", "", "Host name used in shop URLs")

	fs.Usage = func() {
		fmt.Println(`Usage: shopkeep serve [options]

Start the REST API server that provisions WooCommerce shops and exchanges
translation tables with them.

Settings come from the configuration file, then SHOPKEEP_* environment
variables, then these flags. Requires a reachable Docker daemon.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  shopkeep serve
  shopkeep serve --addr :9090
  shopkeep serve --config ./shopkeep.yaml --db /tmp/shopkeep.db`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if *publicHost != "" {
		cfg.Provision.PublicHost = *publicHost
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg.Log)

	if cfg.Server.DBPath == shopkeep.DefaultDBPath() {
		if err := shopkeep.EnsureHome(); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", shopkeep.Home(), err)
			os.Exit(1)
		}
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Server.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}

	// Attempts still in flight belonged to a previous process that is gone.
	abandoned, err := st.Abandon(ctx, "interrupted: server restarted during provisioning")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error recovering interrupted shops: %v\n", err)
		os.Exit(1)
	}
	for _, site := range abandoned {
		logger.Warn("marked interrupted shop failed", "site", site)
	}

	mgr, err := container.NewManager(container.WithExecTimeout(cfg.Provision.ExecTimeout))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating container manager: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()
	if !mgr.IsAvailable() {
		logger.Warn("docker is not available, shop creation will fail until it is")
	}

	p := cfg.Provision
	orch := provision.NewOrchestrator(mgr, st,
		provision.WithLogger(logger),
		provision.WithPublicHost(p.PublicHost),
		provision.WithWooCommerceSource(p.WooCommerceSource),
		provision.WithDemoDataURL(p.DemoDataURL),
		provision.WithStepTimeout(p.StepTimeout),
		provision.WithExecTimeout(p.ExecTimeout),
		provision.WithHealthTimeout(p.HealthTimeout),
		provision.WithPollInterval(p.PollInterval),
	)
	orch.OnReady(func(rec shopkeep.ShopRecord) {
		logger.Info("shop ready", "site", rec.SiteName, "url", rec.URL)
	})
	orch.OnFailed(func(rec shopkeep.ShopRecord, err error) {
		logger.Error("shop failed", "site", rec.SiteName, "attempt", rec.Attempt, "error", err)
	})

	pipeline := translation.NewPipeline(st, mgr, translation.WithLogger(logger))

	srv := serve.New(serve.Config{
		Addr:       cfg.Server.Addr,
		WPImage:    p.WPImage,
		MySQLImage: p.MySQLImage,
	}, orch, pipeline, st,
		serve.WithLogger(logger),
		serve.WithCreateLimit(cfg.Server.CreateRatePerMinute, cfg.Server.CreateBurst),
	)

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
