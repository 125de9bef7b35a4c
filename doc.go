// Package shopkeep provisions isolated WordPress + WooCommerce shops in Docker
// containers and round-trips their storefront translations.
//
// Shopkeep is split into a few packages:
//
//   - container: Docker lifecycle adapter (networks, containers, exec, file copy)
//   - store: SQLite shop record store with per-site leases
//   - wordpress: typed wp-cli operations and rewrite rule rendering
//   - provision: the shop provisioning orchestrator
//   - translation: CSV export/import of catalog strings and MO deployment
//   - serve: the REST façade
//
// # Quick Start
//
// Provision a shop:
//
//	docker, err := container.NewManager()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer docker.Close()
//
//	records, err := store.NewSQLiteStore(shopkeep.DefaultDBPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	orch := provision.NewOrchestrator(docker, records)
//	rec, err := orch.CreateShop(ctx, shopkeep.ShopRequest{SiteName: "demo1"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(rec.State, rec.URL)
//
// # Provisioning states
//
// A shop moves through REQUESTED, NETWORK_READY, DB_READY, WP_READY,
// MULTISITE_CONFIGURED (multi tenant only), WOOCOMMERCE_INSTALLED,
// DEMO_IMPORTED, REWRITES_CONFIGURED and READY. Any step may fail the attempt,
// which removes everything the attempt created and leaves the record FAILED.
// A FAILED shop is retried by creating it again.
//
// # Errors
//
// Every error returned across package boundaries matches one of ErrValidation,
// ErrConflict, ErrNotFound, ErrResourceConflict, ErrExternal or ErrCompilation
// with errors.Is.
package shopkeep
