// Package store persists shop records, their state transitions and the
// catalog strings handed out by translation exports.
package store

import (
	"context"
	"time"

	"github.com/everydev1618/shopkeep"
)

// Store is the shop record store. Implementations serialize reservations per
// site name: at most one non-FAILED attempt exists for a site at any time.
type Store interface {
	// Init creates tables if they don't exist.
	Init(ctx context.Context) error

	// Close closes the store.
	Close() error

	// Reserve accepts req, creating its record in REQUESTED or restarting a
	// FAILED one as a fresh attempt. Any other existing record is a
	// shopkeep.ErrConflict.
	Reserve(ctx context.Context, req shopkeep.ShopRequest) (Lease, error)

	// Advance moves the leased record to state and applies patch. The lease
	// must still own the record and state must directly follow the current one.
	Advance(ctx context.Context, lease Lease, state shopkeep.State, patch Patch) (shopkeep.ShopRecord, error)

	// Fail moves the leased record to FAILED with message as last_error.
	Fail(ctx context.Context, lease Lease, message string) (shopkeep.ShopRecord, error)

	// Abandon moves every record still in a non-terminal state to FAILED with
	// message. It is meant for startup, when no attempt can be running, and
	// returns the names of the sites it failed.
	Abandon(ctx context.Context, message string) ([]string, error)

	// Get returns the record of a site or shopkeep.ErrNotFound.
	Get(ctx context.Context, site string) (shopkeep.ShopRecord, error)

	// List returns every record, newest first.
	List(ctx context.Context) ([]shopkeep.ShopRecord, error)

	// Transitions returns the state history of a site, oldest first.
	// Attempt 0 returns every attempt.
	Transitions(ctx context.Context, site string, attempt int) ([]shopkeep.Transition, error)

	// RecordExport remembers the strings handed out by an export.
	RecordExport(ctx context.Context, storeName, locale string, at time.Time, strs []shopkeep.CatalogString) error

	// ExportedStrings returns every string ever exported for a store, keyed by ID.
	ExportedStrings(ctx context.Context, storeName string) (map[string]shopkeep.CatalogString, error)
}

// Lease is the ownership token of one provisioning attempt. Only the holder of
// the current lease may advance the record.
type Lease struct {
	SiteName   string
	Token      string
	Attempt    int
	TenantMode shopkeep.TenantMode
}

// Patch carries record fields learned during a step. Zero values leave the
// stored field unchanged.
type Patch struct {
	NetworkID    string
	DBContainer  string
	WebContainer string
	HostPort     int
	URL          string
	Subsites     []string
}
