package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/everydev1618/shopkeep"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; reservations rely on it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Init creates the schema tables.
func (s *SQLiteStore) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shops (
		site_name     TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		attempt       INTEGER NOT NULL DEFAULT 1,
		lease         TEXT NOT NULL DEFAULT '',
		tenant_mode   TEXT NOT NULL,
		locale        TEXT NOT NULL,
		theme         TEXT NOT NULL DEFAULT '',
		email         TEXT NOT NULL DEFAULT '',
		network_id    TEXT NOT NULL DEFAULT '',
		db_container  TEXT NOT NULL DEFAULT '',
		web_container TEXT NOT NULL DEFAULT '',
		host_port     INTEGER NOT NULL DEFAULT 0,
		url           TEXT NOT NULL DEFAULT '',
		subsites      TEXT NOT NULL DEFAULT '[]',
		last_error    TEXT,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shop_transitions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		site_name  TEXT NOT NULL,
		attempt    INTEGER NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state   TEXT NOT NULL,
		at         DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_exports (
		store_name  TEXT NOT NULL,
		string_id   TEXT NOT NULL,
		context     TEXT NOT NULL DEFAULT '',
		source_text TEXT NOT NULL,
		plural      TEXT NOT NULL DEFAULT '',
		exported_at DATETIME NOT NULL,
		PRIMARY KEY (store_name, string_id)
	);

	CREATE TABLE IF NOT EXISTS export_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		store_name  TEXT NOT NULL,
		locale      TEXT NOT NULL,
		strings     INTEGER NOT NULL,
		exported_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_site ON shop_transitions(site_name, attempt);
	CREATE INDEX IF NOT EXISTS idx_export_runs_store ON export_runs(store_name);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Reserve implements Store. The insert-if-absent is a single upsert whose
// update branch only fires for FAILED records.
func (s *SQLiteStore) Reserve(ctx context.Context, req shopkeep.ShopRequest) (Lease, error) {
	now := s.now().UTC()
	token := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO shops (site_name, state, attempt, lease, tenant_mode, locale, theme, email, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site_name) DO UPDATE SET
		   state = excluded.state,
		   attempt = shops.attempt + 1,
		   lease = excluded.lease,
		   tenant_mode = excluded.tenant_mode,
		   locale = excluded.locale,
		   theme = excluded.theme,
		   email = excluded.email,
		   network_id = '',
		   db_container = '',
		   web_container = '',
		   host_port = 0,
		   url = '',
		   subsites = '[]',
		   last_error = NULL,
		   updated_at = excluded.updated_at
		 WHERE shops.state = ?`,
		req.SiteName, shopkeep.StateRequested, token, req.TenantMode, req.Locale, req.Theme, req.Email,
		now, now, shopkeep.StateFailed,
	)
	if err != nil {
		return Lease{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lease{}, shopkeep.NewError(shopkeep.ErrConflict, "reserve", req.SiteName,
			errors.New("a shop with this name already exists"))
	}

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM shops WHERE site_name = ?`, req.SiteName).Scan(&attempt); err != nil {
		return Lease{}, err
	}
	if err := insertTransition(ctx, tx, req.SiteName, attempt, "", shopkeep.StateRequested, now); err != nil {
		return Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, err
	}

	return Lease{
		SiteName:   req.SiteName,
		Token:      token,
		Attempt:    attempt,
		TenantMode: req.TenantMode,
	}, nil
}

// Advance implements Store.
func (s *SQLiteStore) Advance(ctx context.Context, lease Lease, state shopkeep.State, patch Patch) (shopkeep.ShopRecord, error) {
	if state == shopkeep.StateFailed {
		return s.Fail(ctx, lease, "")
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	defer tx.Rollback()

	from, err := checkLease(ctx, tx, lease)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if !shopkeep.CanAdvance(lease.TenantMode, from, state) {
		return shopkeep.ShopRecord{}, shopkeep.NewError(shopkeep.ErrConflict, "advance", lease.SiteName,
			fmt.Errorf("illegal transition %s -> %s", from, state))
	}

	var subsites any
	if patch.Subsites != nil {
		b, err := json.Marshal(patch.Subsites)
		if err != nil {
			return shopkeep.ShopRecord{}, err
		}
		subsites = string(b)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE shops SET
		   state = ?,
		   network_id = COALESCE(NULLIF(?, ''), network_id),
		   db_container = COALESCE(NULLIF(?, ''), db_container),
		   web_container = COALESCE(NULLIF(?, ''), web_container),
		   host_port = CASE WHEN ? > 0 THEN ? ELSE host_port END,
		   url = COALESCE(NULLIF(?, ''), url),
		   subsites = COALESCE(?, subsites),
		   updated_at = ?
		 WHERE site_name = ? AND lease = ?`,
		state,
		patch.NetworkID, patch.DBContainer, patch.WebContainer,
		patch.HostPort, patch.HostPort,
		patch.URL, subsites, now,
		lease.SiteName, lease.Token,
	)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if err := insertTransition(ctx, tx, lease.SiteName, lease.Attempt, from, state, now); err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return shopkeep.ShopRecord{}, err
	}
	return s.Get(ctx, lease.SiteName)
}

// Fail implements Store.
func (s *SQLiteStore) Fail(ctx context.Context, lease Lease, message string) (shopkeep.ShopRecord, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	defer tx.Rollback()

	from, err := checkLease(ctx, tx, lease)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if from.Terminal() {
		return shopkeep.ShopRecord{}, shopkeep.NewError(shopkeep.ErrConflict, "fail", lease.SiteName,
			fmt.Errorf("attempt already %s", from))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE shops SET state = ?, last_error = ?, updated_at = ? WHERE site_name = ? AND lease = ?`,
		shopkeep.StateFailed, message, now, lease.SiteName, lease.Token,
	)
	if err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if err := insertTransition(ctx, tx, lease.SiteName, lease.Attempt, from, shopkeep.StateFailed, now); err != nil {
		return shopkeep.ShopRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return shopkeep.ShopRecord{}, err
	}
	return s.Get(ctx, lease.SiteName)
}

// Abandon implements Store.
func (s *SQLiteStore) Abandon(ctx context.Context, message string) ([]string, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT site_name, state, attempt FROM shops WHERE state NOT IN (?, ?) ORDER BY site_name`,
		shopkeep.StateReady, shopkeep.StateFailed,
	)
	if err != nil {
		return nil, err
	}
	type stale struct {
		site    string
		state   shopkeep.State
		attempt int
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.site, &st.state, &st.attempt); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sites := make([]string, 0, len(found))
	for _, st := range found {
		if _, err := tx.ExecContext(ctx,
			`UPDATE shops SET state = ?, lease = '', last_error = ?, updated_at = ? WHERE site_name = ?`,
			shopkeep.StateFailed, message, now, st.site,
		); err != nil {
			return nil, err
		}
		if err := insertTransition(ctx, tx, st.site, st.attempt, st.state, shopkeep.StateFailed, now); err != nil {
			return nil, err
		}
		sites = append(sites, st.site)
	}
	return sites, tx.Commit()
}

func checkLease(ctx context.Context, tx *sql.Tx, lease Lease) (shopkeep.State, error) {
	var state, token string
	err := tx.QueryRowContext(ctx, `SELECT state, lease FROM shops WHERE site_name = ?`, lease.SiteName).Scan(&state, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shopkeep.NewError(shopkeep.ErrNotFound, "lease", lease.SiteName, errors.New("no such shop"))
	}
	if err != nil {
		return "", err
	}
	if token != lease.Token {
		return "", shopkeep.NewError(shopkeep.ErrConflict, "lease", lease.SiteName, errors.New("lease no longer held"))
	}
	return shopkeep.State(state), nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, site string, attempt int, from, to shopkeep.State, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO shop_transitions (site_name, attempt, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		site, attempt, from, to, at,
	)
	return err
}

const shopColumns = `site_name, state, attempt, tenant_mode, locale, theme, email,
	network_id, db_container, web_container, host_port, url, subsites,
	last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShop(row rowScanner) (shopkeep.ShopRecord, error) {
	var r shopkeep.ShopRecord
	var subsites string
	var lastErr sql.NullString
	err := row.Scan(
		&r.SiteName, &r.State, &r.Attempt, &r.TenantMode, &r.Locale, &r.Theme, &r.Email,
		&r.NetworkID, &r.DBContainer, &r.WebContainer, &r.HostPort, &r.URL, &subsites,
		&lastErr, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if subsites != "" {
		if err := json.Unmarshal([]byte(subsites), &r.Subsites); err != nil {
			return r, fmt.Errorf("decode subsites: %w", err)
		}
	}
	if lastErr.Valid {
		r.LastError = &lastErr.String
	}
	return r, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, site string) (shopkeep.ShopRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM shops WHERE site_name = ?`, site)
	rec, err := scanShop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, shopkeep.NewError(shopkeep.ErrNotFound, "get shop", site, errors.New("no such shop"))
	}
	return rec, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]shopkeep.ShopRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shopColumns+` FROM shops ORDER BY created_at DESC, site_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []shopkeep.ShopRecord
	for rows.Next() {
		rec, err := scanShop(rows)
		if err != nil {
			return nil, err
		}
		shops = append(shops, rec)
	}
	return shops, rows.Err()
}

// Transitions implements Store.
func (s *SQLiteStore) Transitions(ctx context.Context, site string, attempt int) ([]shopkeep.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT site_name, attempt, from_state, to_state, at FROM shop_transitions
		 WHERE site_name = ? AND (? = 0 OR attempt = ?) ORDER BY id ASC`,
		site, attempt, attempt,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shopkeep.Transition
	for rows.Next() {
		var t shopkeep.Transition
		if err := rows.Scan(&t.SiteName, &t.Attempt, &t.From, &t.To, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordExport implements Store.
func (s *SQLiteStore) RecordExport(ctx context.Context, storeName, locale string, at time.Time, strs []shopkeep.CatalogString) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO catalog_exports (store_name, string_id, context, source_text, plural, exported_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(store_name, string_id) DO UPDATE SET exported_at = excluded.exported_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	at = at.UTC()
	for _, cs := range strs {
		if _, err := stmt.ExecContext(ctx, storeName, cs.ID, cs.Context, cs.Source, cs.Plural, at); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO export_runs (store_name, locale, strings, exported_at) VALUES (?, ?, ?, ?)`,
		storeName, locale, len(strs), at,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ExportedStrings implements Store.
func (s *SQLiteStore) ExportedStrings(ctx context.Context, storeName string) (map[string]shopkeep.CatalogString, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT string_id, context, source_text, plural FROM catalog_exports WHERE store_name = ?`, storeName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]shopkeep.CatalogString)
	for rows.Next() {
		var cs shopkeep.CatalogString
		if err := rows.Scan(&cs.ID, &cs.Context, &cs.Source, &cs.Plural); err != nil {
			return nil, err
		}
		out[cs.ID] = cs
	}
	return out, rows.Err()
}
