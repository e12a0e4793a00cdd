package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/fillwatch/core"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const configSchema = `
CREATE TABLE IF NOT EXISTS configs (
	identity        TEXT PRIMARY KEY,
	signing_key     TEXT NOT NULL,
	payout_address  TEXT NOT NULL,
	notify_endpoint TEXT NOT NULL,
	watched_assets  TEXT NOT NULL,
	min_size        TEXT NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_configs_active ON configs(is_active);
`

// SQLiteConfigStore is the ConfigStore backed by a SQLite database file
type SQLiteConfigStore struct {
	db *sql.DB
}

// OpenSQLiteConfigStore opens (and creates if needed) the database at path
func OpenSQLiteConfigStore(ctx context.Context, path string) (*SQLiteConfigStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY on upserts
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, configSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteConfigStore{db: db}, nil
}

// Upsert inserts or replaces the configuration of cfg.Identity
func (s *SQLiteConfigStore) Upsert(ctx context.Context, cfg core.Configuration) error {
	assets, err := json.Marshal(cfg.WatchedAssets)
	if err != nil {
		return fmt.Errorf("failed to marshal watched assets: %w", err)
	}

	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO configs(
	identity, signing_key, payout_address, notify_endpoint, watched_assets, min_size, is_active, updated_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	signing_key = excluded.signing_key,
	payout_address = excluded.payout_address,
	notify_endpoint = excluded.notify_endpoint,
	watched_assets = excluded.watched_assets,
	min_size = excluded.min_size,
	is_active = excluded.is_active,
	updated_at = excluded.updated_at
`, cfg.Identity.String(), cfg.SigningKey, cfg.PayoutAddress, cfg.NotifyEndpoint,
		string(assets), cfg.MinSize.String(), boolToInt(cfg.Active), updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert config: %w", err)
	}

	return nil
}

// Get returns the configuration of identity
func (s *SQLiteConfigStore) Get(ctx context.Context, identity core.Identity) (core.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT identity, signing_key, payout_address, notify_endpoint, watched_assets, min_size, is_active, updated_at
FROM configs
WHERE identity = ?
`, identity.String())

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Configuration{}, core.ErrConfigNotFound
	}
	if err != nil {
		return core.Configuration{}, err
	}

	return cfg, nil
}

// SetActive flips the desired monitoring state
func (s *SQLiteConfigStore) SetActive(ctx context.Context, identity core.Identity, active bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE configs
SET is_active = ?, updated_at = ?
WHERE identity = ?
`, boolToInt(active), time.Now().UTC().Format(time.RFC3339Nano), identity.String())
	if err != nil {
		return fmt.Errorf("failed to update active flag: %w", err)
	}

	return nil
}

// ListActive returns every configuration that should have a running monitor
func (s *SQLiteConfigStore) ListActive(ctx context.Context) ([]core.Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT identity, signing_key, payout_address, notify_endpoint, watched_assets, min_size, is_active, updated_at
FROM configs
WHERE is_active = 1
ORDER BY identity
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active configs: %w", err)
	}
	defer rows.Close()

	var configs []core.Configuration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate configs: %w", err)
	}

	return configs, nil
}

// Close closes the database
func (s *SQLiteConfigStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (core.Configuration, error) {
	var (
		cfg       core.Configuration
		identity  string
		assets    string
		minSize   string
		active    int
		updatedAt string
	)
	err := row.Scan(&identity, &cfg.SigningKey, &cfg.PayoutAddress, &cfg.NotifyEndpoint, &assets, &minSize, &active, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Configuration{}, err
		}
		return core.Configuration{}, fmt.Errorf("failed to scan config: %w", err)
	}

	cfg.Identity = core.Identity(identity)
	cfg.Active = active == 1
	if err := json.Unmarshal([]byte(assets), &cfg.WatchedAssets); err != nil {
		return core.Configuration{}, fmt.Errorf("failed to decode watched assets of %s: %w", identity, err)
	}
	if cfg.MinSize, err = decimal.NewFromString(minSize); err != nil {
		return core.Configuration{}, fmt.Errorf("failed to decode min size of %s: %w", identity, err)
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return core.Configuration{}, fmt.Errorf("failed to decode updated_at of %s: %w", identity, err)
	}

	return cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
