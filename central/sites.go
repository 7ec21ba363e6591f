// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mobiletoly/go-sitesync/sitesync"
	"github.com/mobiletoly/go-sitesync/wire"
)

var (
	ErrAuthenticationFailed = errors.New("site authentication failed")
	ErrHardwareMismatch     = errors.New("site is bound to another hardware id")
	ErrSiteNotFound         = errors.New("site not found")
)

const siteSchema = `CREATE TABLE IF NOT EXISTS site (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	hardware_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Site is a remote site known to the central.
type Site struct {
	ID         int32     `json:"id"`
	Name       string    `json:"name"`
	HardwareID *string   `json:"hardware_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SiteRegistry stores site credentials. Passwords are kept as bcrypt hashes
// of the SHA-256 digest sites send on the wire.
type SiteRegistry struct {
	db         *sql.DB
	dialect    sitesync.Dialect
	bcryptCost int
	logger     *slog.Logger
}

// NewSiteRegistry creates the site table on the store's database. A zero
// bcryptCost uses bcrypt.DefaultCost.
func NewSiteRegistry(ctx context.Context, store *sitesync.Store, bcryptCost int, logger *slog.Logger) (*SiteRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if _, err := store.DB().ExecContext(ctx, siteSchema); err != nil {
		return nil, fmt.Errorf("failed to create site table: %w", err)
	}
	return &SiteRegistry{db: store.DB(), dialect: store.Dialect(), bcryptCost: bcryptCost, logger: logger}, nil
}

// Register creates a site or replaces its name and password. Replacing a
// site clears its hardware binding so a new machine can take it over.
func (r *SiteRegistry) Register(ctx context.Context, id int32, name, password string) (*Site, error) {
	if id <= 0 {
		return nil, fmt.Errorf("site id must be positive, got %d", id)
	}
	if name == "" || password == "" {
		return nil, errors.New("site name and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(wire.HashPassword(password)), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO site (id, name, password_hash, hardware_id) VALUES (?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			password_hash = excluded.password_hash,
			hardware_id = NULL`),
		id, name, string(hash)); err != nil {
		return nil, fmt.Errorf("failed to register site %d: %w", id, err)
	}
	r.logger.Info("Site registered", "site_id", id, "name", name)
	return r.Site(ctx, id)
}

// Site returns one site.
func (r *SiteRegistry) Site(ctx context.Context, id int32) (*Site, error) {
	site, _, err := r.load(ctx, id)
	return site, err
}

// Sites lists all registered sites.
func (r *SiteRegistry) Sites(ctx context.Context) ([]Site, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, hardware_id, created_at FROM site ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	sites := []Site{}
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.Name, &s.HardwareID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// Authenticate checks the credentials of a structured request. The first
// request carrying a hardware id binds the site to it.
func (r *SiteRegistry) Authenticate(ctx context.Context, common wire.Common) (*Site, error) {
	site, hash, err := r.load(ctx, common.SiteID)
	if errors.Is(err, ErrSiteNotFound) {
		return nil, ErrAuthenticationFailed
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(common.PasswordSHA256)); err != nil {
		return nil, ErrAuthenticationFailed
	}

	switch {
	case common.HardwareID == "":
	case site.HardwareID == nil:
		res, err := r.db.ExecContext(ctx, r.dialect.Rebind(
			`UPDATE site SET hardware_id = ? WHERE id = ? AND hardware_id IS NULL`), common.HardwareID, site.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to bind hardware id: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// bound concurrently; compare against the winner
			return r.Authenticate(ctx, common)
		}
		r.logger.Info("Site bound to hardware", "site_id", site.ID, "hardware_id", common.HardwareID)
		site.HardwareID = &common.HardwareID
	case *site.HardwareID != common.HardwareID:
		return nil, ErrHardwareMismatch
	}
	return site, nil
}

func (r *SiteRegistry) load(ctx context.Context, id int32) (*Site, string, error) {
	var (
		s    Site
		hash string
	)
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(
		`SELECT id, name, hardware_id, created_at, password_hash FROM site WHERE id = ?`), id,
	).Scan(&s.ID, &s.Name, &s.HardwareID, &s.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrSiteNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load site %d: %w", id, err)
	}
	return &s, hash, nil
}
