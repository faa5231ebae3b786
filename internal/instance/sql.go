package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLDirectory reads instances from Postgres or SQLite
type SQLDirectory struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens a directory. driver is "postgres" or "sqlite3".
func OpenSQL(driver, dsn string) (*SQLDirectory, error) {
	switch driver {
	case "postgres":
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return &SQLDirectory{db: db, driver: driver}, nil
}

// Close closes the database
func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

// Ping checks connectivity
func (d *SQLDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the tables when they do not exist yet.
// Hosted Postgres deployments usually manage the schema themselves.
func (d *SQLDirectory) Migrate(ctx context.Context) error {
	for _, m := range []string{migrationInstances, migrationCredentials} {
		if _, err := d.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Upsert stores an instance (used by seeding and tests)
func (d *SQLDirectory) Upsert(ctx context.Context, inst Instance) error {
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO instances (id, owner_id, name, phone, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			phone = excluded.phone,
			status = excluded.status`),
		inst.ID, inst.OwnerID, inst.Name, inst.Phone, inst.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// SetCredential stores the owner's send token
func (d *SQLDirectory) SetCredential(ctx context.Context, ownerID, token string) error {
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO owner_credentials (owner_id, system_token)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET system_token = excluded.system_token`),
		ownerID, token)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (d *SQLDirectory) Get(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT id, owner_id, COALESCE(name, ''), COALESCE(phone, ''), COALESCE(status, '')
		 FROM instances WHERE id = $1`), id).
		Scan(&inst.ID, &inst.OwnerID, &inst.Name, &inst.Phone, &inst.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

func (d *SQLDirectory) ListByOwner(ctx context.Context, ownerID string) ([]Instance, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(
		`SELECT id, owner_id, COALESCE(name, ''), COALESCE(phone, ''), COALESCE(status, '')
		 FROM instances WHERE owner_id = $1 ORDER BY id`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.OwnerID, &inst.Name, &inst.Phone, &inst.Status); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (d *SQLDirectory) Credential(ctx context.Context, ownerID string) (string, error) {
	var token sql.NullString
	err := d.db.QueryRowContext(ctx, d.rebind(
		`SELECT system_token FROM owner_credentials WHERE owner_id = $1`), ownerID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	return token.String, nil
}

// rebind turns $N placeholders into ? for SQLite
func (d *SQLDirectory) rebind(query string) string {
	if d.driver != "sqlite3" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if _, err := strconv.Atoi(query[i+1 : j]); err == nil {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const migrationInstances = `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT,
    phone TEXT,
    status TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationCredentials = `
CREATE TABLE IF NOT EXISTS owner_credentials (
    owner_id TEXT PRIMARY KEY,
    system_token TEXT NOT NULL
);
`
