// Package store persists known devices in sqlite. Every query runs on a worker pool, since
// database/sql calls block.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sharnoff/strobe/internal/pool"
)

// Device is a stored device record
type Device struct {
	Serial   string
	Addr     string
	Label    string
	Power    uint16
	LastSeen time.Time
}

type Store struct {
	db   *sql.DB
	pool *pool.Pool
}

// Open opens (creating if needed) the database at path
func Open(path string, p *pool.Pool) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, pool: p}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		serial TEXT PRIMARY KEY,
		addr TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		power INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts a device, or replaces the stored record with the same serial
func (s *Store) Upsert(ctx context.Context, d Device) error {
	_, err := pool.Do(ctx, s.pool, "store.upsert", func(ctx context.Context) (struct{}, error) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (serial, addr, label, power, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(serial) DO UPDATE SET
				addr = excluded.addr,
				label = excluded.label,
				power = excluded.power,
				last_seen = excluded.last_seen
		`, d.Serial, d.Addr, d.Label, d.Power, d.LastSeen.UnixMilli())
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.Serial, err)
	}
	return nil
}

// List returns every stored device, ordered by serial
func (s *Store) List(ctx context.Context) ([]Device, error) {
	devices, err := pool.Do(ctx, s.pool, "store.list", func(ctx context.Context) ([]Device, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT serial, addr, label, power, last_seen FROM devices ORDER BY serial
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var devices []Device
		for rows.Next() {
			var d Device
			var lastSeen int64
			if err := rows.Scan(&d.Serial, &d.Addr, &d.Label, &d.Power, &lastSeen); err != nil {
				return nil, err
			}
			d.LastSeen = time.UnixMilli(lastSeen)
			devices = append(devices, d)
		}
		return devices, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Delete removes the device with the given serial, returning whether it existed
func (s *Store) Delete(ctx context.Context, serial string) (bool, error) {
	n, err := pool.Do(ctx, s.pool, "store.delete", func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE serial = ?`, serial)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete device %s: %w", serial, err)
	}
	return n != 0, nil
}
