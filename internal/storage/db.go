// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle shared by the typed stores.
type DB struct {
	db     *sql.DB
	sealer *Sealer
}

// Open opens (creating if needed) the database at path. A non-empty secret
// enables sealing of backend API keys.
func Open(path, secret string) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	d := &DB{db: db}
	if secret != "" {
		salt, err := d.sealSalt()
		if err != nil {
			db.Close()
			return nil, err
		}
		sealer, err := NewSealer(secret, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
		d.sealer = sealer
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Backends returns the backend store.
func (d *DB) Backends() *Backends {
	return &Backends{db: d.db, sealer: d.sealer}
}

// Conversations returns the conversation store.
func (d *DB) Conversations() *Conversations {
	return &Conversations{db: d.db}
}

// Images returns the image record store.
func (d *DB) Images() *Images {
	return &Images{db: d.db}
}

// sealSalt loads the key-derivation salt, generating it on first use.
func (d *DB) sealSalt() ([]byte, error) {
	var encoded string
	err := d.db.QueryRow("SELECT value FROM metadata WHERE key = 'seal_salt'").Scan(&encoded)
	if err == nil {
		return decodeSalt(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read seal salt: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if _, err := d.db.Exec("INSERT INTO metadata (key, value) VALUES ('seal_salt', ?)", encodeSalt(salt)); err != nil {
		return nil, fmt.Errorf("failed to store seal salt: %w", err)
	}
	return salt, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
