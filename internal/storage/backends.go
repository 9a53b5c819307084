// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
)

// Backends persists backend descriptors. It implements backend.Store.
type Backends struct {
	db     *sql.DB
	sealer *Sealer
}

var _ backend.Store = (*Backends)(nil)

const backendColumns = "id, owner, name, kind, base_url, api_key, is_default, created_at"

func (b *Backends) scan(row interface{ Scan(...any) error }) (backend.Descriptor, error) {
	var (
		d         backend.Descriptor
		isDefault int
		created   int64
	)
	if err := row.Scan(&d.ID, &d.Owner, &d.Name, &d.Kind, &d.BaseURL, &d.APIKey, &isDefault, &created); err != nil {
		return backend.Descriptor{}, err
	}
	d.IsDefault = isDefault != 0
	d.CreatedAt = fromMillis(created)

	key, err := b.openKey(d.APIKey)
	if err != nil {
		return backend.Descriptor{}, fmt.Errorf("backend %d: %w", d.ID, err)
	}
	d.APIKey = key
	return d, nil
}

func (b *Backends) sealKey(key string) (string, error) {
	if b.sealer == nil {
		return key, nil
	}
	return b.sealer.Seal(key)
}

func (b *Backends) openKey(stored string) (string, error) {
	if b.sealer == nil {
		if IsSealed(stored) {
			return "", errors.New("api key is sealed but no secret is configured")
		}
		return stored, nil
	}
	return b.sealer.Open(stored)
}

// Get returns one backend owned by owner.
func (b *Backends) Get(ctx context.Context, owner string, id int64) (backend.Descriptor, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+backendColumns+" FROM backends WHERE id = ? AND owner = ?", id, owner)
	d, err := b.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.Descriptor{}, backend.ErrNotFound
	}
	return d, err
}

// List returns the owner's backends, oldest first.
func (b *Backends) List(ctx context.Context, owner string) ([]backend.Descriptor, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+backendColumns+" FROM backends WHERE owner = ? ORDER BY id", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}
	defer rows.Close()

	var out []backend.Descriptor
	for rows.Next() {
		d, err := b.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Create inserts d. The owner's first backend becomes the default.
func (b *Backends) Create(ctx context.Context, d backend.Descriptor) (backend.Descriptor, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.Descriptor{}, err
	}
	defer tx.Rollback()

	d, err = b.createTx(ctx, tx, d)
	if err != nil {
		return backend.Descriptor{}, err
	}
	return d, tx.Commit()
}

func (b *Backends) createTx(ctx context.Context, tx *sql.Tx, d backend.Descriptor) (backend.Descriptor, error) {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM backends WHERE owner = ?", d.Owner).Scan(&count); err != nil {
		return backend.Descriptor{}, err
	}
	d.IsDefault = count == 0
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	key, err := b.sealKey(d.APIKey)
	if err != nil {
		return backend.Descriptor{}, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO backends (owner, name, kind, base_url, api_key, is_default, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.Owner, d.Name, d.Kind, d.BaseURL, key, boolInt(d.IsDefault), millis(d.CreatedAt))
	if err != nil {
		return backend.Descriptor{}, fmt.Errorf("failed to insert backend: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return d, err
}

// Update applies the non-nil fields of u.
func (b *Backends) Update(ctx context.Context, owner string, id int64, u backend.Update) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM backends WHERE id = ? AND owner = ?", id, owner).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return err
	}

	if u.Name != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE backends SET name = ? WHERE id = ?", *u.Name, id); err != nil {
			return err
		}
	}
	if u.BaseURL != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE backends SET base_url = ? WHERE id = ?", *u.BaseURL, id); err != nil {
			return err
		}
	}
	if u.APIKey != nil {
		key, err := b.sealKey(*u.APIKey)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE backends SET api_key = ? WHERE id = ?", key, id); err != nil {
			return err
		}
	}
	if u.MakeDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE backends SET is_default = 0 WHERE owner = ?", owner); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE backends SET is_default = 1 WHERE id = ?", id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes a backend, promoting the oldest remaining one when the
// default is deleted.
func (b *Backends) Delete(ctx context.Context, owner string, id int64) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var isDefault int
	err = tx.QueryRowContext(ctx, "SELECT is_default FROM backends WHERE id = ? AND owner = ?", id, owner).Scan(&isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM backends WHERE id = ?", id); err != nil {
		return err
	}
	if isDefault != 0 {
		_, err := tx.ExecContext(ctx,
			"UPDATE backends SET is_default = 1 WHERE id = (SELECT MIN(id) FROM backends WHERE owner = ?)", owner)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureDefault returns the owner's default, else its first backend, else
// inserts fallback as the default.
func (b *Backends) EnsureDefault(ctx context.Context, owner string, fallback backend.Descriptor) (backend.Descriptor, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.Descriptor{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+backendColumns+" FROM backends WHERE owner = ? ORDER BY is_default DESC, id LIMIT 1", owner)
	d, err := b.scan(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return backend.Descriptor{}, err
	}

	fallback.Owner = owner
	d, err = b.createTx(ctx, tx, fallback)
	if err != nil {
		return backend.Descriptor{}, err
	}
	return d, tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
