// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
)

// ErrImageNotFound is returned for unknown image ids.
var ErrImageNotFound = errors.New("image not found")

// Images persists generated image records. It implements imagegen.Recorder.
type Images struct {
	db *sql.DB
}

var _ imagegen.Recorder = (*Images)(nil)

const imageColumns = "id, owner, key, url, prompt, negative_prompt, seed, width, height, steps, cfg_scale, sampler, model, created_at"

func scanImage(row interface{ Scan(...any) error }) (imagegen.Record, error) {
	var (
		r       imagegen.Record
		created int64
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Key, &r.URL, &r.Prompt, &r.NegativePrompt, &r.Seed,
		&r.Width, &r.Height, &r.Steps, &r.CfgScale, &r.Sampler, &r.Model, &created)
	r.CreatedAt = fromMillis(created)
	return r, err
}

// RecordImage inserts rec and returns it with its id.
func (i *Images) RecordImage(ctx context.Context, rec imagegen.Record) (imagegen.Record, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := i.db.ExecContext(ctx,
		"INSERT INTO images (owner, key, url, prompt, negative_prompt, seed, width, height, steps, cfg_scale, sampler, model, created_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.Owner, rec.Key, rec.URL, rec.Prompt, rec.NegativePrompt, rec.Seed, rec.Width, rec.Height,
		rec.Steps, rec.CfgScale, rec.Sampler, rec.Model, millis(rec.CreatedAt))
	if err != nil {
		return imagegen.Record{}, fmt.Errorf("failed to record image: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// List returns the owner's images, newest first.
func (i *Images) List(ctx context.Context, owner string) ([]imagegen.Record, error) {
	rows, err := i.db.QueryContext(ctx,
		"SELECT "+imageColumns+" FROM images WHERE owner = ? ORDER BY created_at DESC, id DESC", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []imagegen.Record
	for rows.Next() {
		r, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a record and returns it so the caller can remove the file.
func (i *Images) Delete(ctx context.Context, owner string, id int64) (imagegen.Record, error) {
	r, err := scanImage(i.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM images WHERE id = ? AND owner = ?", id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return imagegen.Record{}, ErrImageNotFound
	}
	if err != nil {
		return imagegen.Record{}, err
	}
	if _, err := i.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id); err != nil {
		return imagegen.Record{}, err
	}
	return r, nil
}
