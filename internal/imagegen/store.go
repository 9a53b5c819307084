// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	_ "github.com/viant/afsc/s3"

	"github.com/jeranaias/rigrun-gateway/internal/util"
)

var (
	// ErrInvalidKey is returned for keys that are not a plain file name.
	ErrInvalidKey = errors.New("invalid artifact key")

	// ErrArtifactNotFound is returned when a key has no stored bytes.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Store holds artifact bytes by key. Put must be atomic: readers see either
// nothing or the complete object.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewStore returns a LocalStore for a filesystem path or a RemoteStore for
// an afs URL such as s3://bucket/images or mem://localhost/images.
func NewStore(location string) (Store, error) {
	if location == "" {
		return nil, errors.New("artifact store location is empty")
	}
	if strings.Contains(location, "://") && !strings.HasPrefix(location, "file://") {
		return NewRemoteStore(location), nil
	}
	return NewLocalStore(strings.TrimPrefix(location, "file://"))
}

func checkKey(key string) error {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return ErrInvalidKey
	}
	return nil
}

// =============================================================================
// LOCAL STORE
// =============================================================================

// LocalStore keeps artifacts as files in one directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(s.dir, key), data, 0644)
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	return f, err
}

// Delete removes the file. A missing file is not an error.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// =============================================================================
// REMOTE STORE
// =============================================================================

// RemoteStore keeps artifacts under an afs base URL. A single-object upload
// is atomic on object stores, so no temp-and-rename is needed.
type RemoteStore struct {
	fs   afs.Service
	base string
}

// NewRemoteStore creates a store rooted at baseURL.
func NewRemoteStore(baseURL string) *RemoteStore {
	return &RemoteStore{fs: afs.New(), base: strings.TrimRight(baseURL, "/")}
}

func (s *RemoteStore) url(key string) string {
	return s.base + "/" + key
}

func (s *RemoteStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.fs.Upload(ctx, s.url(key), 0644, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}
	return nil
}

func (s *RemoteStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	ok, err := s.fs.Exists(ctx, s.url(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return s.fs.OpenURL(ctx, s.url(key))
}

// Delete removes the object. A missing object is not an error.
func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ok, err := s.fs.Exists(ctx, s.url(key))
	if err != nil || !ok {
		return err
	}
	return s.fs.Delete(ctx, s.url(key))
}
