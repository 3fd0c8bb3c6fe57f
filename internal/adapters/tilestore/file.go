package tilestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/domain"
)

// File stores one file per tile.
// Structure: {root}/{xxhash(dataset)}/{z}/{x}_{y}.tile
type File struct {
	root  string
	codec codec.Codec
}

var _ Store = (*File)(nil)

func NewFile(root string, c codec.Codec) (*File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &File{
		root:  root,
		codec: c,
	}, nil
}

func (f *File) path(key domain.CacheKey) (string, error) {
	parts, err := parseKey(key)
	if err != nil {
		return "", err
	}

	datasetDir := strconv.FormatUint(xxhash.Sum64String(parts.dataset), 16)
	return filepath.Join(
		f.root,
		datasetDir,
		strconv.Itoa(parts.z),
		fmt.Sprintf("%d_%d.tile", parts.x, parts.y),
	), nil
}

func (f *File) Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error) {
	path, err := f.path(key)
	if err != nil {
		return domain.CacheEntry{}, false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to read tile file: %w", err)
	}

	entry, err := f.codec.Decode(data)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to decode tile file %s: %w", path, err)
	}

	return entry, true, nil
}

func (f *File) Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	data, err := f.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	// Write atomically. Concurrent writers for one key each get their own temp file.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile file into place: %w", err)
	}

	return nil
}

func (f *File) DeleteAll(ctx context.Context) error {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(f.root, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	return nil
}

func (f *File) Close() error {
	return nil
}
