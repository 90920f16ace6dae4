package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".tmp-"

// FileBackend stores each record as <root>/<collection>/<id>.<ext>.
type FileBackend struct {
	root string
	ext  string
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root, ext string) (*FileBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileBackend{root: root, ext: ext}, nil
}

// Root returns the data directory.
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) dir(collection string) string {
	return filepath.Join(b.root, collection)
}

func (b *FileBackend) path(collection, id string) string {
	return filepath.Join(b.dir(collection), id+"."+b.ext)
}

// Read returns the raw record bytes.
func (b *FileBackend) Read(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return data, nil
}

// Write replaces the record atomically via a temp file and rename.
func (b *FileBackend) Write(ctx context.Context, collection, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := b.dir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path(collection, id)); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Exists reports whether a record file is present.
func (b *FileBackend) Exists(ctx context.Context, collection, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.path(collection, id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat record: %w", err)
}

// Remove deletes a record file.
func (b *FileBackend) Remove(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(b.path(collection, id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// Scan returns every record in a collection sorted by id. A missing
// collection directory yields no entries; unreadable files are returned with
// Err set so the caller can skip them.
func (b *FileBackend) Scan(ctx context.Context, collection string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(b.dir(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read collection: %w", err)
	}

	suffix := "." + b.ext
	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		id := strings.TrimSuffix(name, suffix)
		data, err := os.ReadFile(filepath.Join(b.dir(collection), name))
		entries = append(entries, Entry{ID: id, Data: data, Err: err})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Ping checks that the data directory is still reachable.
func (b *FileBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("stat data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", b.root)
	}
	return nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error {
	return nil
}
