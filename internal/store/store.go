// Package store provides durable record storage for the hub.
//
// Records are whole objects keyed by id inside named collections. A
// Collection never performs partial writes: callers read, merge and write
// back. Two backends exist: one file per record under a data directory, or a
// single SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/models"
)

// Collection names.
const (
	TasksCollection     = "tasks"
	PipelinesCollection = "pipelines"
	AuditCollection     = "audit"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidID is returned for ids that cannot be stored verbatim.
	ErrInvalidID = errors.New("invalid record id")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)

// Entry is one raw record returned by Backend.Scan. Err is set when the
// record exists but could not be read.
type Entry struct {
	ID   string
	Data []byte
	Err  error
}

// Backend is the raw key-value layer under a Collection.
type Backend interface {
	Read(ctx context.Context, collection, id string) ([]byte, error)
	Write(ctx context.Context, collection, id string, data []byte) error
	Exists(ctx context.Context, collection, id string) (bool, error)
	Remove(ctx context.Context, collection, id string) error
	Scan(ctx context.Context, collection string) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// Collection maps ids to records of type T.
type Collection[T any] struct {
	name    string
	backend Backend
	codec   Codec
	logger  *slog.Logger
}

// NewCollection binds a named collection to a backend and codec.
func NewCollection[T any](name string, backend Backend, codec Codec, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T]{name: name, backend: backend, codec: codec, logger: logger}
}

// Put overwrites the record stored under id.
func (c *Collection[T]) Put(ctx context.Context, id string, record T) error {
	if !ids.ValidRecordID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := c.codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.name, id, err)
	}
	return c.backend.Write(ctx, c.name, id, data)
}

// Get returns the record stored under id, or ErrNotFound.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var record T
	if !ids.ValidRecordID(id) {
		return record, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := c.backend.Read(ctx, c.name, id)
	if err != nil {
		return record, err
	}
	if err := c.codec.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("%w: %s/%s: %v", ErrCorruptRecord, c.name, id, err)
	}
	return record, nil
}

// Exists reports whether a record is stored under id.
func (c *Collection[T]) Exists(ctx context.Context, id string) (bool, error) {
	if !ids.ValidRecordID(id) {
		return false, nil
	}
	return c.backend.Exists(ctx, c.name, id)
}

// Delete removes the record stored under id, or returns ErrNotFound.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if !ids.ValidRecordID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return c.backend.Remove(ctx, c.name, id)
}

// List returns every decodable record. Records that cannot be read or
// decoded are logged and skipped.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	entries, err := c.backend.Scan(ctx, c.name)
	if err != nil {
		return nil, err
	}

	records := make([]T, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			c.logger.Warn("skipping unreadable record", "collection", c.name, "id", e.ID, "error", e.Err)
			continue
		}
		var record T
		if err := c.codec.Unmarshal(e.Data, &record); err != nil {
			c.logger.Warn("skipping corrupt record", "collection", c.name, "id", e.ID, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// IDs returns the id of every stored record, including records that cannot
// be read or decoded.
func (c *Collection[T]) IDs(ctx context.Context) ([]string, error) {
	entries, err := c.backend.Scan(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out, nil
}

// Options selects the backend and record format.
type Options struct {
	// Backend is "file" or "sqlite".
	Backend string
	// Format is the record codec, "json" or "cbor".
	Format string
	// DataDir roots all persisted state.
	DataDir string
}

// Store bundles the hub's collections over one backend.
type Store struct {
	backend   Backend
	Tasks     *TaskRepository
	Pipelines *PipelineRepository
	Audit     *Collection[models.PDREntry]
}

// New opens the configured backend and binds the hub collections to it.
func New(opts Options, logger *slog.Logger) (*Store, error) {
	codec, err := NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch opts.Backend {
	case "", "file":
		backend, err = NewFileBackend(opts.DataDir, codec.Name())
	case "sqlite":
		backend, err = NewSQLiteBackend(filepath.Join(opts.DataDir, "hub.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewWithBackend(backend, codec, logger), nil
}

// NewWithBackend binds the hub collections to an already opened backend.
func NewWithBackend(backend Backend, codec Codec, logger *slog.Logger) *Store {
	return &Store{
		backend:   backend,
		Tasks:     &TaskRepository{records: NewCollection[models.Task](TasksCollection, backend, codec, logger)},
		Pipelines: &PipelineRepository{records: NewCollection[models.Pipeline](PipelinesCollection, backend, codec, logger)},
		Audit:     NewCollection[models.PDREntry](AuditCollection, backend, codec, logger),
	}
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
