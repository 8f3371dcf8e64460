package store

import "fmt"

// Backend kinds accepted by Open and the storage.backend config key.
const (
	KindSQLite = "sqlite"
	KindFile   = "file"
	KindMemory = "memory"
)

// Open constructs a store for the given backend kind. path is the database
// file for sqlite, the data directory for file, and ignored for memory.
// The caller must Initialize the returned store.
func Open(kind, path string, opts ...SQLiteOption) (Store, error) {
	switch kind {
	case KindSQLite:
		return NewSQLiteStore(path, opts...)
	case KindFile:
		return NewFileStore(path), nil
	case KindMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrUnsupported, kind)
	}
}
