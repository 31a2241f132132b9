package storage

import "fmt"

// NewStore resolves the persistence backend for job records and run
// reports. The empty kind means memory; "sqlite" is only available in
// builds carrying the sqlite tag.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported releases a store's underlying resources when it
// holds any; the memory store has none and is a no-op.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
