package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	for _, kind := range []string{"", "memory"} {
		store, err := NewStore(kind, "")
		if err != nil {
			t.Fatalf("NewStore(%q): %v", kind, err)
		}
		if _, ok := store.(*MemoryStore); !ok {
			t.Fatalf("NewStore(%q) = %T, want *MemoryStore", kind, store)
		}
	}
}

func TestNewStoreUnknownKind(t *testing.T) {
	if _, err := NewStore("cassandra", ""); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestDefaultStoreKindResolves(t *testing.T) {
	store, err := NewStore(DefaultStoreKind(), t.TempDir()+"/asklepios.db")
	if err != nil {
		t.Fatalf("NewStore(%q): %v", DefaultStoreKind(), err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCloseIfSupportedNoClose(t *testing.T) {
	if err := CloseIfSupported(NewMemoryStore()); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}
