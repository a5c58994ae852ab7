package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestNewInMemory(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if store.DB() == nil {
		t.Fatal("expected a live database handle")
	}

	// The schema is applied on open.
	var name string
	err = store.DB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='trials'`,
	).Scan(&name)
	if err != nil {
		t.Fatalf("trials table missing: %v", err)
	}
}

func TestInMemorySchemaSharedAcrossPool(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// An in-memory database must not fan out across pooled connections:
	// each fresh connection would be a separate empty database without the
	// schema. Concurrent writers force the pool to its limit.
	if got := store.DB().Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("in-memory pool must hold a single connection, got %d", got)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.DB().Exec(
				`INSERT INTO trials (id, phase, populations, generations, token_budget, created_at)
				 VALUES (?, 'pending', '["p"]', 1, 100, CURRENT_TIMESTAMP)`,
				fmt.Sprintf("t%d", n),
			)
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent insert failed: %v", err)
	}

	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM trials`).Scan(&count); err != nil {
		t.Fatalf("count trials: %v", err)
	}
	if count != writers {
		t.Fatalf("expected %d rows, got %d", writers, count)
	}
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "mendel.db")

	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.DB().Exec(
		`INSERT INTO trials (id, phase, populations, generations, token_budget, created_at)
		 VALUES ('t1', 'pending', '["p"]', 1, 100, CURRENT_TIMESTAMP)`,
	); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	var store *Store
	if err := store.Close(); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if store.DB() != nil {
		t.Fatal("nil store must return nil handle")
	}
}
