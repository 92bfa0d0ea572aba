package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kuitang/extension-relay/internal/db"
)

// TestEncryptionKeyHex is the SQLCipher key used by in-memory test stores.
var TestEncryptionKeyHex = strings.Repeat("5e", 32)

var storeCounter uint64

// NewStoreInMemory creates an encrypted in-memory Store with the schema applied.
// Each call gets its own database.
func NewStoreInMemory(name string) (*db.Store, error) {
	if name == "" {
		name = "relay-test"
	}
	name = fmt.Sprintf("%s-%d", name, atomic.AddUint64(&storeCounter, 1))
	dsn := db.SQLiteDSN(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), TestEncryptionKeyHex)

	sqlDB, err := sql.Open(db.SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// The database lives as long as its only connection.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify in-memory database: %w", err)
	}

	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}

	store := db.NewFromSQL(sqlDB, db.DriverSQLite)
	if err := store.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize in-memory schema: %w", err)
	}
	return store, nil
}

// TB is the subset of testing.TB used by MustStore.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// MustStore returns a fresh in-memory store closed at test cleanup.
func MustStore(t TB) *db.Store {
	t.Helper()
	store, err := NewStoreInMemory("relay-test")
	if err != nil {
		t.Fatalf("new in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func applyFastSQLitePragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
