package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// SQLiteDriverName is the project-specific SQLCipher driver.
	SQLiteDriverName = "sqlite3_extension_relay"

	// PostgresDriverName is registered by lib/pq.
	PostgresDriverName = "postgres"
)

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
				return fmt.Errorf("enable foreign keys: %w", err)
			}
			return nil
		},
	})
}

// SQLiteDSN builds a SQLCipher DSN for path. Write transactions take the
// database lock at BEGIN so subscription mutations serialize. When keyHex is
// set the database file is encrypted with that raw key.
func SQLiteDSN(path, keyHex string) string {
	params := url.Values{}
	if base, query, ok := strings.Cut(path, "?"); ok {
		path = base
		if parsed, err := url.ParseQuery(query); err == nil {
			params = parsed
		}
	}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	dsn := path + "?" + params.Encode()
	if keyHex != "" {
		// x'..' must not be url-encoded.
		dsn += fmt.Sprintf("&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", keyHex)
	}
	return dsn
}

// IsUniqueViolation reports whether err is a unique-constraint failure on either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
