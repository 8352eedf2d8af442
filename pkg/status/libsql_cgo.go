//go:build cgo

package status

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

// openSQLite opens a libsql database: a local file or a remote Turso URL.
//
// A remote URL lets workers on other hosts report into the same store.
func openSQLite(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)

	var err error
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		dsn, err = addAuthToken(dsn, cfg.AuthToken)
	} else {
		dsn, err = buildSQLiteDSN(dsn)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping status store: %w", err)
	}

	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
