// Package store is the persistence layer: a database/sql connection plus
// one repository type per aggregate spec.md section 4 defines (AE
// configuration, file metadata, payloads, inference requests, association
// audit records). Schema creation and the WAL-pragma-on-open pattern are
// adapted from perkeep/pkg/sorted/sqlite's initDB/newKeyValueFromConfig;
// where perkeep's sqlkv stores opaque key/value rows, this package models
// real relational tables since the gateway's repositories need query
// predicates (status=, createdBefore=) sqlkv's key-range Find can't express.
//
// modernc.org/sqlite (pure-Go, no cgo) backs the default "sqlite" driver;
// github.com/lib/pq backs an alternate "postgres" driver for deployments
// that already run Postgres, mirroring perkeep's sqlite/postgres sibling
// sorted.KeyValue implementations.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DB wraps a database/sql connection opened against one of the supported
// drivers.
type DB struct {
	conn   *sql.DB
	driver string
}

// Open opens driver (either "sqlite" or "postgres") at dsn, creates the
// schema if missing, and enables WAL mode for sqlite.
func Open(driver, dsn string) (*DB, error) {
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s %s: %w", driver, dsn, err)
	}
	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	if driver == "sqlite" {
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: enabling WAL: %w", err)
		}
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// placeholder rewrites sqlite's ? placeholders to postgres's $N form, the
// way perkeep/pkg/sorted/sqlkv.KeyValue.PlaceHolderFunc does per-backend.
func (db *DB) placeholder(query string, n int) string {
	if db.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+n*2)
	arg := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			arg++
			out = append(out, []byte(fmt.Sprintf("$%d", arg))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
