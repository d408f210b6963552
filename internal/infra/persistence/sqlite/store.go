// Package sqlite opens the relational store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	moderncsqlite "modernc.org/sqlite" // pure go sqlite driver
	sqlite3 "modernc.org/sqlite/lib"

	"wiggledb/internal/infra/persistence/sqlstore"
	"wiggledb/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName  = "sqlite"
	defaultPath = "wiggledb.db"
)

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Dialect classifies modernc constraint errors.
var Dialect = sqlstore.Dialect{DriverName: driverName, IsUniqueViolation: IsUniqueViolation}

// Store is a sqlstore.Store bound to a database file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the database at path in WAL mode with
// a busy timeout so concurrent processes serialize their writes.
func NewStore(ctx context.Context, path string, opts ...sqlstore.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, errors.Wrap(err, "create dirs")
	}
	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &Store{Store: sqlstore.New(db, Dialect, opts...), path: path}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return path + "?" + q.Encode()
}

// IsUniqueViolation reports UNIQUE and PRIMARY KEY constraint failures.
func IsUniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}
