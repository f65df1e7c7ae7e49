// Package store mirrors item directories into a SQLite database.
//
// The database is embedded (ncruces/go-sqlite3) and opened in WAL mode so
// that readers can query while the daemon writes. Exactly one writer is
// expected per database; it holds a single connection so every statement
// runs with the same pragmas and transactions never contend in-process.
//
// Schema:
//   - meta: one row recording the watched root, creation time and schema version
//   - video, part, user, author: mirrored rows keyed by bvid / cid / uid
//   - search_view: video joined with its authors for queries
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// SchemaVersion is recorded in the meta table. Databases with a newer major
// version are refused.
const SchemaVersion = "v1.0.0"

var (
	// DefaultIDPattern matches item directory names.
	DefaultIDPattern = regexp.MustCompile(`^BV\w+$`)
	// DefaultPartPattern matches part directory names inside an item.
	DefaultPartPattern = regexp.MustCompile(`^\d+$`)
)

// Options configures Open.
type Options struct {
	// AllowRootUpdate rewrites the recorded root instead of failing when it
	// differs from the one being opened.
	AllowRootUpdate bool
	// IDPattern and PartPattern default to DefaultIDPattern and DefaultPartPattern.
	IDPattern   *regexp.Regexp
	PartPattern *regexp.Regexp
	// BusyTimeout is how long a statement waits on another connection's lock.
	BusyTimeout time.Duration
	Logger      zerolog.Logger
}

// Store is a handle on the metadata database.
type Store struct {
	conn     *sql.DB
	path     string
	root     string
	readOnly bool

	idPattern   *regexp.Regexp
	partPattern *regexp.Regexp
	log         zerolog.Logger
}

// Open opens or creates the database at path for the item tree rooted at
// root, creating the schema inside one transaction.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, root, path string, opts Options) (*Store, error) {
	realRoot, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s, err := open(ctx, path, false, opts)
	if err != nil {
		return nil, err
	}
	s.root = realRoot

	if err := s.initSchema(ctx, opts.AllowRootUpdate); err != nil {
		_ = s.conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database for queries. The root is taken
// from the meta table.
func OpenReadOnly(ctx context.Context, path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := open(ctx, path, true, opts)
	if err != nil {
		return nil, err
	}

	var version string
	err = s.conn.QueryRowContext(ctx, "SELECT root, version FROM meta").Scan(&s.root, &version)
	if err != nil {
		_ = s.conn.Close()
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	if err := checkVersion(version); err != nil {
		_ = s.conn.Close()
		return nil, err
	}
	return s, nil
}

// fileURI builds a SQLite URI for path. The path is made absolute and
// escaped so '?', '#' and '%' in file names stay part of the name.
func fileURI(path, query string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: query}
	return u.String(), nil
}

func open(ctx context.Context, path string, readOnly bool, opts Options) (*Store, error) {
	if opts.IDPattern == nil {
		opts.IDPattern = DefaultIDPattern
	}
	if opts.PartPattern == nil {
		opts.PartPattern = DefaultPartPattern
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	query := fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", opts.BusyTimeout.Milliseconds())
	if readOnly {
		query += "&mode=ro"
	} else {
		query += "&_pragma=journal_mode(wal)&_txlock=immediate"
	}
	dsn, err := fileURI(path, query)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if readOnly {
		conn.SetMaxOpenConns(4)
	} else {
		conn.SetMaxOpenConns(1)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)

	log := opts.Logger.With().Str("component", "store").Logger()
	return &Store{
		conn:        conn,
		path:        path,
		readOnly:    readOnly,
		idPattern:   opts.IDPattern,
		partPattern: opts.PartPattern,
		log:         log,
	}, nil
}

// Root returns the resolved item root.
func (s *Store) Root() string {
	return s.root
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL of a writable store and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if !s.readOnly {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.log.Warn().Err(err).Msg("failed to checkpoint WAL")
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("failed to stat root: %w", err)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", real)
	}
	return real, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS user (
	uid   TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	uname TEXT NOT NULL,
	face  TEXT
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS video (
	bvid        TEXT PRIMARY KEY,
	mtime       INTEGER NOT NULL,
	title       TEXT NOT NULL,
	tags        TEXT NOT NULL,
	parts       INTEGER NOT NULL,
	cover       TEXT,
	description TEXT,
	duration    INTEGER,
	ctime       INTEGER,
	pubtime     INTEGER,
	views       INTEGER,
	likes       INTEGER,
	size        INTEGER,
	flags       TEXT
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS part (
	cid      TEXT PRIMARY KEY,
	bvid     TEXT NOT NULL REFERENCES video (bvid),
	part     INTEGER NOT NULL,
	title    TEXT,
	duration INTEGER,
	size     INTEGER
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS author (
	uid  TEXT NOT NULL REFERENCES user (uid),
	bvid TEXT NOT NULL REFERENCES video (bvid),
	role TEXT,
	PRIMARY KEY (uid, bvid)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_part_bvid ON part (bvid);
CREATE INDEX IF NOT EXISTS idx_author_bvid ON author (bvid);

CREATE VIEW IF NOT EXISTS search_view AS
SELECT v.bvid, v.mtime, v.title, v.tags, v.parts, v.cover, v.duration,
       v.ctime, v.pubtime, v.views, v.likes, v.size, v.flags,
       u.uid, u.uname, a.role
FROM video v
JOIN author a ON v.bvid = a.bvid
JOIN user u ON u.uid = a.uid;
`

// initSchema creates the meta row on first use, checks the recorded root
// and version otherwise, then creates the remaining tables.
func (s *Store) initSchema(ctx context.Context, allowRootUpdate bool) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_schema WHERE type = 'table' AND name = 'meta'").Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if count == 0 {
		_, err = tx.ExecContext(ctx, `CREATE TABLE meta (
			root    TEXT NOT NULL,
			ctime   INTEGER NOT NULL,
			version TEXT NOT NULL
		)`)
		if err != nil {
			return fmt.Errorf("failed to create meta table: %w", err)
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO meta (root, ctime, version) VALUES (?, ?, ?)",
			s.root, time.Now().Unix(), SchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to record root: %w", err)
		}
	} else {
		var recorded, version string
		if err := tx.QueryRowContext(ctx, "SELECT root, version FROM meta").Scan(&recorded, &version); err != nil {
			return fmt.Errorf("failed to read meta: %w", err)
		}
		if err := checkVersion(version); err != nil {
			return err
		}
		if recorded != s.root {
			if !allowRootUpdate {
				return fmt.Errorf("%w: recorded %s, opening %s", ErrRootMismatch, recorded, s.root)
			}
			s.log.Warn().Str("recorded", recorded).Str("root", s.root).Msg("updating database root")
			if _, err := tx.ExecContext(ctx, "UPDATE meta SET root = ?", s.root); err != nil {
				return fmt.Errorf("failed to update root: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

func checkVersion(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: unparseable version %q", ErrSchemaTooNew, version)
	}
	if semver.Compare(semver.Major(version), semver.Major(SchemaVersion)) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrSchemaTooNew, version, SchemaVersion)
	}
	return nil
}
