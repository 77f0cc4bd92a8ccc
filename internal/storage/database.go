// Copyright 2026 WikiImport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"wikiimport/internal/common"
)

// Options configures Open.
type Options struct {
	// BusyTimeout in milliseconds; 0 uses the env override or the default.
	BusyTimeout int
	// Logger receives maintenance warnings; nil uses the standard logger.
	Logger logrus.FieldLogger
}

// Database is the SQLite import index.
type Database struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	log   logrus.FieldLogger
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout first so journal_mode=WAL waits for exclusive access
	// instead of failing with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// Open opens the import database at path, creating it and its schema when
// missing. An existing file must carry the wikiimport schema.
func Open(path string, opts Options) (*Database, error) {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	busyTimeout := GetBusyTimeout(opts.BusyTimeout)
	db, err := sql.Open("libsql", BuildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force and
	// matches the single-writer model.
	db.SetMaxOpenConns(1)

	fail := func(err error) (*Database, error) {
		db.Close()
		if created {
			os.Remove(path)
		}
		return nil, err
	}

	if err := applyPragmas(db, busyTimeout); err != nil {
		return fail(err)
	}
	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, importSchema); err != nil {
		return fail(fmt.Errorf("failed to create schema: %w", err))
	}
	if err := execStatements(db, initSchemaInfo, SchemaVersion, FileType); err != nil {
		return fail(fmt.Errorf("failed to initialize schema info: %w", err))
	}

	bunDB := NewBunDB(db)
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		return fail(fmt.Errorf("failed to read schema info: %w", err))
	}
	if fileType != FileType {
		return fail(fmt.Errorf("not a %s database (type=%s)", FileType, fileType))
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Database{path: path, db: db, bunDB: bunDB, log: logger}, nil
}

// Close checkpoints the WAL into the main database and closes the connection.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	rows, err := d.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		d.log.WithError(err).Warn("WAL checkpoint failed")
	} else {
		rows.Close()
	}
	err = d.db.Close()
	d.db = nil
	if err != nil {
		return err
	}
	os.Remove(d.path + "-wal") // may not exist
	os.Remove(d.path + "-shm")
	return nil
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.path
}

// BunDB returns the query layer.
func (d *Database) BunDB() *BunDB {
	return d.bunDB
}

// RunInTx wraps the given function in a single SQLite transaction.
func (d *Database) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.bunDB.RunInTx(ctx, nil, fn)
}

// Progress returns the recorded marker for a page. ok is false when the page
// has never been committed.
func (d *Database) Progress(ctx context.Context, site, slug string) (p Progress, ok bool, err error) {
	m, err := d.bunDB.GetProgress(ctx, site, slug)
	if err == nil {
		return Progress{Revision: int(m.RevisionMarker), Attachment: m.AttachmentMarker}, true, nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return Progress{}, false, nil
	}
	return Progress{}, false, classifyStore("read progress", err)
}

// Stored is what a page already holds: the recorded marker and the natural
// keys of its committed revisions and attachments.
type Stored struct {
	Progress    Progress
	Seen        bool
	Revisions   map[int]struct{}
	Attachments map[string]struct{}
}

// HasRevision reports whether revision n is committed.
func (s Stored) HasRevision(n int) bool {
	_, ok := s.Revisions[n]
	return ok
}

// HasAttachment reports whether filename is committed.
func (s Stored) HasAttachment(filename string) bool {
	_, ok := s.Attachments[filename]
	return ok
}

// Stored loads the committed keys of a page. An unknown page yields an empty
// Stored with Seen false.
func (d *Database) Stored(ctx context.Context, site, slug string) (Stored, error) {
	st := Stored{Revisions: map[int]struct{}{}, Attachments: map[string]struct{}{}}
	p, ok, err := d.Progress(ctx, site, slug)
	if err != nil {
		return st, err
	}
	st.Progress, st.Seen = p, ok

	page, err := d.bunDB.GetPage(ctx, site, slug)
	if errors.Is(err, common.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, classifyStore("read page", err)
	}
	revs, err := d.bunDB.RevisionHashesWith(d.bunDB.DB, ctx, page.ID)
	if err != nil {
		return st, classifyStore("read revisions", err)
	}
	for n := range revs {
		st.Revisions[int(n)] = struct{}{}
	}
	atts, err := d.bunDB.AttachmentHashesWith(d.bunDB.DB, ctx, page.ID)
	if err != nil {
		return st, classifyStore("read attachments", err)
	}
	for name := range atts {
		st.Attachments[name] = struct{}{}
	}
	return st, nil
}

// Counts reports table cardinalities.
type Counts struct {
	Sites       int
	Pages       int
	Revisions   int
	Attachments int
}

// Counts returns the number of rows in each content table.
func (d *Database) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Sites, err = d.bunDB.NewSelect().Model((*SiteModel)(nil)).Count(ctx); err != nil {
		return c, err
	}
	if c.Pages, err = d.bunDB.NewSelect().Model((*PageModel)(nil)).Count(ctx); err != nil {
		return c, err
	}
	if c.Revisions, err = d.bunDB.NewSelect().Model((*RevisionModel)(nil)).Count(ctx); err != nil {
		return c, err
	}
	if c.Attachments, err = d.bunDB.NewSelect().Model((*AttachmentModel)(nil)).Count(ctx); err != nil {
		return c, err
	}
	return c, nil
}
