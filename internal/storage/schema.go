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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1"

// FileType is stored in schema_info and checked on open.
const FileType = "wikiimport"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the configured busy_timeout.
const EnvBusyTimeout = "WIKIIMPORT_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout to use.
// Priority: env > configured value > default
func GetBusyTimeout(configured int) int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configured > 0 {
		return configured
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN. libsql ignores the query parameters; they
// are kept for drivers that honour them and PRAGMAs are applied after open.
func BuildDSN(path string, busyTimeout int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeout)
}

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunAborted   = "aborted"
)

const importSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sites (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id INTEGER NOT NULL REFERENCES sites(id),
    slug TEXT NOT NULL,
    title TEXT NOT NULL,
    wiki_id INTEGER NOT NULL DEFAULT 0,
    tags TEXT NOT NULL DEFAULT '',
    latest_revision INTEGER,
    updated_at INTEGER NOT NULL,
    UNIQUE (site_id, slug)
);

-- Revisions are historical facts: rows are only ever inserted.
CREATE TABLE IF NOT EXISTS revisions (
    page_id INTEGER NOT NULL REFERENCES pages(id),
    revision_number INTEGER NOT NULL CHECK (revision_number >= 0),
    author TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    comment TEXT NOT NULL,
    flags TEXT NOT NULL,
    content_hash TEXT NOT NULL CHECK (length(content_hash) = 64),
    size INTEGER NOT NULL,
    PRIMARY KEY (page_id, revision_number)
);

CREATE INDEX IF NOT EXISTS idx_revisions_hash ON revisions(content_hash);

CREATE TABLE IF NOT EXISTS attachments (
    page_id INTEGER NOT NULL REFERENCES pages(id),
    filename TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    author TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    content_hash TEXT NOT NULL CHECK (length(content_hash) = 64),
    size INTEGER NOT NULL,
    PRIMARY KEY (page_id, filename)
);

CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(content_hash);

CREATE TABLE IF NOT EXISTS import_progress (
    site_name TEXT NOT NULL,
    page_slug TEXT NOT NULL,
    revision_marker INTEGER NOT NULL,
    attachment_marker TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (site_name, page_slug)
);

CREATE TABLE IF NOT EXISTS import_runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    archive_root TEXT NOT NULL,
    bucket TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL DEFAULT 0,
    pages_committed INTEGER NOT NULL DEFAULT 0,
    pages_up_to_date INTEGER NOT NULL DEFAULT 0,
    pages_failed INTEGER NOT NULL DEFAULT 0,
    pages_interrupted INTEGER NOT NULL DEFAULT 0,
    revisions_written INTEGER NOT NULL DEFAULT 0,
    attachments_written INTEGER NOT NULL DEFAULT 0,
    blobs_uploaded INTEGER NOT NULL DEFAULT 0,
    blobs_deduplicated INTEGER NOT NULL DEFAULT 0,
    bytes_uploaded INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS import_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES import_runs(id),
    kind TEXT NOT NULL,
    site TEXT NOT NULL,
    page TEXT NOT NULL,
    path TEXT NOT NULL,
    cause TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_failures_run ON import_failures(run_id);
`

const initSchemaInfo = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	argIdx := 0
	for _, stmt := range splitStatements(sqlScript) {
		placeholders := strings.Count(stmt, "?")
		if argIdx+placeholders > len(args) {
			return fmt.Errorf("statement needs %d more arguments: %s", placeholders, stmt)
		}
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
