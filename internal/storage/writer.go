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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"wikiimport/internal/common"
	"wikiimport/internal/content"
	"wikiimport/internal/util"
)

// Site is the site row written with a page.
type Site struct {
	Name string
	URL  string
}

// Revision is one hash-addressed revision ready to be recorded.
type Revision struct {
	Number    int
	Author    string
	Timestamp time.Time
	Comment   string
	Flags     string
	Hash      content.Hash
	Size      int64
}

// Attachment is one hash-addressed attachment ready to be recorded.
type Attachment struct {
	Filename  string
	MimeType  string
	Author    string
	Timestamp time.Time
	Hash      content.Hash
	Size      int64
}

// Progress is the per-page import marker. Revision is the highest committed
// revision number and Attachment the greatest committed attachment filename;
// Revision is -1 when no revision is committed. It is a summary only:
// resumption compares discovered keys against the stored rows.
type Progress struct {
	Revision   int
	Attachment string
}

// PageBatch is everything a single page transaction records.
type PageBatch struct {
	Site        Site
	Slug        string
	Title       string
	WikiID      int64
	Tags        []string
	Revisions   []Revision
	Attachments []Attachment
	Progress    Progress
}

// WriteResult describes a committed page transaction.
type WriteResult struct {
	PageID              int64
	RevisionsInserted   int
	AttachmentsInserted int
	LatestRevision      int // -1 when the page has no revisions
}

// Writer records parsed pages. Transactions are serialized: at most one is
// in flight at a time.
type Writer struct {
	db  *Database
	log logrus.FieldLogger
	mu  sync.Mutex
}

// NewWriter returns a Writer over db.
func NewWriter(db *Database, log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{db: db, log: log}
}

// Database returns the underlying database.
func (w *Writer) Database() *Database {
	return w.db
}

// WritePage records b in one transaction: the site is inserted if missing,
// the page upserted, new revisions and attachments inserted in ascending
// revision order, the latest revision pointer refreshed and the progress
// marker advanced. On failure nothing is recorded and the error is either a
// *common.WriteError or, when the store itself is unusable, a
// *common.StoreError.
func (w *Writer) WritePage(ctx context.Context, b *PageBatch) (*WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := util.RetryWithResult(ctx, func() (*WriteResult, error) {
		return w.writePage(ctx, b)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		if isStoreFailure(err) {
			return nil, &common.StoreError{Op: "write page " + b.Site.Name + "/" + b.Slug, Err: err}
		}
		return nil, &common.WriteError{Site: b.Site.Name, Page: b.Slug, Err: err}
	}
	return res, nil
}

func (w *Writer) writePage(ctx context.Context, b *PageBatch) (*WriteResult, error) {
	bdb := w.db.bunDB
	now := time.Now().Unix()
	log := w.log.WithFields(logrus.Fields{"site": b.Site.Name, "page": b.Slug})

	revs := append([]Revision(nil), b.Revisions...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Number < revs[j].Number })

	res := &WriteResult{}
	err := w.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		siteID, err := bdb.EnsureSiteWith(tx, ctx, &SiteModel{Name: b.Site.Name, URL: b.Site.URL, CreatedAt: now})
		if err != nil {
			return fmt.Errorf("ensure site: %w", err)
		}
		pageID, err := bdb.UpsertPageWith(tx, ctx, &PageModel{
			SiteID:    siteID,
			Slug:      b.Slug,
			Title:     b.Title,
			WikiID:    b.WikiID,
			Tags:      strings.Join(b.Tags, " "),
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("upsert page: %w", err)
		}
		res.PageID = pageID

		stored, err := bdb.RevisionHashesWith(tx, ctx, pageID)
		if err != nil {
			return fmt.Errorf("load revisions: %w", err)
		}
		for _, r := range revs {
			if h, ok := stored[int64(r.Number)]; ok {
				if h != string(r.Hash) {
					log.WithFields(logrus.Fields{"revision": r.Number, "stored": h, "archive": r.Hash}).
						Warn("revision content differs from recorded hash, keeping recorded hash")
				}
				continue
			}
			err := bdb.InsertRevisionWith(tx, ctx, &RevisionModel{
				PageID:         pageID,
				RevisionNumber: int64(r.Number),
				Author:         r.Author,
				CreatedAt:      unixOrZero(r.Timestamp),
				Comment:        r.Comment,
				Flags:          r.Flags,
				ContentHash:    string(r.Hash),
				Size:           r.Size,
			})
			if err != nil {
				return fmt.Errorf("insert revision %d: %w", r.Number, err)
			}
			res.RevisionsInserted++
		}

		storedFiles, err := bdb.AttachmentHashesWith(tx, ctx, pageID)
		if err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
		for _, a := range b.Attachments {
			if h, ok := storedFiles[a.Filename]; ok {
				if h != string(a.Hash) {
					log.WithFields(logrus.Fields{"file": a.Filename, "stored": h, "archive": a.Hash}).
						Warn("attachment content differs from recorded hash, keeping recorded hash")
				}
				continue
			}
			err := bdb.InsertAttachmentWith(tx, ctx, &AttachmentModel{
				PageID:      pageID,
				Filename:    a.Filename,
				MimeType:    a.MimeType,
				Author:      a.Author,
				CreatedAt:   unixOrZero(a.Timestamp),
				ContentHash: string(a.Hash),
				Size:        a.Size,
			})
			if err != nil {
				return fmt.Errorf("insert attachment %s: %w", a.Filename, err)
			}
			res.AttachmentsInserted++
		}

		latest, err := bdb.RefreshLatestRevisionWith(tx, ctx, pageID)
		if err != nil {
			return fmt.Errorf("refresh latest revision: %w", err)
		}
		res.LatestRevision = int(latest)

		err = bdb.UpsertProgressWith(tx, ctx, &ImportProgressModel{
			SiteName:         b.Site.Name,
			PageSlug:         b.Slug,
			RevisionMarker:   int64(b.Progress.Revision),
			AttachmentMarker: b.Progress.Attachment,
			UpdatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// storeFailures are driver messages meaning the database itself is unusable.
var storeFailures = []string{
	"database or disk is full",
	"disk i/o error",
	"database disk image is malformed",
	"file is not a database",
	"attempt to write a readonly database",
	"unable to open database",
	"database is closed",
	"no such table",
}

func isStoreFailure(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range storeFailures {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classifyStore wraps err as a *common.StoreError when the store is unusable.
func classifyStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if isStoreFailure(err) {
		return &common.StoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- Run log ---

// RunTotals are the counters persisted with a finished run.
type RunTotals struct {
	PagesCommitted     int64
	PagesUpToDate      int64
	PagesFailed        int64
	PagesInterrupted   int64
	RevisionsWritten   int64
	AttachmentsWritten int64
	BlobsUploaded      int64
	BlobsDeduplicated  int64
	BytesUploaded      int64
}

// FailureRecord is one entry of a run's failure summary.
type FailureRecord struct {
	Kind  string
	Site  string
	Page  string
	Path  string
	Cause string
}

// StartRun records a new run in the running state.
func (w *Writer) StartRun(ctx context.Context, id, archiveRoot, bucket string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.db.bunDB.InsertRun(ctx, &ImportRunModel{
		ID:          id,
		Status:      RunRunning,
		ArchiveRoot: archiveRoot,
		Bucket:      bucket,
		StartedAt:   time.Now().Unix(),
	})
	return classifyStore("start run", err)
}

// FinishRun stores the final status and totals of a run.
func (w *Writer) FinishRun(ctx context.Context, id, status string, t RunTotals) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.db.bunDB.UpdateRun(ctx, &ImportRunModel{
		ID:                 id,
		Status:             status,
		FinishedAt:         time.Now().Unix(),
		PagesCommitted:     t.PagesCommitted,
		PagesUpToDate:      t.PagesUpToDate,
		PagesFailed:        t.PagesFailed,
		PagesInterrupted:   t.PagesInterrupted,
		RevisionsWritten:   t.RevisionsWritten,
		AttachmentsWritten: t.AttachmentsWritten,
		BlobsUploaded:      t.BlobsUploaded,
		BlobsDeduplicated:  t.BlobsDeduplicated,
		BytesUploaded:      t.BytesUploaded,
	})
	return classifyStore("finish run", err)
}

// RecordFailures appends a run's failures in one transaction.
func (w *Writer) RecordFailures(ctx context.Context, runID string, failures []FailureRecord) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([]ImportFailureModel, len(failures))
	for i, f := range failures {
		rows[i] = ImportFailureModel{
			RunID: runID,
			Kind:  f.Kind,
			Site:  f.Site,
			Page:  f.Page,
			Path:  f.Path,
			Cause: f.Cause,
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return w.db.bunDB.InsertFailuresWith(tx, ctx, rows)
	})
	return classifyStore("record failures", err)
}
