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

// Package importer drives an archive import: it schedules pages over a
// bounded worker pool and moves each one through parsing, blob upload and a
// single database transaction.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wikiimport/internal/archive"
	"wikiimport/internal/blob"
	"wikiimport/internal/common"
	"wikiimport/internal/storage"
)

const (
	DefaultConcurrency       = 8
	DefaultUploadConcurrency = 4
)

const revisionContentType = "text/plain; charset=utf-8"

// Options configures a Coordinator.
type Options struct {
	RunID       string
	ArchiveRoot string // recorded in the run log
	Bucket      string // recorded in the run log

	// Concurrency bounds the number of pages in flight.
	Concurrency int
	// UploadConcurrency bounds concurrent uploads within one page.
	UploadConcurrency int
	// Excludes are extra gitignore-style patterns.
	Excludes []string

	Logger logrus.FieldLogger
}

// Coordinator imports one archive.
type Coordinator struct {
	fs       billy.Filesystem
	parser   *archive.Parser
	uploader *blob.Uploader
	writer   *storage.Writer
	log      logrus.FieldLogger
	opts     Options
}

// New returns a Coordinator reading the archive in fsys.
func New(fsys billy.Filesystem, uploader *blob.Uploader, writer *storage.Writer, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = DefaultUploadConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		fs:       fsys,
		parser:   archive.NewParser(fsys),
		uploader: uploader,
		writer:   writer,
		log:      log,
		opts:     opts,
	}
}

// Run imports every page of the archive. Per-page problems are reported in
// the summary; the returned error is non-nil only when the archive root is
// unreadable, the store is unusable (both fatal) or ctx was cancelled
// (common.ErrCancelled). A summary is returned whenever the run started.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	col := &collector{}
	col.s.RunID = c.opts.RunID
	col.s.StartedAt = time.Now()

	filter, err := archive.BuildPathFilter(c.fs, c.opts.Excludes)
	if err != nil {
		return nil, &common.ScanError{Root: c.opts.ArchiveRoot, Err: err}
	}
	scanner, err := archive.NewScanner(c.fs,
		archive.WithFilter(filter),
		archive.WithWarningHandler(func(w *common.ScanWarning) {
			c.log.WithField("path", w.Path).Warnf("skipping unreadable path: %v", w.Err)
			col.warn(Failure{Kind: FailureScan, Path: w.Path, Err: w.Err})
		}))
	if err != nil {
		return nil, err
	}

	if err := c.writer.StartRun(ctx, c.opts.RunID, c.opts.ArchiveRoot, c.opts.Bucket); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"run":         c.opts.RunID,
		"concurrency": c.opts.Concurrency,
	}).Info("import started")

	// Only the producer loop below touches sites.
	sites := make(map[string]*archive.SiteInfo)
	reader := archive.NewPageReader(scanner)
	reader.Sites = func(e archive.Entity) {
		info, err := c.parser.ParseSite(e.Site)
		if err != nil {
			c.log.WithField("site", e.Site).Warnf("using default site info: %v", err)
			col.warn(Failure{Kind: FailureSite, Site: e.Site, Path: archive.SiteInfoPath(e.Site), Err: err})
		}
		sites[e.Site] = info
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for gctx.Err() == nil {
		unit, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		site := sites[unit.Site]
		if site == nil {
			site = &archive.SiteInfo{Name: unit.Site, URL: archive.DefaultSiteURL(unit.Site)}
		}
		g.Go(func() error {
			o := c.importPage(gctx, site, unit)
			col.add(o)
			return o.fatal
		})
	}
	runErr := g.Wait()

	s := col.summary()
	s.Uploads = c.uploader.Stats()
	s.FinishedAt = time.Now()
	switch {
	case runErr != nil:
		s.Status = storage.RunAborted
	case ctx.Err() != nil:
		s.Status = storage.RunCancelled
	default:
		s.Status = storage.RunCompleted
	}

	if err := c.finishRun(context.WithoutCancel(ctx), s); err != nil {
		c.log.WithError(err).Error("failed to record run")
		if runErr == nil && common.IsFatal(err) {
			runErr = err
		}
	}
	s.Log(c.log)

	if runErr != nil {
		return s, runErr
	}
	if ctx.Err() != nil {
		return s, fmt.Errorf("%w: %v", common.ErrCancelled, context.Cause(ctx))
	}
	return s, nil
}

func (c *Coordinator) finishRun(ctx context.Context, s *Summary) error {
	if err := c.writer.RecordFailures(ctx, s.RunID, s.FailureRecords()); err != nil {
		return err
	}
	return c.writer.FinishRun(ctx, s.RunID, s.Status, s.Totals())
}

// pageOutcome is the result of one page worker.
type pageOutcome struct {
	site  string
	page  string
	state pageState

	upToDate    bool
	interrupted bool

	revisionsWritten   int
	attachmentsWritten int

	failures []Failure
	fatal    error
}

func (o *pageOutcome) failPage(path string, err error) *pageOutcome {
	if ferr := o.state.fail(err); ferr != nil {
		err = errors.Join(err, ferr)
	}
	o.failures = append(o.failures, Failure{Kind: FailurePage, Site: o.site, Page: o.page, Path: path, Err: err})
	return o
}

func (o *pageOutcome) failItem(kind FailureKind, path string, err error) {
	o.failures = append(o.failures, Failure{Kind: kind, Site: o.site, Page: o.page, Path: path, Err: err})
}

func (o *pageOutcome) interrupt() *pageOutcome {
	o.interrupted = true
	return o
}

// importPage moves one page through the state machine. It never returns nil.
func (c *Coordinator) importPage(ctx context.Context, site *archive.SiteInfo, unit *archive.PageUnit) *pageOutcome {
	o := &pageOutcome{site: unit.Site, page: unit.Slug}
	log := c.log.WithFields(logrus.Fields{"site": unit.Site, "page": unit.Slug})
	if ctx.Err() != nil {
		return o.interrupt()
	}

	// Discovered: skip every revision and attachment already stored.
	stored, err := c.writer.Database().Stored(ctx, unit.Site, unit.Slug)
	if err != nil {
		if ctx.Err() != nil {
			return o.interrupt()
		}
		if common.IsFatal(err) {
			o.fatal = err
		}
		return o.failPage(unit.MetaPath, err)
	}
	revs := pendingRevisions(unit.Revisions, stored)
	atts := pendingAttachments(unit.Attachments, stored)
	if stored.Seen && len(revs) == 0 && len(atts) == 0 {
		log.Debug("page up to date")
		o.upToDate = true
		return o
	}

	// Parsing
	if err := o.state.advance(Parsing); err != nil {
		return o.failPage(unit.MetaPath, err)
	}
	var meta *archive.PageMeta
	switch r := c.parser.Parse(archive.Entity{Kind: archive.KindPage, Site: unit.Site, Page: unit.Slug, Path: unit.MetaPath}, nil).(type) {
	case *archive.PageMeta:
		meta = r
	case *archive.ParseFailure:
		log.WithError(r.Err).Warn("page metadata unreadable")
		return o.failPage(unit.MetaPath, r.Err)
	default:
		return o.failPage(unit.MetaPath, fmt.Errorf("%w: unexpected record %T", common.ErrInvalidLayout, r))
	}

	var parsedRevs []*archive.RevisionMeta
	for _, e := range revs {
		switch r := c.parser.Parse(e, meta).(type) {
		case *archive.RevisionMeta:
			parsedRevs = append(parsedRevs, r)
		case *archive.ParseFailure:
			log.WithError(r.Err).Warn("skipping revision")
			o.failItem(FailureRevision, e.Path, r.Err)
		}
	}
	var parsedAtts []*archive.AttachmentMeta
	for _, e := range atts {
		switch r := c.parser.Parse(e, meta).(type) {
		case *archive.AttachmentMeta:
			parsedAtts = append(parsedAtts, r)
		case *archive.ParseFailure:
			log.WithError(r.Err).Warn("skipping attachment")
			o.failItem(FailureAttachment, e.Path, r.Err)
		}
	}
	if len(parsedRevs) == 0 && len(stored.Revisions) == 0 {
		return o.failPage(unit.MetaPath, common.ErrNoRevisions)
	}
	if len(parsedRevs)+len(parsedAtts) == 0 {
		return o.failPage(unit.MetaPath, fmt.Errorf("none of %d new records could be parsed", len(revs)+len(atts)))
	}
	if ctx.Err() != nil {
		return o.interrupt()
	}

	// Uploading
	if err := o.state.advance(Uploading); err != nil {
		return o.failPage(unit.MetaPath, err)
	}
	payloads := make([]blob.Payload, 0, len(parsedRevs)+len(parsedAtts))
	for _, r := range parsedRevs {
		payloads = append(payloads, blob.Payload{Hash: r.Hash, Path: r.Path, Size: r.Size, ContentType: revisionContentType, Open: r.Open})
	}
	for _, a := range parsedAtts {
		payloads = append(payloads, blob.Payload{Hash: a.Hash, Path: a.Path, Size: a.Size, ContentType: a.MimeType, Open: a.Open})
	}
	uploadErrs := c.uploadAll(ctx, payloads)
	if ctx.Err() != nil {
		return o.interrupt()
	}

	batch := &storage.PageBatch{
		Site:   storage.Site{Name: site.Name, URL: site.URL},
		Slug:   unit.Slug,
		Title:  meta.Title,
		WikiID: meta.WikiID,
		Tags:   meta.Tags,
	}
	committedRevs := make(map[int]bool, len(parsedRevs))
	for i, r := range parsedRevs {
		if err := uploadErrs[i]; err != nil {
			log.WithError(err).Warn("dropping revision")
			o.failItem(FailureRevision, r.Path, err)
			continue
		}
		batch.Revisions = append(batch.Revisions, storage.Revision{
			Number:    r.Number,
			Author:    r.Author,
			Timestamp: r.Timestamp,
			Comment:   r.Comment,
			Flags:     r.Flags,
			Hash:      payloads[i].Hash,
			Size:      r.Size,
		})
		committedRevs[r.Number] = true
	}
	committedAtts := make(map[string]bool, len(parsedAtts))
	for j, a := range parsedAtts {
		i := len(parsedRevs) + j
		if err := uploadErrs[i]; err != nil {
			log.WithError(err).Warn("dropping attachment")
			o.failItem(FailureAttachment, a.Path, err)
			continue
		}
		batch.Attachments = append(batch.Attachments, storage.Attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			Author:    a.Author,
			Timestamp: a.Timestamp,
			Hash:      payloads[i].Hash,
			Size:      a.Size,
		})
		committedAtts[a.Filename] = true
	}
	if len(batch.Revisions) == 0 && len(stored.Revisions) == 0 {
		return o.failPage(unit.MetaPath, common.ErrNoRevisions)
	}
	if len(batch.Revisions)+len(batch.Attachments) == 0 {
		return o.failPage(unit.MetaPath, errors.New("every new record failed to upload"))
	}
	batch.Progress = progressAfter(stored, committedRevs, committedAtts)

	// Writing runs to completion even if the run is cancelled meanwhile.
	if err := o.state.advance(Writing); err != nil {
		return o.failPage(unit.MetaPath, err)
	}
	res, err := c.writer.WritePage(context.WithoutCancel(ctx), batch)
	if err != nil {
		if common.IsFatal(err) {
			o.fatal = err
		}
		log.WithError(err).Error("page transaction failed")
		return o.failPage(unit.MetaPath, err)
	}
	if err := o.state.advance(Committed); err != nil {
		return o.failPage(unit.MetaPath, err)
	}
	o.revisionsWritten = res.RevisionsInserted
	o.attachmentsWritten = res.AttachmentsInserted
	log.WithFields(logrus.Fields{
		"revisions":   res.RevisionsInserted,
		"attachments": res.AttachmentsInserted,
		"latest":      res.LatestRevision,
	}).Info("page committed")
	return o
}

// uploadAll ensures every payload is stored. The result holds one entry per
// payload, nil on success.
func (c *Coordinator) uploadAll(ctx context.Context, payloads []blob.Payload) []error {
	errs := make([]error, len(payloads))
	var g errgroup.Group
	g.SetLimit(c.opts.UploadConcurrency)
	for i, p := range payloads {
		g.Go(func() error {
			_, errs[i] = c.uploader.Ensure(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// pendingRevisions returns the revisions not yet stored in ascending number
// order. A number missing below the stored maximum is still pending.
func pendingRevisions(entities []archive.Entity, stored storage.Stored) []archive.Entity {
	var out []archive.Entity
	for _, e := range entities {
		if !stored.HasRevision(e.Revision) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out
}

// pendingAttachments returns the attachments not yet stored in name order.
func pendingAttachments(entities []archive.Entity, stored storage.Stored) []archive.Entity {
	var out []archive.Entity
	for _, e := range entities {
		if !stored.HasAttachment(e.Name) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// progressAfter is the marker recorded once committed joins the stored rows:
// the highest revision number and the greatest filename.
func progressAfter(stored storage.Stored, committedRevs map[int]bool, committedAtts map[string]bool) storage.Progress {
	p := storage.Progress{Revision: -1}
	for n := range stored.Revisions {
		p.Revision = max(p.Revision, n)
	}
	for n := range committedRevs {
		p.Revision = max(p.Revision, n)
	}
	for name := range stored.Attachments {
		p.Attachment = max(p.Attachment, name)
	}
	for name := range committedAtts {
		p.Attachment = max(p.Attachment, name)
	}
	return p
}
