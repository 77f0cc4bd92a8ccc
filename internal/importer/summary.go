package importer

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wikiimport/internal/blob"
	"wikiimport/internal/storage"
)

// FailureKind names what a Failure is about.
type FailureKind string

const (
	FailurePage       FailureKind = "page"
	FailureRevision   FailureKind = "revision"
	FailureAttachment FailureKind = "attachment"
	FailureSite       FailureKind = "site"
	FailureScan       FailureKind = "scan"
)

// Failure is one entry of the end-of-run report.
type Failure struct {
	Kind FailureKind
	Site string
	Page string
	Path string
	Err  error
}

// Cause returns the failure message.
func (f Failure) Cause() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time

	PagesCommitted     int64
	PagesUpToDate      int64
	PagesFailed        int64
	PagesInterrupted   int64
	RevisionsWritten   int64
	AttachmentsWritten int64

	Uploads blob.Stats

	// Failures are failed pages and failed items within committed pages.
	Failures []Failure
	// Warnings are skipped subtrees and unreadable site descriptions.
	Warnings []Failure
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Totals converts the summary to the persisted run counters.
func (s *Summary) Totals() storage.RunTotals {
	return storage.RunTotals{
		PagesCommitted:     s.PagesCommitted,
		PagesUpToDate:      s.PagesUpToDate,
		PagesFailed:        s.PagesFailed,
		PagesInterrupted:   s.PagesInterrupted,
		RevisionsWritten:   s.RevisionsWritten,
		AttachmentsWritten: s.AttachmentsWritten,
		BlobsUploaded:      s.Uploads.Uploaded,
		BlobsDeduplicated:  s.Uploads.Deduplicated,
		BytesUploaded:      s.Uploads.BytesUploaded,
	}
}

// FailureRecords converts the failures for the run log.
func (s *Summary) FailureRecords() []storage.FailureRecord {
	out := make([]storage.FailureRecord, 0, len(s.Failures))
	for _, f := range s.Failures {
		out = append(out, storage.FailureRecord{
			Kind:  string(f.Kind),
			Site:  f.Site,
			Page:  f.Page,
			Path:  f.Path,
			Cause: f.Cause(),
		})
	}
	return out
}

// Log writes the summary and every failure to log.
func (s *Summary) Log(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"run":         s.RunID,
		"status":      s.Status,
		"committed":   s.PagesCommitted,
		"up_to_date":  s.PagesUpToDate,
		"failed":      s.PagesFailed,
		"interrupted": s.PagesInterrupted,
		"revisions":   s.RevisionsWritten,
		"attachments": s.AttachmentsWritten,
		"uploaded":    s.Uploads.Uploaded,
		"dedup":       s.Uploads.Deduplicated,
		"bytes":       s.Uploads.BytesUploaded,
		"duration":    s.Duration().Round(time.Millisecond),
	}).Info("import finished")
	for _, w := range s.Warnings {
		log.WithField("path", w.Path).Warnf("%s warning: %s", w.Kind, w.Cause())
	}
	for _, f := range s.Failures {
		log.WithField("path", f.Path).Errorf("%s failed: %s", f.Kind, f.Cause())
	}
}

// collector accumulates results from concurrent page workers.
type collector struct {
	mu sync.Mutex
	s  Summary
}

func (c *collector) warn(f Failure) {
	c.mu.Lock()
	c.s.Warnings = append(c.s.Warnings, f)
	c.mu.Unlock()
}

func (c *collector) add(o *pageOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case o.interrupted:
		c.s.PagesInterrupted++
	case o.upToDate:
		c.s.PagesUpToDate++
	case o.state.state == Committed:
		c.s.PagesCommitted++
	case o.state.state == Failed:
		c.s.PagesFailed++
	}
	c.s.RevisionsWritten += int64(o.revisionsWritten)
	c.s.AttachmentsWritten += int64(o.attachmentsWritten)
	c.s.Failures = append(c.s.Failures, o.failures...)
}

// summary returns the collected summary with failures in path order.
func (c *collector) summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.Failures = sortedFailures(c.s.Failures)
	s.Warnings = sortedFailures(c.s.Warnings)
	return &s
}

func sortedFailures(in []Failure) []Failure {
	out := append([]Failure(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
