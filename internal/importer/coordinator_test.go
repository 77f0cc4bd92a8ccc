package importer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wikiimport/internal/archive"
	"wikiimport/internal/archive/archivetest"
	"wikiimport/internal/blob"
	"wikiimport/internal/common"
	"wikiimport/internal/content"
	"wikiimport/internal/storage"
	"wikiimport/internal/util"
)

type harness struct {
	t       *testing.T
	archive *archivetest.Builder
	fs      billy.Filesystem
	store   *blob.MemoryStore
	db      *storage.Database
	log     *logrus.Logger
}

func newHarness(t *testing.T, b *archivetest.Builder) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "import.db"), storage.Options{BusyTimeout: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return &harness{t: t, archive: b, fs: b.FS(), store: blob.NewMemoryStore(), db: db, log: log}
}

// run performs one import with a fresh uploader, as a new process would.
func (h *harness) run(ctx context.Context, mutate ...func(*Options)) (*Summary, error) {
	uploader := blob.NewUploader(h.store,
		blob.WithBackoff(util.BackoffPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		blob.WithLogger(h.log))
	opts := Options{
		RunID:             uuid.NewString(),
		ArchiveRoot:       "/archive",
		Bucket:            "test-bucket",
		Concurrency:       4,
		UploadConcurrency: 4,
		Logger:            h.log,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := New(h.fs, uploader, storage.NewWriter(h.db, h.log), opts)
	return c.Run(ctx)
}

func (h *harness) mustRun(mutate ...func(*Options)) *Summary {
	h.t.Helper()
	s, err := h.run(context.Background(), mutate...)
	require.NoError(h.t, err)
	require.NotNil(h.t, s)
	return s
}

func (h *harness) counts() storage.Counts {
	h.t.Helper()
	c, err := h.db.Counts(context.Background())
	require.NoError(h.t, err)
	return c
}

func (h *harness) latest(site, slug string) int64 {
	h.t.Helper()
	page, err := h.db.BunDB().GetPage(context.Background(), site, slug)
	require.NoError(h.t, err)
	require.NotNil(h.t, page.LatestRevision)
	return *page.LatestRevision
}

func keyOf(data string) string {
	return content.ObjectKey("", content.HashBytes([]byte(data)))
}

func serial(o *Options) { o.Concurrency = 1 }

func TestExampleArchive(t *testing.T) {
	b, home := archivetest.Example()
	h := newHarness(t, b)

	s := h.mustRun()
	assert.Equal(t, storage.RunCompleted, s.Status)
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Equal(t, int64(2), s.RevisionsWritten)
	assert.Equal(t, int64(1), s.AttachmentsWritten)
	assert.Empty(t, s.Failures)

	assert.Equal(t, storage.Counts{Sites: 1, Pages: 1, Revisions: 2, Attachments: 1}, h.counts())
	assert.Equal(t, 3, h.store.Len())
	for _, k := range []string{keyOf(home.Revisions[0].Text), keyOf(home.Revisions[1].Text), keyOf(string(home.Files[0].Data))} {
		_, ok := h.store.Get(k)
		assert.True(t, ok, "object %s should be stored", k)
	}
	assert.Equal(t, "image/png", h.store.ContentType(keyOf(string(home.Files[0].Data))))
	assert.Equal(t, int64(2), h.latest("example", "home"))

	site, err := h.db.BunDB().GetSite(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, "https://example.wikidot.com", site.URL)

	run, err := h.db.BunDB().GetRun(context.Background(), s.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, int64(1), run.PagesCommitted)
	assert.Equal(t, int64(3), run.BlobsUploaded)
}

func TestRerunIsIdempotent(t *testing.T) {
	b, _ := archivetest.Example()
	b.Page("example", "about", archivetest.Page{
		Title:     "About",
		Revisions: []archivetest.Revision{{Number: 1, Text: "about us"}},
	})
	h := newHarness(t, b)

	h.mustRun()
	before := h.counts()
	puts := h.store.Puts()

	s := h.mustRun()
	assert.Equal(t, before, h.counts(), "second run must add no rows")
	assert.Equal(t, puts, h.store.Puts(), "second run must upload nothing")
	assert.Zero(t, s.PagesCommitted)
	assert.Equal(t, int64(2), s.PagesUpToDate)
	assert.Zero(t, s.Uploads.Uploaded)
	assert.Zero(t, s.RevisionsWritten)
}

func TestIdenticalAttachmentsShareOneObject(t *testing.T) {
	logo := []byte("same bytes everywhere")
	b := archivetest.New().
		Page("example", "a", archivetest.Page{
			Revisions: []archivetest.Revision{{Number: 1, Text: "page a"}},
			Files:     []archivetest.File{{Name: "logo.png", Data: logo}},
		}).
		Page("example", "b", archivetest.Page{
			Revisions: []archivetest.Revision{{Number: 1, Text: "page b"}},
			Files:     []archivetest.File{{Name: "copy.png", Data: logo}},
		})
	h := newHarness(t, b)

	s := h.mustRun()
	assert.Equal(t, 2, h.counts().Attachments)
	assert.Equal(t, 3, h.store.Len(), "two revisions plus one shared attachment")
	assert.Equal(t, int64(3), s.Uploads.Uploaded)
	assert.Equal(t, int64(1), s.Uploads.Deduplicated)

	for _, slug := range []string{"a", "b"} {
		page, err := h.db.BunDB().GetPage(context.Background(), "example", slug)
		require.NoError(t, err)
		atts, err := h.db.BunDB().ListAttachments(context.Background(), page.ID)
		require.NoError(t, err)
		require.Len(t, atts, 1)
		assert.Equal(t, string(content.HashBytes(logo)), atts[0].ContentHash)
	}
}

func TestAttachmentUploadFailureStillCommitsPage(t *testing.T) {
	g := gomega.NewWithT(t)
	b, home := archivetest.Example()
	h := newHarness(t, b)
	logoKey := keyOf(string(home.Files[0].Data))
	h.store.FailPut = func(key string, attempt int) error {
		if key == logoKey {
			return fmt.Errorf("%w: 503 slow down", blob.ErrTransient)
		}
		return nil
	}

	s := h.mustRun()
	g.Expect(s.PagesCommitted).To(gomega.Equal(int64(1)))
	g.Expect(s.PagesFailed).To(gomega.BeZero())
	g.Expect(s.Failures).To(gomega.ConsistOf(gomega.And(
		gomega.HaveField("Kind", FailureAttachment),
		gomega.HaveField("Path", "example/files/home/logo.png"),
	)))
	g.Expect(s.Failures[0].Err).To(gomega.MatchError(gomega.ContainSubstring("slow down")))
	g.Expect(h.counts()).To(gomega.Equal(storage.Counts{Sites: 1, Pages: 1, Revisions: 2, Attachments: 0}))

	stored, err := h.db.BunDB().ListFailures(context.Background(), s.RunID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(stored).To(gomega.HaveLen(1))
	g.Expect(stored[0].Path).To(gomega.Equal("example/files/home/logo.png"))

	// The attachment is retried on the next run once the store recovers.
	h.store.FailPut = nil
	s = h.mustRun()
	g.Expect(s.AttachmentsWritten).To(gomega.Equal(int64(1)))
	g.Expect(s.Failures).To(gomega.BeEmpty())
	g.Expect(h.counts().Attachments).To(gomega.Equal(1))
}

func TestRevisionUploadFailureDropsRevision(t *testing.T) {
	b, home := archivetest.Example()
	h := newHarness(t, b)
	badKey := keyOf(home.Revisions[1].Text)
	h.store.FailPut = func(key string, attempt int) error {
		if key == badKey {
			return blob.ErrTransient
		}
		return nil
	}

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, FailureRevision, s.Failures[0].Kind)
	assert.Equal(t, "example/pages/home/2.txt", s.Failures[0].Path)
	assert.Equal(t, 1, h.counts().Revisions)
	assert.Equal(t, int64(1), h.latest("example", "home"))

	p, ok, err := h.db.Progress(context.Background(), "example", "home")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, p.Revision, "the dropped revision is not recorded")

	h.store.FailPut = nil
	h.mustRun()
	assert.Equal(t, 2, h.counts().Revisions)
	assert.Equal(t, int64(2), h.latest("example", "home"))
}

func TestAllUploadsFailedFailsNewPage(t *testing.T) {
	b := archivetest.New().Page("example", "solo", archivetest.Page{
		Revisions: []archivetest.Revision{{Number: 1, Text: "only revision"}},
	})
	h := newHarness(t, b)
	h.store.FailPut = func(string, int) error { return blob.ErrTransient }

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesFailed)
	assert.Equal(t, storage.Counts{}, h.counts())

	var kinds []FailureKind
	for _, f := range s.Failures {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []FailureKind{FailureRevision, FailurePage}, kinds)
}

func TestLatestRevisionAfterConcurrentUploads(t *testing.T) {
	page := archivetest.Page{Title: "Busy"}
	for i := 1; i <= 12; i++ {
		page.Revisions = append(page.Revisions, archivetest.Revision{Number: i, Text: fmt.Sprintf("revision %d", i)})
	}
	h := newHarness(t, archivetest.New().Page("example", "busy", page))

	h.mustRun(func(o *Options) { o.UploadConcurrency = 8 })
	assert.Equal(t, int64(12), h.latest("example", "busy"))

	page2, err := h.db.BunDB().GetPage(context.Background(), "example", "busy")
	require.NoError(t, err)
	revs, err := h.db.BunDB().ListRevisions(context.Background(), page2.ID)
	require.NoError(t, err)
	require.Len(t, revs, 12)
	for i, r := range revs {
		assert.Equal(t, int64(i+1), r.RevisionNumber)
	}
}

func TestParseFailuresAreIsolated(t *testing.T) {
	b := archivetest.New().
		Page("example", "good", archivetest.Page{
			Revisions: []archivetest.Revision{
				{Number: 1, Text: "fine"},
				{Number: 2, Text: "orphan", NoMeta: true},
				{Number: 3, Text: "also fine"},
			},
		}).
		Page("example", "empty", archivetest.Page{
			Revisions: []archivetest.Revision{{Number: 1, Text: "orphan", NoMeta: true}},
		}).
		WriteFile("example/meta/pages/broken.json", []byte("{not json"))
	h := newHarness(t, b)

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Equal(t, int64(2), s.PagesFailed)
	assert.Equal(t, 2, h.counts().Revisions)
	assert.Equal(t, int64(3), h.latest("example", "good"))

	byPath := map[string]Failure{}
	for _, f := range s.Failures {
		byPath[f.Path] = f
	}
	require.Contains(t, byPath, "example/pages/good/2.txt")
	assert.Equal(t, FailureRevision, byPath["example/pages/good/2.txt"].Kind)
	require.Contains(t, byPath, "example/meta/pages/empty.json")
	assert.ErrorIs(t, byPath["example/meta/pages/empty.json"].Err, common.ErrNoRevisions)
	require.Contains(t, byPath, "example/meta/pages/broken.json")
	assert.ErrorIs(t, byPath["example/meta/pages/broken.json"].Err, common.ErrMalformed)

	p, ok, err := h.db.Progress(context.Background(), "example", "good")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, p.Revision, "marker records the highest committed revision")

	// Revision 2 is still pending on the next run.
	s = h.mustRun()
	assert.Zero(t, s.PagesUpToDate)
	assert.Zero(t, s.PagesCommitted)
	var paths []string
	for _, f := range s.Failures {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "example/pages/good/2.txt")
	assert.Equal(t, 2, h.counts().Revisions)
}

func TestIncrementalRerunImportsOnlyNewContent(t *testing.T) {
	b, home := archivetest.Example()
	h := newHarness(t, b)
	h.mustRun()
	puts := h.store.Puts()

	b.AddRevision("example", "home", &home, archivetest.Revision{Number: 3, Author: "carol", Text: "third"})
	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Equal(t, int64(1), s.RevisionsWritten)
	assert.Zero(t, s.AttachmentsWritten)
	assert.Equal(t, puts+1, h.store.Puts(), "only the new revision is uploaded")
	assert.Equal(t, int64(3), h.latest("example", "home"))
}

func resumeArchive() *archivetest.Builder {
	b := archivetest.New()
	for _, slug := range []string{"a", "b", "c"} {
		b.Page("example", slug, archivetest.Page{
			Revisions: []archivetest.Revision{
				{Number: 1, Text: slug + " one"},
				{Number: 2, Text: slug + " two"},
			},
		})
	}
	return b
}

func TestCancelledRunResumes(t *testing.T) {
	h := newHarness(t, resumeArchive())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trigger := keyOf("b one")
	h.store.FailPut = func(key string, attempt int) error {
		if key == trigger {
			cancel()
		}
		return nil
	}

	s, err := h.run(ctx, serial)
	require.ErrorIs(t, err, common.ErrCancelled)
	require.NotNil(t, s)
	assert.Equal(t, storage.RunCancelled, s.Status)
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.GreaterOrEqual(t, s.PagesInterrupted, int64(1))

	_, ok, err := h.db.Progress(context.Background(), "example", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = h.db.Progress(context.Background(), "example", "b")
	require.NoError(t, err)
	assert.False(t, ok, "interrupted page must not record progress")

	h.store.FailPut = nil
	s = h.mustRun(serial)
	assert.Equal(t, int64(1), s.PagesUpToDate)
	assert.Equal(t, int64(2), s.PagesCommitted)

	fresh := newHarness(t, resumeArchive())
	fresh.mustRun(serial)
	assert.Equal(t, fresh.counts(), h.counts(), "resumed run must match an uninterrupted one")
	assert.Equal(t, fresh.store.Keys(), h.store.Keys())
}

func TestStoreErrorAbortsRun(t *testing.T) {
	h := newHarness(t, resumeArchive())
	var once sync.Once
	h.store.FailPut = func(key string, attempt int) error {
		once.Do(func() { h.db.Close() })
		return nil
	}

	s, err := h.run(context.Background(), serial)
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	var storeErr *common.StoreError
	assert.ErrorAs(t, err, &storeErr)
	require.NotNil(t, s)
	assert.Equal(t, storage.RunAborted, s.Status)
	assert.Zero(t, s.PagesCommitted)
}

func TestMissingRootIsFatal(t *testing.T) {
	missing := osfs.New(filepath.Join(t.TempDir(), "does-not-exist"))
	h := newHarness(t, archivetest.NewOn(missing))

	s, err := h.run(context.Background())
	assert.Nil(t, s)
	var scanErr *common.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.True(t, common.IsFatal(err))
}

func TestExcludedPagesAreSkipped(t *testing.T) {
	b, _ := archivetest.Example()
	b.Page("example", "secret", archivetest.Page{Revisions: []archivetest.Revision{{Number: 1, Text: "hidden"}}})
	b.WriteFile(".importignore", []byte("# drafts\nexample/meta/pages/secret.json\n"))
	h := newHarness(t, b)

	s := h.mustRun(func(o *Options) { o.Excludes = []string{"*.bak"} })
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Equal(t, 1, h.counts().Pages)
}

func TestSiteInfoIsUsed(t *testing.T) {
	b, _ := archivetest.Example()
	b.Site("example", "https://wiki.example.org/")
	h := newHarness(t, b)

	h.mustRun()
	site, err := h.db.BunDB().GetSite(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, "https://wiki.example.org", site.URL)
}

func TestBadSiteInfoIsWarning(t *testing.T) {
	b, _ := archivetest.Example()
	b.WriteFile("example/site.json", []byte("{"))
	h := newHarness(t, b)

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	require.Len(t, s.Warnings, 1)
	assert.Equal(t, FailureSite, s.Warnings[0].Kind)
	assert.Equal(t, "example/site.json", s.Warnings[0].Path)
}

func TestAttachmentSortingBeforeStoredOneIsImported(t *testing.T) {
	b, home := archivetest.Example()
	h := newHarness(t, b)
	h.mustRun()

	home.Files = append(home.Files, archivetest.File{Name: "banner.png", Data: []byte("banner bytes"), Mime: "image/png"})
	b.Page("example", "home", home)
	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Zero(t, s.PagesUpToDate)
	assert.Equal(t, int64(1), s.AttachmentsWritten)
	assert.Zero(t, s.RevisionsWritten)
	assert.Equal(t, 2, h.counts().Attachments)
	_, ok := h.store.Get(keyOf("banner bytes"))
	assert.True(t, ok)

	p, ok, err := h.db.Progress(context.Background(), "example", "home")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.Progress{Revision: 2, Attachment: "logo.png"}, p)

	s = h.mustRun()
	assert.Equal(t, int64(1), s.PagesUpToDate)
}

func TestRevisionFillingGapIsImported(t *testing.T) {
	page := archivetest.Page{
		Title: "Gappy",
		Revisions: []archivetest.Revision{
			{Number: 1, Text: "first"},
			{Number: 3, Text: "third"},
		},
	}
	b := archivetest.New().Page("example", "gappy", page)
	h := newHarness(t, b)
	h.mustRun()
	require.Equal(t, 2, h.counts().Revisions)
	require.Equal(t, int64(3), h.latest("example", "gappy"))

	b.AddRevision("example", "gappy", &page, archivetest.Revision{Number: 2, Text: "second"})
	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	assert.Equal(t, int64(1), s.RevisionsWritten)
	assert.Equal(t, 3, h.counts().Revisions)
	assert.Equal(t, int64(3), h.latest("example", "gappy"), "an older revision does not move latest")

	p, ok, err := h.db.Progress(context.Background(), "example", "gappy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, p.Revision)
}

func TestUnreadableAttachmentIsItemFailure(t *testing.T) {
	const logo = "example/files/home/logo.png"
	b, home := archivetest.Example()
	h := newHarness(t, b)
	faulty := archivetest.Faulty(b.FS())
	faulty.FailRead = func(name string, n int) bool { return name == logo }
	h.fs = faulty

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	require.Len(t, s.Failures, 1)
	f := s.Failures[0]
	assert.Equal(t, FailureAttachment, f.Kind)
	assert.Equal(t, logo, f.Path)
	assert.ErrorIs(t, f.Err, common.ErrIO)
	assert.ErrorIs(t, f.Err, archivetest.ErrInjected)
	var ioErr *common.IOError
	require.ErrorAs(t, f.Err, &ioErr)
	assert.Equal(t, logo, ioErr.Path)
	assert.Equal(t, storage.Counts{Sites: 1, Pages: 1, Revisions: 2, Attachments: 0}, h.counts())

	faulty.FailRead = nil
	s = h.mustRun()
	assert.Equal(t, int64(1), s.AttachmentsWritten)
	_, ok := h.store.Get(keyOf(string(home.Files[0].Data)))
	assert.True(t, ok)
}

func TestAttachmentStreamFailureDuringUpload(t *testing.T) {
	const logo = "example/files/home/logo.png"
	b, home := archivetest.Example()
	h := newHarness(t, b)
	faulty := archivetest.Faulty(b.FS())
	// The first open hashes the file; the second streams it to the store.
	faulty.FailRead = func(name string, n int) bool { return name == logo && n == 2 }
	h.fs = faulty

	s := h.mustRun()
	assert.Equal(t, int64(1), s.PagesCommitted)
	require.Len(t, s.Failures, 1)
	f := s.Failures[0]
	assert.Equal(t, FailureAttachment, f.Kind)
	assert.Equal(t, logo, f.Path)
	var ioErr *common.IOError
	require.ErrorAs(t, f.Err, &ioErr)
	assert.ErrorIs(t, f.Err, archivetest.ErrInjected)
	assert.Equal(t, 2, faulty.Opens(logo), "an unreadable source is not retried")

	_, ok := h.store.Get(keyOf(string(home.Files[0].Data)))
	assert.False(t, ok)
	assert.Equal(t, 2, h.counts().Revisions)
	assert.Zero(t, h.counts().Attachments)
}

func TestPendingItems(t *testing.T) {
	stored := storage.Stored{
		Revisions:   map[int]struct{}{1: {}, 3: {}},
		Attachments: map[string]struct{}{"b.png": {}},
	}

	revs := []archive.Entity{{Revision: 10}, {Revision: 3}, {Revision: 2}, {Revision: 1}}
	pending := pendingRevisions(revs, stored)
	require.Len(t, pending, 2)
	assert.Equal(t, 2, pending[0].Revision, "a gap below the stored maximum is pending")
	assert.Equal(t, 10, pending[1].Revision)

	atts := []archive.Entity{{Name: "c.png"}, {Name: "b.png"}, {Name: "a.png"}}
	pendingAtts := pendingAttachments(atts, stored)
	require.Len(t, pendingAtts, 2)
	assert.Equal(t, "a.png", pendingAtts[0].Name, "names before a stored one are pending")
	assert.Equal(t, "c.png", pendingAtts[1].Name)

	assert.Equal(t, storage.Progress{Revision: 10, Attachment: "b.png"},
		progressAfter(stored, map[int]bool{2: true, 10: true}, map[string]bool{"a.png": true}))
	assert.Equal(t, storage.Progress{Revision: -1}, progressAfter(storage.Stored{}, nil, nil))
}
