package archive

import (
	"io"
	"time"

	"wikiimport/internal/common"
	"wikiimport/internal/content"
)

// Record is the parse result for one discovered path. It is exactly one of
// *PageMeta, *RevisionMeta, *AttachmentMeta or *ParseFailure.
type Record interface {
	record()
	SourcePath() string
}

// SiteInfo describes a wiki instance.
type SiteInfo struct {
	Name string
	URL  string
}

// PageMeta is the parsed metadata file of a page.
type PageMeta struct {
	Site   string
	Slug   string
	Title  string
	WikiID int64
	Tags   []string
	Path   string

	revisions map[int]revisionMetaFile
	files     map[string]fileMetaFile
}

// Opener reopens the source file of a record.
type Opener func() (io.ReadCloser, error)

// RevisionMeta is one parsed revision. The wikitext is not held in memory;
// Hash and Size describe it and Open streams it again.
type RevisionMeta struct {
	Site      string
	Page      string
	Number    int
	Author    string
	Timestamp time.Time
	Comment   string
	Flags     string
	Path      string
	Hash      content.Hash
	Size      int64
	Open      Opener
}

// AttachmentMeta is one parsed attachment. Like RevisionMeta it carries the
// digest of its payload and an Opener instead of the bytes.
type AttachmentMeta struct {
	Site      string
	Page      string
	Filename  string
	MimeType  string
	Author    string
	Timestamp time.Time
	Path      string
	Hash      content.Hash
	Size      int64
	Open      Opener
}

// ParseFailure is a record that could not be parsed.
type ParseFailure struct {
	Kind EntityKind
	Err  *common.ParseError
}

func (*PageMeta) record()       {}
func (*RevisionMeta) record()   {}
func (*AttachmentMeta) record() {}
func (*ParseFailure) record()   {}

func (m *PageMeta) SourcePath() string       { return m.Path }
func (m *RevisionMeta) SourcePath() string   { return m.Path }
func (m *AttachmentMeta) SourcePath() string { return m.Path }
func (f *ParseFailure) SourcePath() string   { return f.Err.Path }

func (f *ParseFailure) Error() string { return f.Err.Error() }

// HasRevision reports whether the page metadata lists revision n.
func (m *PageMeta) HasRevision(n int) bool {
	_, ok := m.revisions[n]
	return ok
}

// RevisionCount is the number of revisions listed in the metadata.
func (m *PageMeta) RevisionCount() int {
	return len(m.revisions)
}
