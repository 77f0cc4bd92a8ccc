package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"wikiimport/internal/common"
	"wikiimport/internal/content"
)

// sniffLength is how much of an attachment is kept for MIME detection.
const sniffLength = 3072

// On-disk metadata shapes.

type siteInfoFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type pageMetaFile struct {
	Name      string             `json:"name"`
	Title     string             `json:"title"`
	PageID    int64              `json:"page_id"`
	Tags      []string           `json:"tags"`
	Revisions []revisionMetaFile `json:"revisions"`
	Files     []fileMetaFile     `json:"files"`
}

type revisionMetaFile struct {
	Revision   *int   `json:"revision"`
	Author     string `json:"author"`
	Stamp      int64  `json:"stamp"`
	Commentary string `json:"commentary"`
	Flags      string `json:"flags"`
}

type fileMetaFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Mime   string `json:"mime"`
	Author string `json:"author"`
	Stamp  int64  `json:"stamp"`
}

// Parser turns discovered entities into typed records.
type Parser struct {
	fs billy.Filesystem
}

// NewParser returns a Parser reading from fsys.
func NewParser(fsys billy.Filesystem) *Parser {
	return &Parser{fs: fsys}
}

func failure(kind EntityKind, path string, cause error) *ParseFailure {
	return &ParseFailure{Kind: kind, Err: &common.ParseError{Path: path, Cause: cause}}
}

// ParseSite reads the optional site.json. Defaults are always returned; the
// error is non-nil only when a present file is unreadable or malformed.
func (p *Parser) ParseSite(site string) (*SiteInfo, error) {
	info := &SiteInfo{Name: site, URL: DefaultSiteURL(site)}
	path := SiteInfoPath(site)
	data, err := util.ReadFile(p.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, &common.ParseError{Path: path, Cause: err}
	}
	var f siteInfoFile
	if err := json.Unmarshal(data, &f); err != nil {
		return info, &common.ParseError{Path: path, Cause: fmt.Errorf("%w: %v", common.ErrMalformed, err)}
	}
	if f.URL != "" {
		info.URL = strings.TrimRight(f.URL, "/")
	}
	return info, nil
}

// Parse parses one entity. page must be the parsed metadata of the owning
// page for revisions and attachments, and is ignored for pages.
func (p *Parser) Parse(e Entity, page *PageMeta) Record {
	switch e.Kind {
	case KindPage:
		return p.parsePage(e)
	case KindRevision:
		if page == nil {
			return failure(e.Kind, e.Path, fmt.Errorf("%w: revision without page metadata", common.ErrMalformed))
		}
		return p.parseRevision(e, page)
	case KindAttachment:
		if page == nil {
			return failure(e.Kind, e.Path, fmt.Errorf("%w: attachment without page metadata", common.ErrMalformed))
		}
		return p.parseAttachment(e, page)
	default:
		return failure(e.Kind, e.Path, fmt.Errorf("%w: cannot parse %s entity", common.ErrInvalidLayout, e.Kind))
	}
}

func (p *Parser) parsePage(e Entity) Record {
	data, err := util.ReadFile(p.fs, e.Path)
	if err != nil {
		return failure(e.Kind, e.Path, err)
	}
	if !utf8.Valid(data) {
		return failure(e.Kind, e.Path, common.ErrEncoding)
	}

	var f pageMetaFile
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return failure(e.Kind, e.Path, fmt.Errorf("%w: %v", common.ErrMalformed, err))
	}
	if f.Name != "" && f.Name != e.Page {
		return failure(e.Kind, e.Path, fmt.Errorf("%w: name %q does not match file name", common.ErrMalformed, f.Name))
	}

	meta := &PageMeta{
		Site:      e.Site,
		Slug:      e.Page,
		Title:     norm.NFC.String(strings.TrimSpace(f.Title)),
		WikiID:    f.PageID,
		Tags:      f.Tags,
		Path:      e.Path,
		revisions: make(map[int]revisionMetaFile, len(f.Revisions)),
		files:     make(map[string]fileMetaFile, len(f.Files)),
	}
	if meta.Title == "" {
		meta.Title = e.Page
	}
	for i, rev := range f.Revisions {
		if rev.Revision == nil || *rev.Revision < 0 {
			return failure(e.Kind, e.Path, fmt.Errorf("%w: revisions[%d] has no valid revision number", common.ErrMalformed, i))
		}
		if _, dup := meta.revisions[*rev.Revision]; dup {
			return failure(e.Kind, e.Path, fmt.Errorf("%w: duplicate revision %d", common.ErrMalformed, *rev.Revision))
		}
		meta.revisions[*rev.Revision] = rev
	}
	for _, file := range f.Files {
		if file.Name != "" {
			meta.files[file.Name] = file
		}
	}
	return meta
}

func (p *Parser) parseRevision(e Entity, page *PageMeta) Record {
	rev, ok := page.revisions[e.Revision]
	if !ok {
		return failure(e.Kind, e.Path, fmt.Errorf("%w: no metadata for revision %d", common.ErrMalformed, e.Revision))
	}
	f, err := p.fs.Open(e.Path)
	if err != nil {
		return failure(e.Kind, e.Path, &common.IOError{Path: e.Path, Err: err})
	}
	defer f.Close()

	hash, size, err := content.HashReader(transform.NewReader(f, encoding.UTF8Validator))
	if errors.Is(err, encoding.ErrInvalidUTF8) {
		return failure(e.Kind, e.Path, common.ErrEncoding)
	}
	if err != nil {
		return failure(e.Kind, e.Path, withPath(err, e.Path))
	}
	return &RevisionMeta{
		Site:      e.Site,
		Page:      e.Page,
		Number:    e.Revision,
		Author:    rev.Author,
		Timestamp: unixTime(rev.Stamp),
		Comment:   rev.Commentary,
		Flags:     rev.Flags,
		Path:      e.Path,
		Hash:      hash,
		Size:      size,
		Open:      p.opener(e.Path),
	}
}

func (p *Parser) parseAttachment(e Entity, page *PageMeta) Record {
	f, err := p.fs.Open(e.Path)
	if err != nil {
		return failure(e.Kind, e.Path, &common.IOError{Path: e.Path, Err: err})
	}
	defer f.Close()

	// One pass: the head is kept for sniffing and the whole stream hashed.
	head := make([]byte, sniffLength)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return failure(e.Kind, e.Path, &common.IOError{Path: e.Path, Err: err})
	}
	head = head[:n]
	hash, size, err := content.HashReader(io.MultiReader(bytes.NewReader(head), f))
	if err != nil {
		return failure(e.Kind, e.Path, withPath(err, e.Path))
	}

	meta := page.files[e.Name]
	if meta.Size > 0 && size != meta.Size {
		return failure(e.Kind, e.Path, fmt.Errorf("%w: have %d bytes, metadata says %d", common.ErrTruncated, size, meta.Size))
	}
	mime := meta.Mime
	if mime == "" {
		mime = mimetype.Detect(head).String()
	}
	return &AttachmentMeta{
		Site:      e.Site,
		Page:      e.Page,
		Filename:  e.Name,
		MimeType:  mime,
		Author:    meta.Author,
		Timestamp: unixTime(meta.Stamp),
		Path:      e.Path,
		Hash:      hash,
		Size:      size,
		Open:      p.opener(e.Path),
	}
}

func (p *Parser) opener(path string) Opener {
	return func() (io.ReadCloser, error) {
		f, err := p.fs.Open(path)
		if err != nil {
			return nil, &common.IOError{Path: path, Err: err}
		}
		return f, nil
	}
}

// withPath fills in the path of an *common.IOError.
func withPath(err error, path string) error {
	var ioErr *common.IOError
	if errors.As(err, &ioErr) && ioErr.Path == "" {
		ioErr.Path = path
	}
	return err
}

func unixTime(stamp int64) time.Time {
	if stamp <= 0 {
		return time.Time{}
	}
	return time.Unix(stamp, 0).UTC()
}
