// Package archivetest builds in-memory WikiComma archives for tests.
package archivetest

import (
	"encoding/json"
	"path"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// Revision describes one revision of a fixture page.
type Revision struct {
	Number int
	Author string
	Stamp  int64
	Text   string
	// NoMeta omits the revision from the page metadata file.
	NoMeta bool
}

// File describes one attachment of a fixture page.
type File struct {
	Name string
	Data []byte
	Mime string
	// Size overrides the size written to metadata; 0 writes len(Data).
	Size int64
}

// Page describes a fixture page.
type Page struct {
	Title     string
	Tags      []string
	Revisions []Revision
	Files     []File
}

// Builder writes fixture archives into a billy filesystem.
type Builder struct {
	fs billy.Filesystem
}

// New returns a Builder over a fresh in-memory filesystem.
func New() *Builder {
	return &Builder{fs: memfs.New()}
}

// NewOn returns a Builder writing into fsys.
func NewOn(fsys billy.Filesystem) *Builder {
	return &Builder{fs: fsys}
}

// FS returns the archive filesystem.
func (b *Builder) FS() billy.Filesystem { return b.fs }

// WriteFile writes raw bytes at an archive-relative path.
func (b *Builder) WriteFile(p string, data []byte) *Builder {
	if err := util.WriteFile(b.fs, p, data, 0o644); err != nil {
		panic(err)
	}
	return b
}

// Site writes a site.json for site.
func (b *Builder) Site(site, url string) *Builder {
	data, _ := json.Marshal(map[string]string{"name": site, "url": url})
	return b.WriteFile(path.Join(site, "site.json"), data)
}

// Page writes the metadata, revision texts and attachments of a page.
func (b *Builder) Page(site, slug string, p Page) *Builder {
	type revMeta struct {
		Revision int    `json:"revision"`
		Author   string `json:"author"`
		Stamp    int64  `json:"stamp"`
	}
	type fileMeta struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
		Mime string `json:"mime,omitempty"`
	}
	meta := struct {
		Name      string     `json:"name"`
		Title     string     `json:"title"`
		Tags      []string   `json:"tags,omitempty"`
		Revisions []revMeta  `json:"revisions"`
		Files     []fileMeta `json:"files"`
	}{Name: slug, Title: p.Title, Tags: p.Tags, Revisions: []revMeta{}, Files: []fileMeta{}}

	for _, r := range p.Revisions {
		if !r.NoMeta {
			meta.Revisions = append(meta.Revisions, revMeta{Revision: r.Number, Author: r.Author, Stamp: r.Stamp})
		}
		b.WriteFile(path.Join(site, "pages", slug, strconv.Itoa(r.Number)+".txt"), []byte(r.Text))
	}
	for _, f := range p.Files {
		size := f.Size
		if size == 0 {
			size = int64(len(f.Data))
		}
		meta.Files = append(meta.Files, fileMeta{Name: f.Name, Size: size, Mime: f.Mime})
		b.WriteFile(path.Join(site, "files", slug, f.Name), f.Data)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		panic(err)
	}
	return b.WriteFile(path.Join(site, "meta", "pages", slug+".json"), data)
}

// AddRevision appends a revision to an existing fixture page by rewriting it.
func (b *Builder) AddRevision(site, slug string, p *Page, r Revision) *Builder {
	p.Revisions = append(p.Revisions, r)
	return b.Page(site, slug, *p)
}

// Example is the canonical one-site fixture: page "home" with two revisions
// and one attachment "logo.png".
func Example() (*Builder, Page) {
	home := Page{
		Title: "Home",
		Revisions: []Revision{
			{Number: 1, Author: "alice", Stamp: 1600000000, Text: "+ Welcome\n"},
			{Number: 2, Author: "bob", Stamp: 1600000100, Text: "+ Welcome\n\nNow with a logo.\n"},
		},
		Files: []File{
			{Name: "logo.png", Data: []byte("\x89PNG\r\n\x1a\nfake-logo"), Mime: "image/png"},
		},
	}
	return New().Page("example", "home", home), home
}
