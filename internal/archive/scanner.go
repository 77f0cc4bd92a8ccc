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

package archive

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"

	"wikiimport/internal/common"
)

// EntityKind tags a discovered archive entity.
type EntityKind int

const (
	KindSite EntityKind = iota + 1
	KindPage
	KindRevision
	KindAttachment
)

func (k EntityKind) String() string {
	switch k {
	case KindSite:
		return "site"
	case KindPage:
		return "page"
	case KindRevision:
		return "revision"
	case KindAttachment:
		return "attachment"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entity is one discovered archive item.
type Entity struct {
	Kind     EntityKind
	Site     string
	Page     string // empty for KindSite
	Path     string // archive relative, slash separated
	Name     string // file name for revisions and attachments
	Revision int    // revision number for KindRevision
}

// Scanner lazily walks an archive with an explicit worklist. Only the
// children of the site and page currently being visited are held in memory.
//
// Order is deterministic: sites by name, pages by slug, and within a page
// the metadata entity, then revisions by path, then attachments by path.
type Scanner struct {
	fs        billy.Filesystem
	filter    PathFilter
	onWarning func(*common.ScanWarning)
	work      []Entity // stack; next item is the last element

	startSite string
	startPage string
}

// ScanOption configures a Scanner.
type ScanOption func(*Scanner)

// WithWarningHandler receives every unreadable-subtree warning.
func WithWarningHandler(fn func(*common.ScanWarning)) ScanOption {
	return func(s *Scanner) {
		s.onWarning = fn
	}
}

// WithFilter sets the path filter. The default visits everything except dotfiles.
func WithFilter(f PathFilter) ScanOption {
	return func(s *Scanner) {
		s.filter = f
	}
}

// WithStartAfter resumes a scan strictly after the given page. Sites before
// site are skipped entirely.
func WithStartAfter(site, page string) ScanOption {
	return func(s *Scanner) {
		s.startSite = site
		s.startPage = page
	}
}

// NewScanner lists the archive root. A missing or unreadable root is a
// *common.ScanError.
func NewScanner(fsys billy.Filesystem, opts ...ScanOption) (*Scanner, error) {
	s := &Scanner{fs: fsys}
	for _, opt := range opts {
		opt(s)
	}
	if s.filter == nil {
		s.filter = func(relPath string, isDir bool) bool {
			return !common.IsHidden(common.BaseName(relPath))
		}
	}
	if s.onWarning == nil {
		s.onWarning = func(*common.ScanWarning) {}
	}

	entries, err := fsys.ReadDir("")
	if err != nil {
		return nil, &common.ScanError{Root: fsys.Root(), Err: err}
	}

	var sites []string
	for _, fi := range entries {
		name := fi.Name()
		if !fi.IsDir() || !common.ValidName(name) || !s.filter(name, true) {
			continue
		}
		if s.startSite != "" && name < s.startSite {
			continue
		}
		sites = append(sites, name)
	}
	sort.Strings(sites)
	for i := len(sites) - 1; i >= 0; i-- {
		s.push(Entity{Kind: KindSite, Site: sites[i], Path: sites[i]})
	}
	return s, nil
}

func (s *Scanner) push(e Entity) {
	s.work = append(s.work, e)
}

func (s *Scanner) warn(path string, err error) {
	s.onWarning(&common.ScanWarning{Path: path, Err: err})
}

// Next returns the next entity, or io.EOF when the archive is exhausted.
// Popping a site or page replaces it on the worklist with its children.
func (s *Scanner) Next() (Entity, error) {
	if len(s.work) == 0 {
		return Entity{}, io.EOF
	}
	e := s.work[len(s.work)-1]
	s.work = s.work[:len(s.work)-1]
	switch e.Kind {
	case KindSite:
		s.expandSite(e)
	case KindPage:
		s.expandPage(e)
	}
	return e, nil
}

// readDir lists dir sorted by name. Missing directories yield no entries;
// other failures are reported as warnings.
func (s *Scanner) readDir(dir string, missingOK bool) []os.FileInfo {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) && missingOK {
			return nil
		}
		s.warn(dir, err)
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries
}

func (s *Scanner) expandSite(site Entity) {
	dir := PageMetaDir(site.Site)
	entries := s.readDir(dir, false)

	var pages []Entity
	for _, fi := range entries {
		rel := common.JoinPath(dir, fi.Name())
		if fi.IsDir() || !s.filter(rel, false) {
			continue
		}
		slug, ok := pageSlug(fi.Name())
		if !ok {
			s.warn(rel, fmt.Errorf("%w: not a page metadata file", common.ErrInvalidLayout))
			continue
		}
		if site.Site == s.startSite && s.startPage != "" && slug <= s.startPage {
			continue
		}
		pages = append(pages, Entity{Kind: KindPage, Site: site.Site, Page: slug, Path: rel, Name: fi.Name()})
	}
	s.pushReversed(pages)
}

func (s *Scanner) expandPage(page Entity) {
	var children []Entity

	revDir := RevisionDir(page.Site, page.Page)
	if s.filter(revDir, true) {
		for _, fi := range s.readDir(revDir, true) {
			rel := common.JoinPath(revDir, fi.Name())
			if !s.filter(rel, fi.IsDir()) {
				continue
			}
			n, ok := RevisionNumber(fi.Name())
			if fi.IsDir() || !ok {
				s.warn(rel, fmt.Errorf("%w: not a revision file", common.ErrInvalidLayout))
				continue
			}
			children = append(children, Entity{
				Kind: KindRevision, Site: page.Site, Page: page.Page,
				Path: rel, Name: fi.Name(), Revision: n,
			})
		}
	}

	fileDir := AttachmentDir(page.Site, page.Page)
	if s.filter(fileDir, true) {
		for _, fi := range s.readDir(fileDir, true) {
			rel := common.JoinPath(fileDir, fi.Name())
			if !s.filter(rel, fi.IsDir()) {
				continue
			}
			if fi.IsDir() || !fi.Mode().IsRegular() {
				s.warn(rel, fmt.Errorf("%w: attachment is not a regular file", common.ErrInvalidLayout))
				continue
			}
			children = append(children, Entity{
				Kind: KindAttachment, Site: page.Site, Page: page.Page,
				Path: rel, Name: fi.Name(),
			})
		}
	}
	s.pushReversed(children)
}

// pushReversed pushes items so that they pop in slice order.
func (s *Scanner) pushReversed(items []Entity) {
	for i := len(items) - 1; i >= 0; i-- {
		s.push(items[i])
	}
}
