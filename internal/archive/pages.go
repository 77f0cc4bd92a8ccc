package archive

import (
	"errors"
	"io"
)

// PageUnit is everything the scanner found for one page.
type PageUnit struct {
	Site        string
	Slug        string
	MetaPath    string
	Revisions   []Entity
	Attachments []Entity
}

// Key returns the natural "<site>/<slug>" key of the page.
func (u *PageUnit) Key() string {
	return u.Site + "/" + u.Slug
}

// PageReader groups a Scanner's entity stream into pages.
type PageReader struct {
	scanner *Scanner
	pending *Entity
	done    bool

	// Sites receives every site entity as it is passed, including sites
	// that contain no pages.
	Sites func(Entity)
}

// NewPageReader wraps s.
func NewPageReader(s *Scanner) *PageReader {
	return &PageReader{scanner: s}
}

func (r *PageReader) next() (Entity, error) {
	if r.pending != nil {
		e := *r.pending
		r.pending = nil
		return e, nil
	}
	return r.scanner.Next()
}

// Next returns the next page, or io.EOF.
func (r *PageReader) Next() (*PageUnit, error) {
	if r.done {
		return nil, io.EOF
	}
	var unit *PageUnit
	for {
		e, err := r.next()
		if errors.Is(err, io.EOF) {
			r.done = true
			if unit != nil {
				return unit, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		switch e.Kind {
		case KindSite, KindPage:
			if unit != nil {
				r.pending = &e
				return unit, nil
			}
			if e.Kind == KindSite {
				if r.Sites != nil {
					r.Sites(e)
				}
				continue
			}
			unit = &PageUnit{Site: e.Site, Slug: e.Page, MetaPath: e.Path}
		case KindRevision:
			if unit != nil {
				unit.Revisions = append(unit.Revisions, e)
			}
		case KindAttachment:
			if unit != nil {
				unit.Attachments = append(unit.Attachments, e)
			}
		}
	}
}
