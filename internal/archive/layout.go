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

// Package archive reads the on-disk WikiComma archive: it discovers sites,
// pages, revisions and attachments and parses them into typed records.
//
// Layout (version 1), all paths relative to the archive root:
//
//	<site>/site.json              optional site info
//	<site>/meta/pages/<slug>.json page metadata
//	<site>/pages/<slug>/<n>.txt   wikitext of revision n
//	<site>/files/<slug>/<name>    attachment payload
package archive

import (
	"strconv"
	"strings"

	"wikiimport/internal/common"
)

// LayoutVersion identifies the archive contract this package understands.
const LayoutVersion = 1

const (
	SiteInfoFile   = "site.json"
	IgnoreFile     = ".importignore"
	metaDir        = "meta"
	metaPagesDir   = "pages"
	revisionsDir   = "pages"
	attachmentsDir = "files"
	metaExt        = ".json"
	revisionExt    = ".txt"
)

// DefaultSiteURL is used when a site has no site.json or it carries no url.
func DefaultSiteURL(site string) string {
	return "https://" + site + ".wikidot.com"
}

// SiteInfoPath returns the path of the optional site info file.
func SiteInfoPath(site string) string {
	return common.JoinPath(site, SiteInfoFile)
}

// PageMetaDir returns the directory holding page metadata files of a site.
func PageMetaDir(site string) string {
	return common.JoinPath(site, metaDir, metaPagesDir)
}

// PageMetaPath returns the metadata file path of a page.
func PageMetaPath(site, slug string) string {
	return common.JoinPath(PageMetaDir(site), slug+metaExt)
}

// RevisionDir returns the directory holding a page's revision texts.
func RevisionDir(site, slug string) string {
	return common.JoinPath(site, revisionsDir, slug)
}

// RevisionPath returns the path of revision n of a page.
func RevisionPath(site, slug string, n int) string {
	return common.JoinPath(RevisionDir(site, slug), strconv.Itoa(n)+revisionExt)
}

// AttachmentDir returns the directory holding a page's attachments.
func AttachmentDir(site, slug string) string {
	return common.JoinPath(site, attachmentsDir, slug)
}

// RevisionNumber extracts n from a "<n>.txt" file name.
func RevisionNumber(name string) (int, bool) {
	if !strings.HasSuffix(name, revisionExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(common.BaseName(name), revisionExt)
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// pageSlug extracts the slug from a page metadata file name.
func pageSlug(name string) (string, bool) {
	if !strings.HasSuffix(name, metaExt) {
		return "", false
	}
	slug := strings.TrimSuffix(name, metaExt)
	return slug, common.ValidName(slug)
}
