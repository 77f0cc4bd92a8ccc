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
	"github.com/uptrace/bun"
)

// Bun ORM models for the import database. Times are Unix seconds; zero
// means unknown.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// SiteModel represents the sites table. Rows are immutable once created.
type SiteModel struct {
	bun.BaseModel `bun:"table:sites"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Name      string `bun:"name,notnull,unique"`
	URL       string `bun:"url,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

// PageModel represents the pages table, unique by (site_id, slug).
type PageModel struct {
	bun.BaseModel `bun:"table:pages,alias:p"`

	ID             int64  `bun:"id,pk,autoincrement"`
	SiteID         int64  `bun:"site_id,notnull"`
	Slug           string `bun:"slug,notnull"`
	Title          string `bun:"title,notnull"`
	WikiID         int64  `bun:"wiki_id,notnull"`
	Tags           string `bun:"tags,notnull"` // space separated
	LatestRevision *int64 `bun:"latest_revision"`
	UpdatedAt      int64  `bun:"updated_at,notnull"`
}

// RevisionModel represents the revisions table
type RevisionModel struct {
	bun.BaseModel `bun:"table:revisions"`

	PageID         int64  `bun:"page_id,pk"`
	RevisionNumber int64  `bun:"revision_number,pk"`
	Author         string `bun:"author,notnull"`
	CreatedAt      int64  `bun:"created_at,notnull"`
	Comment        string `bun:"comment,notnull"`
	Flags          string `bun:"flags,notnull"`
	ContentHash    string `bun:"content_hash,notnull"`
	Size           int64  `bun:"size,notnull"`
}

// AttachmentModel represents the attachments table
type AttachmentModel struct {
	bun.BaseModel `bun:"table:attachments"`

	PageID      int64  `bun:"page_id,pk"`
	Filename    string `bun:"filename,pk"`
	MimeType    string `bun:"mime_type,notnull"`
	Author      string `bun:"author,notnull"`
	CreatedAt   int64  `bun:"created_at,notnull"`
	ContentHash string `bun:"content_hash,notnull"`
	Size        int64  `bun:"size,notnull"`
}

// ImportProgressModel represents the import_progress table. It is keyed by
// names so it can be consulted before the page row exists.
type ImportProgressModel struct {
	bun.BaseModel `bun:"table:import_progress"`

	SiteName         string `bun:"site_name,pk"`
	PageSlug         string `bun:"page_slug,pk"`
	RevisionMarker   int64  `bun:"revision_marker,notnull"`
	AttachmentMarker string `bun:"attachment_marker,notnull"`
	UpdatedAt        int64  `bun:"updated_at,notnull"`
}

// ImportRunModel represents the import_runs table
type ImportRunModel struct {
	bun.BaseModel `bun:"table:import_runs"`

	ID                 string `bun:"id,pk"`
	Status             string `bun:"status,notnull"` // "running", "completed", "cancelled", "aborted"
	ArchiveRoot        string `bun:"archive_root,notnull"`
	Bucket             string `bun:"bucket,notnull"`
	StartedAt          int64  `bun:"started_at,notnull"`
	FinishedAt         int64  `bun:"finished_at,notnull"`
	PagesCommitted     int64  `bun:"pages_committed,notnull"`
	PagesUpToDate      int64  `bun:"pages_up_to_date,notnull"`
	PagesFailed        int64  `bun:"pages_failed,notnull"`
	PagesInterrupted   int64  `bun:"pages_interrupted,notnull"`
	RevisionsWritten   int64  `bun:"revisions_written,notnull"`
	AttachmentsWritten int64  `bun:"attachments_written,notnull"`
	BlobsUploaded      int64  `bun:"blobs_uploaded,notnull"`
	BlobsDeduplicated  int64  `bun:"blobs_deduplicated,notnull"`
	BytesUploaded      int64  `bun:"bytes_uploaded,notnull"`
}

// ImportFailureModel represents the import_failures table
type ImportFailureModel struct {
	bun.BaseModel `bun:"table:import_failures"`

	ID    int64  `bun:"id,pk,autoincrement"`
	RunID string `bun:"run_id,notnull"`
	Kind  string `bun:"kind,notnull"`
	Site  string `bun:"site,notnull"`
	Page  string `bun:"page,notnull"`
	Path  string `bun:"path,notnull"`
	Cause string `bun:"cause,notnull"`
}
