package storage

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"wikiimport/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Site Operations ---

// EnsureSiteWith inserts the site if no site with that name exists and
// returns its id. Existing rows are never modified.
func (db *BunDB) EnsureSiteWith(idb bun.IDB, ctx context.Context, site *SiteModel) (int64, error) {
	_, err := idb.NewInsert().
		Model(site).
		On("CONFLICT (name) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = idb.NewSelect().
		Model((*SiteModel)(nil)).
		Column("id").
		Where("name = ?", site.Name).
		Scan(ctx, &id)
	return id, err
}

// GetSite retrieves a site by name.
func (db *BunDB) GetSite(ctx context.Context, name string) (*SiteModel, error) {
	var site SiteModel
	err := db.NewSelect().
		Model(&site).
		Where("name = ?", name).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// --- Page Operations ---

// UpsertPageWith inserts or updates a page by (site_id, slug) and returns its
// id. latest_revision is left untouched.
func (db *BunDB) UpsertPageWith(idb bun.IDB, ctx context.Context, page *PageModel) (int64, error) {
	// Use RETURNING clause to get the id (libsql doesn't support LastInsertId)
	_, err := idb.NewInsert().
		Model(page).
		ExcludeColumn("latest_revision").
		On("CONFLICT (site_id, slug) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("wiki_id = EXCLUDED.wiki_id").
		Set("tags = EXCLUDED.tags").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return page.ID, nil
}

// GetPage retrieves a page by site name and slug.
func (db *BunDB) GetPage(ctx context.Context, site, slug string) (*PageModel, error) {
	var page PageModel
	err := db.NewSelect().
		Model(&page).
		Join("JOIN sites AS s ON s.id = p.site_id").
		Where("s.name = ?", site).
		Where("p.slug = ?", slug).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// RefreshLatestRevisionWith sets latest_revision to the highest stored
// revision number and returns it (-1 when the page has no revisions).
func (db *BunDB) RefreshLatestRevisionWith(idb bun.IDB, ctx context.Context, pageID int64) (int64, error) {
	var latest sql.NullInt64
	err := idb.NewRaw(`SELECT MAX(revision_number) FROM revisions WHERE page_id = ?`, pageID).Scan(ctx, &latest)
	if err != nil {
		return 0, err
	}
	if !latest.Valid {
		return -1, nil
	}
	_, err = idb.NewUpdate().
		Model((*PageModel)(nil)).
		Set("latest_revision = ?", latest.Int64).
		Where("id = ?", pageID).
		Exec(ctx)
	return latest.Int64, err
}

// --- Revision Operations ---

// RevisionHashesWith returns the stored content hash of every revision of a page.
func (db *BunDB) RevisionHashesWith(idb bun.IDB, ctx context.Context, pageID int64) (map[int64]string, error) {
	var rows []RevisionModel
	err := idb.NewSelect().
		Model(&rows).
		Column("revision_number", "content_hash").
		Where("page_id = ?", pageID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make(map[int64]string, len(rows))
	for _, r := range rows {
		hashes[r.RevisionNumber] = r.ContentHash
	}
	return hashes, nil
}

// InsertRevisionWith inserts a revision unless one with the same natural key exists.
func (db *BunDB) InsertRevisionWith(idb bun.IDB, ctx context.Context, rev *RevisionModel) error {
	_, err := idb.NewInsert().
		Model(rev).
		On("CONFLICT (page_id, revision_number) DO NOTHING").
		Exec(ctx)
	return err
}

// ListRevisions returns a page's revisions in ascending order.
func (db *BunDB) ListRevisions(ctx context.Context, pageID int64) ([]RevisionModel, error) {
	var revs []RevisionModel
	err := db.NewSelect().
		Model(&revs).
		Where("page_id = ?", pageID).
		Order("revision_number ASC").
		Scan(ctx)
	return revs, err
}

// --- Attachment Operations ---

// AttachmentHashesWith returns the stored content hash of every attachment of a page.
func (db *BunDB) AttachmentHashesWith(idb bun.IDB, ctx context.Context, pageID int64) (map[string]string, error) {
	var rows []AttachmentModel
	err := idb.NewSelect().
		Model(&rows).
		Column("filename", "content_hash").
		Where("page_id = ?", pageID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, a := range rows {
		hashes[a.Filename] = a.ContentHash
	}
	return hashes, nil
}

// InsertAttachmentWith inserts an attachment unless one with the same natural key exists.
func (db *BunDB) InsertAttachmentWith(idb bun.IDB, ctx context.Context, att *AttachmentModel) error {
	_, err := idb.NewInsert().
		Model(att).
		On("CONFLICT (page_id, filename) DO NOTHING").
		Exec(ctx)
	return err
}

// ListAttachments returns a page's attachments ordered by filename.
func (db *BunDB) ListAttachments(ctx context.Context, pageID int64) ([]AttachmentModel, error) {
	var atts []AttachmentModel
	err := db.NewSelect().
		Model(&atts).
		Where("page_id = ?", pageID).
		Order("filename ASC").
		Scan(ctx)
	return atts, err
}

// --- Progress Operations ---

// GetProgress retrieves the import marker of a page.
// Returns ErrNotFound if the page was never committed.
func (db *BunDB) GetProgress(ctx context.Context, site, slug string) (*ImportProgressModel, error) {
	var p ImportProgressModel
	err := db.NewSelect().
		Model(&p).
		Where("site_name = ?", site).
		Where("page_slug = ?", slug).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProgressWith records the import marker of a page.
func (db *BunDB) UpsertProgressWith(idb bun.IDB, ctx context.Context, p *ImportProgressModel) error {
	_, err := idb.NewInsert().
		Model(p).
		On("CONFLICT (site_name, page_slug) DO UPDATE").
		Set("revision_marker = EXCLUDED.revision_marker").
		Set("attachment_marker = EXCLUDED.attachment_marker").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// --- Run Log Operations ---

// InsertRun records the start of an import run.
func (db *BunDB) InsertRun(ctx context.Context, run *ImportRunModel) error {
	_, err := db.NewInsert().Model(run).Exec(ctx)
	return err
}

// UpdateRun stores a run's final status and totals.
func (db *BunDB) UpdateRun(ctx context.Context, run *ImportRunModel) error {
	_, err := db.NewUpdate().
		Model(run).
		ExcludeColumn("archive_root", "bucket", "started_at").
		WherePK().
		Exec(ctx)
	return err
}

// GetRun retrieves a run by id.
func (db *BunDB) GetRun(ctx context.Context, id string) (*ImportRunModel, error) {
	var run ImportRunModel
	err := db.NewSelect().
		Model(&run).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// InsertFailuresWith bulk inserts summary failures.
func (db *BunDB) InsertFailuresWith(idb bun.IDB, ctx context.Context, failures []ImportFailureModel) error {
	if len(failures) == 0 {
		return nil
	}
	_, err := idb.NewInsert().Model(&failures).Exec(ctx)
	return err
}

// ListFailures returns the failures recorded for a run.
func (db *BunDB) ListFailures(ctx context.Context, runID string) ([]ImportFailureModel, error) {
	var failures []ImportFailureModel
	err := db.NewSelect().
		Model(&failures).
		Where("run_id = ?", runID).
		Order("id ASC").
		Scan(ctx)
	return failures, err
}
