package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// always written in UTC so that text comparisons order them correctly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS menus (
	id            TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS menu_sections (
	id       TEXT PRIMARY KEY,
	menu_id  TEXT NOT NULL REFERENCES menus(id),
	name     TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS menu_items (
	id                                  TEXT PRIMARY KEY,
	menu_id                             TEXT NOT NULL REFERENCES menus(id),
	section_id                          TEXT REFERENCES menu_sections(id),
	name                                TEXT NOT NULL DEFAULT '',
	description                         TEXT NOT NULL DEFAULT '',
	price                               REAL NOT NULL DEFAULT 0,
	abv                                 REAL,
	item_type                           TEXT NOT NULL DEFAULT '',
	position                            INTEGER NOT NULL DEFAULT 0,
	sommelier_category                  TEXT,
	sommelier_classification_confidence REAL NOT NULL DEFAULT 0,
	sommelier_parsed_fields             TEXT,
	sommelier_parse_confidence          REAL NOT NULL DEFAULT 0,
	sommelier_needs_review              INTEGER NOT NULL DEFAULT 0,
	updated_at                          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                 TEXT PRIMARY KEY,
	menu_id            TEXT NOT NULL,
	restaurant_id      TEXT NOT NULL DEFAULT '',
	trigger_source     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	current_step       TEXT NOT NULL DEFAULT '',
	items_processed    INTEGER NOT NULL DEFAULT 0,
	needs_review_count INTEGER NOT NULL DEFAULT 0,
	unresolved_count   INTEGER NOT NULL DEFAULT 0,
	error_summary      TEXT NOT NULL DEFAULT '',
	started_at         DATETIME NOT NULL,
	completed_at       DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	product_type   TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	attributes     TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (product_type, canonical_name)
);

CREATE TABLE IF NOT EXISTS menu_item_product_links (
	id                    TEXT PRIMARY KEY,
	menu_item_id          TEXT NOT NULL REFERENCES menu_items(id),
	product_id            TEXT NOT NULL REFERENCES products(id),
	resolution_confidence REAL NOT NULL DEFAULT 0,
	explanations          TEXT NOT NULL DEFAULT '',
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL,
	UNIQUE (menu_item_id, product_id)
);

CREATE TABLE IF NOT EXISTS product_enrichments (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	product_id  TEXT NOT NULL REFERENCES products(id),
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}',
	fetched_at  DATETIME NOT NULL,
	expires_at  DATETIME,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	menu_id        TEXT NOT NULL DEFAULT '',
	restaurant_id  TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	trigger_source TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_menu_items_menu_id ON menu_items(menu_id);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_menu_status ON pipeline_runs(menu_id, status);
CREATE INDEX IF NOT EXISTS idx_links_menu_item ON menu_item_product_links(menu_item_id);
CREATE INDEX IF NOT EXISTS idx_enrichments_product ON product_enrichments(product_id, created_at);
CREATE INDEX IF NOT EXISTS idx_enrichments_expires ON product_enrichments(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dead_letter_queue(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- menus ---

func (s *SQLiteStore) SaveMenu(ctx context.Context, menu *model.Menu) error {
	if menu.ID == "" {
		menu.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save menu")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO menus (id, restaurant_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET restaurant_id = excluded.restaurant_id, name = excluded.name, updated_at = excluded.updated_at`,
		menu.ID, menu.RestaurantID, menu.Name, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert menu %s", menu.ID)
	}

	for si := range menu.Sections {
		sec := &menu.Sections[si]
		if sec.ID == "" {
			sec.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO menu_sections (id, menu_id, name, position) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, position = excluded.position`,
			sec.ID, menu.ID, sec.Name, sec.Position,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert section %s", sec.ID)
		}

		for ii := range sec.Items {
			item := &sec.Items[ii]
			if item.ID == "" {
				item.ID = uuid.New().String()
			}
			item.MenuID, item.SectionID, item.SectionName = menu.ID, sec.ID, sec.Name
			_, err = tx.ExecContext(ctx,
				`INSERT INTO menu_items (id, menu_id, section_id, name, description, price, abv, item_type, position, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
					section_id = excluded.section_id, name = excluded.name, description = excluded.description,
					price = excluded.price, abv = excluded.abv, item_type = excluded.item_type,
					position = excluded.position, updated_at = excluded.updated_at`,
				item.ID, menu.ID, sec.ID, item.Name, item.Description, item.Price, item.ABV, item.ItemType, item.Position, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert item %s", item.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save menu")
}

func (s *SQLiteStore) GetMenu(ctx context.Context, menuID string) (*model.Menu, error) {
	var m model.Menu
	err := s.db.QueryRowContext(ctx,
		`SELECT id, restaurant_id, name, created_at, updated_at FROM menus WHERE id = ?`, menuID,
	).Scan(&m.ID, &m.RestaurantID, &m.Name, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get menu %s", menuID)
	}
	return &m, nil
}

const sqliteItemColumns = `i.id, i.menu_id, COALESCE(i.section_id, ''), COALESCE(s.name, ''), i.name, i.description,
	i.price, i.abv, i.item_type, i.position, COALESCE(i.sommelier_category, ''),
	i.sommelier_classification_confidence, i.sommelier_parsed_fields,
	i.sommelier_parse_confidence, i.sommelier_needs_review`

func (s *SQLiteStore) ListMenuItems(ctx context.Context, menuID string) ([]model.MenuItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteItemColumns+`
		 FROM menu_items i LEFT JOIN menu_sections s ON s.id = i.section_id
		 WHERE i.menu_id = ?
		 ORDER BY COALESCE(s.position, 0), i.position, i.id`, menuID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for menu %s", menuID)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var it model.MenuItem
		var abv sql.NullFloat64
		var fields sql.NullString
		if err := rows.Scan(&it.ID, &it.MenuID, &it.SectionID, &it.SectionName, &it.Name, &it.Description,
			&it.Price, &abv, &it.ItemType, &it.Position, &it.Candidate.Category,
			&it.Candidate.ClassificationConfidence, &fields,
			&it.Candidate.ParseConfidence, &it.Candidate.NeedsReview); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan menu item")
		}
		if abv.Valid {
			it.ABV = &abv.Float64
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &it.Candidate.ParsedFields); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal parsed fields for item %s", it.ID)
			}
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) UpdateMenuItemCandidate(ctx context.Context, itemID string, c model.Candidate) error {
	fieldsJSON, err := json.Marshal(c.ParsedFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal parsed fields")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE menu_items SET sommelier_category = ?, sommelier_classification_confidence = ?,
			sommelier_parsed_fields = ?, sommelier_parse_confidence = ?, sommelier_needs_review = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(c.Category), c.ClassificationConfidence, string(fieldsJSON), c.ParseConfidence, c.NeedsReview,
		time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update candidate %s", itemID)
	}
	return checkRowsAffected(res, "menu item", itemID)
}

func (s *SQLiteStore) SetMenuItemNeedsReview(ctx context.Context, itemID string, needsReview bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE menu_items SET sommelier_needs_review = ?, updated_at = ? WHERE id = ?`,
		needsReview, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set needs review %s", itemID)
	}
	return checkRowsAffected(res, "menu item", itemID)
}

func (s *SQLiteStore) CountMenuReview(ctx context.Context, menuID string) (int, int, error) {
	var needsReview, unresolved int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(reviewCountsSQL, "?"), menuID).Scan(&needsReview, &unresolved)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: count review for menu %s", menuID)
	}
	return needsReview, unresolved, nil
}

// --- runs ---

const runColumns = `id, menu_id, restaurant_id, trigger_source, status, current_step, items_processed,
	needs_review_count, unresolved_count, error_summary, started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, menuID, restaurantID, trigger string, startedAt time.Time) (*model.PipelineRun, error) {
	now := time.Now().UTC()
	run := &model.PipelineRun{
		ID:           uuid.New().String(),
		MenuID:       menuID,
		RestaurantID: restaurantID,
		Trigger:      trigger,
		Status:       model.RunStatusRunning,
		CurrentStep:  model.StageStart,
		StartedAt:    startedAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, menu_id, restaurant_id, trigger_source, status, current_step, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.MenuID, run.RestaurantID, run.Trigger, string(run.Status), string(run.CurrentStep),
		run.StartedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) FindRunningRun(ctx context.Context, menuID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE menu_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		menuID, string(model.RunStatusRunning),
	)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any

	if filter.MenuID != "" {
		query += ` AND menu_id = ?`
		args = append(args, filter.MenuID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SetRunStep(ctx context.Context, runID string, step model.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET current_step = ?, updated_at = ? WHERE id = ?`,
		string(step), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set step for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunCounters(ctx context.Context, runID string, c model.RunCounters) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET items_processed = ?, needs_review_count = ?, unresolved_count = ?, updated_at = ? WHERE id = ?`,
		c.ItemsProcessed, c.NeedsReviewCount, c.UnresolvedCount, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update counters for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunReviewCounts(ctx context.Context, runID string, needsReview, unresolved int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET needs_review_count = ?, unresolved_count = ?, updated_at = ? WHERE id = ?`,
		needsReview, unresolved, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update review counts for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, errorSummary string, at time.Time) (bool, error) {
	var completedAt any
	if to.Terminal() {
		completedAt = at.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, error_summary = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), errorSummary, completedAt, time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition run %s to %s", runID, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// --- products ---

func (s *SQLiteStore) FindOrCreateProduct(ctx context.Context, productType, canonicalName string, attrs map[string]any) (*model.Product, bool, error) {
	attrsJSON, err := marshalAttrs(attrs)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, product_type, canonical_name, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(product_type, canonical_name) DO NOTHING`,
		uuid.New().String(), productType, canonicalName, attrsJSON, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert product %s/%s", productType, canonicalName)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, product_type, canonical_name, attributes, created_at, updated_at
		 FROM products WHERE product_type = ? AND canonical_name = ?`,
		productType, canonicalName,
	)
	p, err := scanSQLiteProduct(row)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: load product %s/%s", productType, canonicalName)
	}
	return p, inserted > 0, nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, product_type, canonical_name, attributes, created_at, updated_at FROM products WHERE id = ?`,
		productID,
	)
	p, err := scanSQLiteProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", productID)
	}
	return p, nil
}

func (s *SQLiteStore) MergeProductAttributes(ctx context.Context, productID string, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	attrsJSON, err := marshalAttrs(attrs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET attributes = json_patch(attributes, ?), updated_at = ? WHERE id = ?`,
		attrsJSON, time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge attributes for product %s", productID)
	}
	return checkRowsAffected(res, "product", productID)
}

func (s *SQLiteStore) UpsertLink(ctx context.Context, link *model.MenuItemProductLink) error {
	now := time.Now().UTC()
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO menu_item_product_links (id, menu_item_id, product_id, resolution_confidence, explanations, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(menu_item_id, product_id) DO UPDATE SET
			resolution_confidence = excluded.resolution_confidence,
			explanations = excluded.explanations,
			updated_at = excluded.updated_at`,
		link.ID, link.MenuItemID, link.ProductID, link.ResolutionConfidence, link.Explanations, now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert link %s -> %s", link.MenuItemID, link.ProductID)
}

func (s *SQLiteStore) ListMenuProductIDs(ctx context.Context, menuID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT l.product_id FROM menu_item_product_links l
		 JOIN menu_items i ON i.id = l.menu_item_id
		 WHERE i.menu_id = ?
		 ORDER BY l.product_id`, menuID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list products for menu %s", menuID)
	}
	return collectIDs(rows)
}

// --- enrichments ---

func (s *SQLiteStore) LatestEnrichment(ctx context.Context, productID string) (*model.ProductEnrichment, error) {
	var e model.ProductEnrichment
	var payload string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, source, external_id, payload, fetched_at, expires_at, created_at
		 FROM product_enrichments WHERE product_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, productID,
	).Scan(&e.ID, &e.ProductID, &e.Source, &e.ExternalID, &payload, &e.FetchedAt, &expiresAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest enrichment for product %s", productID)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal enrichment payload")
	}
	return &e, nil
}

func (s *SQLiteStore) CreateEnrichment(ctx context.Context, e *model.ProductEnrichment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal enrichment payload")
	}
	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = e.ExpiresAt.UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO product_enrichments (id, product_id, source, external_id, payload, fetched_at, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProductID, e.Source, e.ExternalID, string(payload), e.FetchedAt.UTC(), expiresAt, e.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert enrichment for product %s", e.ProductID)
}

func (s *SQLiteStore) ListExpiredProductIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(expiredProductsSQL, "?", "?"), now.UTC(), limitOrDefault(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expired enrichments")
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) ListUnenrichedProductIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(unenrichedProductsSQL, "?"), limitOrDefault(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unenriched products")
	}
	return collectIDs(rows)
}

// --- dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, run_id, menu_id, restaurant_id, stage, trigger_source, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.MenuID, entry.RestaurantID, entry.Stage, entry.Trigger,
		entry.Error, entry.ErrorType, entry.Attempts, entry.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq for run %s", entry.RunID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, menu_id, restaurant_id, stage, trigger_source, error, error_type, attempts, created_at
		FROM dead_letter_queue WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.MenuID, &e.RestaurantID, &e.Stage, &e.Trigger,
			&e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.MenuID, &r.RestaurantID, &r.Trigger, &r.Status, &r.CurrentStep,
		&r.ItemsProcessed, &r.NeedsReviewCount, &r.UnresolvedCount, &r.ErrorSummary,
		&r.StartedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func scanSQLiteProduct(row scannable) (*model.Product, error) {
	var p model.Product
	var attrs string
	if err := row.Scan(&p.ID, &p.ProductType, &p.CanonicalName, &attrs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal product attributes")
	}
	return &p, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

func marshalAttrs(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal attributes")
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
