package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sommelier/internal/db"
	"github.com/sells-group/sommelier/internal/model"
	"github.com/sells-group/sommelier/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS menus (
	id            TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
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
	price                               DOUBLE PRECISION NOT NULL DEFAULT 0,
	abv                                 DOUBLE PRECISION,
	item_type                           TEXT NOT NULL DEFAULT '',
	position                            INTEGER NOT NULL DEFAULT 0,
	sommelier_category                  TEXT,
	sommelier_classification_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	sommelier_parsed_fields             JSONB,
	sommelier_parse_confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
	sommelier_needs_review              BOOLEAN NOT NULL DEFAULT false,
	updated_at                          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	menu_id            TEXT NOT NULL,
	restaurant_id      TEXT NOT NULL DEFAULT '',
	trigger_source     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	current_step       TEXT NOT NULL DEFAULT '',
	items_processed    INTEGER NOT NULL DEFAULT 0,
	needs_review_count INTEGER NOT NULL DEFAULT 0,
	unresolved_count   INTEGER NOT NULL DEFAULT 0,
	error_summary      TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_type   TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	attributes     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (product_type, canonical_name)
);

CREATE TABLE IF NOT EXISTS menu_item_product_links (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	menu_item_id          TEXT NOT NULL REFERENCES menu_items(id),
	product_id            TEXT NOT NULL REFERENCES products(id),
	resolution_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	explanations          TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (menu_item_id, product_id)
);

CREATE TABLE IF NOT EXISTS product_enrichments (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_id  TEXT NOT NULL REFERENCES products(id),
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
	fetched_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id         TEXT NOT NULL,
	menu_id        TEXT NOT NULL DEFAULT '',
	restaurant_id  TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	trigger_source TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'permanent',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_menu_items_menu_id ON menu_items(menu_id);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_menu_status ON pipeline_runs(menu_id, status);
CREATE INDEX IF NOT EXISTS idx_links_menu_item ON menu_item_product_links(menu_item_id);
CREATE INDEX IF NOT EXISTS idx_enrichments_product ON product_enrichments(product_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_enrichments_expires ON product_enrichments(expires_at);
CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dead_letter_queue(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- menus ---

func (s *PostgresStore) SaveMenu(ctx context.Context, menu *model.Menu) error {
	if menu.ID == "" {
		menu.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	err := db.InTx(ctx, s.pool, func(q db.Querier) error {
		_, err := q.Exec(ctx,
			`INSERT INTO menus (id, restaurant_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (id) DO UPDATE SET restaurant_id = EXCLUDED.restaurant_id, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
			menu.ID, menu.RestaurantID, menu.Name, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert menu %s", menu.ID)
		}

		for si := range menu.Sections {
			sec := &menu.Sections[si]
			if sec.ID == "" {
				sec.ID = uuid.New().String()
			}
			_, err = q.Exec(ctx,
				`INSERT INTO menu_sections (id, menu_id, name, position) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, position = EXCLUDED.position`,
				sec.ID, menu.ID, sec.Name, sec.Position,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: upsert section %s", sec.ID)
			}

			for ii := range sec.Items {
				item := &sec.Items[ii]
				if item.ID == "" {
					item.ID = uuid.New().String()
				}
				item.MenuID, item.SectionID, item.SectionName = menu.ID, sec.ID, sec.Name
				_, err = q.Exec(ctx,
					`INSERT INTO menu_items (id, menu_id, section_id, name, description, price, abv, item_type, position, updated_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
					 ON CONFLICT (id) DO UPDATE SET
						section_id = EXCLUDED.section_id, name = EXCLUDED.name, description = EXCLUDED.description,
						price = EXCLUDED.price, abv = EXCLUDED.abv, item_type = EXCLUDED.item_type,
						position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
					item.ID, menu.ID, sec.ID, item.Name, item.Description, item.Price, item.ABV, item.ItemType, item.Position, now,
				)
				if err != nil {
					return eris.Wrapf(err, "postgres: upsert item %s", item.ID)
				}
			}
		}
		return nil
	})
	return eris.Wrap(err, "postgres: save menu")
}

func (s *PostgresStore) GetMenu(ctx context.Context, menuID string) (*model.Menu, error) {
	var m model.Menu
	err := s.pool.QueryRow(ctx,
		`SELECT id, restaurant_id, name, created_at, updated_at FROM menus WHERE id = $1`, menuID,
	).Scan(&m.ID, &m.RestaurantID, &m.Name, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get menu %s", menuID)
	}
	return &m, nil
}

const pgItemColumns = `i.id, i.menu_id, COALESCE(i.section_id, ''), COALESCE(s.name, ''), i.name, i.description,
	i.price, i.abv, i.item_type, i.position, COALESCE(i.sommelier_category, ''),
	i.sommelier_classification_confidence, i.sommelier_parsed_fields,
	i.sommelier_parse_confidence, i.sommelier_needs_review`

func (s *PostgresStore) ListMenuItems(ctx context.Context, menuID string) ([]model.MenuItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemColumns+`
		 FROM menu_items i LEFT JOIN menu_sections s ON s.id = i.section_id
		 WHERE i.menu_id = $1
		 ORDER BY COALESCE(s.position, 0), i.position, i.id`, menuID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for menu %s", menuID)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var it model.MenuItem
		var fields []byte
		if err := rows.Scan(&it.ID, &it.MenuID, &it.SectionID, &it.SectionName, &it.Name, &it.Description,
			&it.Price, &it.ABV, &it.ItemType, &it.Position, &it.Candidate.Category,
			&it.Candidate.ClassificationConfidence, &fields,
			&it.Candidate.ParseConfidence, &it.Candidate.NeedsReview); err != nil {
			return nil, eris.Wrap(err, "postgres: scan menu item")
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &it.Candidate.ParsedFields); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal parsed fields for item %s", it.ID)
			}
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) UpdateMenuItemCandidate(ctx context.Context, itemID string, c model.Candidate) error {
	fieldsJSON, err := json.Marshal(c.ParsedFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal parsed fields")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE menu_items SET sommelier_category = $1, sommelier_classification_confidence = $2,
			sommelier_parsed_fields = $3, sommelier_parse_confidence = $4, sommelier_needs_review = $5, updated_at = $6
		 WHERE id = $7`,
		nullString(c.Category), c.ClassificationConfidence, fieldsJSON, c.ParseConfidence, c.NeedsReview,
		time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update candidate %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("menu item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) SetMenuItemNeedsReview(ctx context.Context, itemID string, needsReview bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE menu_items SET sommelier_needs_review = $1, updated_at = $2 WHERE id = $3`,
		needsReview, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set needs review %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("menu item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) CountMenuReview(ctx context.Context, menuID string) (int, int, error) {
	var needsReview, unresolved int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(reviewCountsSQL, "$1"), menuID).Scan(&needsReview, &unresolved)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: count review for menu %s", menuID)
	}
	return needsReview, unresolved, nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, menuID, restaurantID, trigger string, startedAt time.Time) (*model.PipelineRun, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, menu_id, restaurant_id, trigger_source, status, current_step, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.MenuID, run.RestaurantID, run.Trigger, string(run.Status), string(run.CurrentStep),
		run.StartedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID)
	return scanPgRun(row)
}

func (s *PostgresStore) FindRunningRun(ctx context.Context, menuID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE menu_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`,
		menuID, string(model.RunStatusRunning),
	)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.MenuID != "" {
		query += fmt.Sprintf(` AND menu_id = $%d`, argIdx)
		args = append(args, filter.MenuID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SetRunStep(ctx context.Context, runID string, step model.Stage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET current_step = $1, updated_at = $2 WHERE id = $3`,
		string(step), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set step for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunCounters(ctx context.Context, runID string, c model.RunCounters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET items_processed = $1, needs_review_count = $2, unresolved_count = $3, updated_at = $4 WHERE id = $5`,
		c.ItemsProcessed, c.NeedsReviewCount, c.UnresolvedCount, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update counters for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunReviewCounts(ctx context.Context, runID string, needsReview, unresolved int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET needs_review_count = $1, unresolved_count = $2, updated_at = $3 WHERE id = $4`,
		needsReview, unresolved, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update review counts for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, errorSummary string, at time.Time) (bool, error) {
	var completedAt *time.Time
	if to.Terminal() {
		t := at.UTC()
		completedAt = &t
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, error_summary = $2, completed_at = COALESCE($3, completed_at), updated_at = $4
		 WHERE id = $5 AND status = $6`,
		string(to), errorSummary, completedAt, time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition run %s to %s", runID, to)
	}
	return tag.RowsAffected() > 0, nil
}

// --- products ---

func (s *PostgresStore) FindOrCreateProduct(ctx context.Context, productType, canonicalName string, attrs map[string]any) (*model.Product, bool, error) {
	attrsJSON, err := marshalAttrs(attrs)
	if err != nil {
		return nil, false, err
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	// The no-op update makes RETURNING yield the existing row on conflict.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO products (id, product_type, canonical_name, attributes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (product_type, canonical_name) DO UPDATE SET updated_at = products.updated_at
		 RETURNING id, product_type, canonical_name, attributes, created_at, updated_at`,
		id, productType, canonicalName, []byte(attrsJSON), now,
	)
	p, err := scanPgProduct(row)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: find or create product %s/%s", productType, canonicalName)
	}
	return p, p.ID == id, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, product_type, canonical_name, attributes, created_at, updated_at FROM products WHERE id = $1`,
		productID,
	)
	p, err := scanPgProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", productID)
	}
	return p, nil
}

func (s *PostgresStore) MergeProductAttributes(ctx context.Context, productID string, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	attrsJSON, err := marshalAttrs(attrs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET attributes = attributes || $1::jsonb, updated_at = $2 WHERE id = $3`,
		[]byte(attrsJSON), time.Now().UTC(), productID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge attributes for product %s", productID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("product not found: %s", productID)
	}
	return nil
}

func (s *PostgresStore) UpsertLink(ctx context.Context, link *model.MenuItemProductLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO menu_item_product_links (id, menu_item_id, product_id, resolution_confidence, explanations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (menu_item_id, product_id) DO UPDATE SET
			resolution_confidence = EXCLUDED.resolution_confidence,
			explanations = EXCLUDED.explanations,
			updated_at = EXCLUDED.updated_at`,
		link.ID, link.MenuItemID, link.ProductID, link.ResolutionConfidence, link.Explanations, now,
	)
	return eris.Wrapf(err, "postgres: upsert link %s -> %s", link.MenuItemID, link.ProductID)
}

func (s *PostgresStore) ListMenuProductIDs(ctx context.Context, menuID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT l.product_id FROM menu_item_product_links l
		 JOIN menu_items i ON i.id = l.menu_item_id
		 WHERE i.menu_id = $1
		 ORDER BY l.product_id`, menuID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list products for menu %s", menuID)
	}
	return collectPgIDs(rows)
}

// --- enrichments ---

func (s *PostgresStore) LatestEnrichment(ctx context.Context, productID string) (*model.ProductEnrichment, error) {
	var e model.ProductEnrichment
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, product_id, source, external_id, payload, fetched_at, expires_at, created_at
		 FROM product_enrichments WHERE product_id = $1
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, productID,
	).Scan(&e.ID, &e.ProductID, &e.Source, &e.ExternalID, &payload, &e.FetchedAt, &e.ExpiresAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest enrichment for product %s", productID)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal enrichment payload")
	}
	return &e, nil
}

func (s *PostgresStore) CreateEnrichment(ctx context.Context, e *model.ProductEnrichment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal enrichment payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO product_enrichments (id, product_id, source, external_id, payload, fetched_at, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ProductID, e.Source, e.ExternalID, payload, e.FetchedAt, e.ExpiresAt, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert enrichment for product %s", e.ProductID)
}

func (s *PostgresStore) ListExpiredProductIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(expiredProductsSQL, "$1", "$2"), now.UTC(), limitOrDefault(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired enrichments")
	}
	return collectPgIDs(rows)
}

func (s *PostgresStore) ListUnenrichedProductIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(unenrichedProductsSQL, "$1"), limitOrDefault(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unenriched products")
	}
	return collectPgIDs(rows)
}

// --- dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, run_id, menu_id, restaurant_id, stage, trigger_source, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.RunID, entry.MenuID, entry.RestaurantID, entry.Stage, entry.Trigger,
		entry.Error, entry.ErrorType, entry.Attempts, entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq for run %s", entry.RunID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, menu_id, restaurant_id, stage, trigger_source, error, error_type, attempts, created_at
		FROM dead_letter_queue WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.MenuID, &e.RestaurantID, &e.Stage, &e.Trigger,
			&e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

// helpers

func scanPgRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var status, step string
	err := row.Scan(&r.ID, &r.MenuID, &r.RestaurantID, &r.Trigger, &status, &step,
		&r.ItemsProcessed, &r.NeedsReviewCount, &r.UnresolvedCount, &r.ErrorSummary,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Status, r.CurrentStep = model.RunStatus(status), model.Stage(step)
	return &r, nil
}

func scanPgProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var attrs []byte
	if err := row.Scan(&p.ID, &p.ProductType, &p.CanonicalName, &attrs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal product attributes")
		}
	}
	return &p, nil
}

func collectPgIDs(rows pgx.Rows) ([]string, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, eris.Wrap(err, "postgres: collect ids")
}
