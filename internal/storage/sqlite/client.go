package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/internal/storage/models"
	"github.com/runbook-agent/backend/pkg/logger"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runbooks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		category TEXT,
		severity TEXT,
		alert_types TEXT,
		tags TEXT,
		document TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runbooks_category ON runbooks(category);
	CREATE INDEX IF NOT EXISTS idx_runbooks_severity ON runbooks(severity);
	CREATE INDEX IF NOT EXISTS idx_runbooks_updated ON runbooks(updated_at);

	CREATE TABLE IF NOT EXISTS search_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		content_type TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		result_count INTEGER NOT NULL,
		top_score REAL,
		cache_hit INTEGER DEFAULT 0,
		partial INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_created ON search_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_search_fingerprint ON search_history(fingerprint);

	CREATE TABLE IF NOT EXISTS search_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		search_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		result_count INTEGER,
		latency_ms INTEGER,
		error TEXT,
		FOREIGN KEY (search_id) REFERENCES search_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_search ON search_sources(search_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertRunbook(ctx context.Context, rb *models.RunbookRecord) error {
	query := `
		INSERT INTO runbooks (id, title, description, category, severity, alert_types, tags, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			severity = excluded.severity,
			alert_types = excluded.alert_types,
			tags = excluded.tags,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	alertTypes, _ := json.Marshal(rb.AlertTypes)
	tags, _ := json.Marshal(rb.Tags)

	_, err := c.db.ExecContext(ctx,
		query,
		rb.ID,
		rb.Title,
		rb.Description,
		strings.ToLower(rb.Category),
		strings.ToLower(rb.Severity),
		string(alertTypes),
		string(tags),
		string(rb.Document),
		rb.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert runbook: %w", err)
	}

	logger.Debug("Runbook stored", zap.String("runbook_id", rb.ID))
	return nil
}

const runbookColumns = `id, title, description, category, severity, alert_types, tags, document, updated_at`

func scanRunbook(scan func(dest ...any) error) (*models.RunbookRecord, error) {
	var (
		rb                         models.RunbookRecord
		description, category, sev sql.NullString
		alertTypes, tags, document sql.NullString
		updatedAt                  int64
	)
	if err := scan(&rb.ID, &rb.Title, &description, &category, &sev, &alertTypes, &tags, &document, &updatedAt); err != nil {
		return nil, err
	}

	rb.Description = description.String
	rb.Category = category.String
	rb.Severity = sev.String
	rb.Document = []byte(document.String)
	rb.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if alertTypes.Valid && alertTypes.String != "" {
		_ = json.Unmarshal([]byte(alertTypes.String), &rb.AlertTypes)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &rb.Tags)
	}
	return &rb, nil
}

func (c *Client) GetRunbook(ctx context.Context, id string) (*models.RunbookRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+runbookColumns+` FROM runbooks WHERE id = ?`, id)
	rb, err := scanRunbook(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runbook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runbook: %w", err)
	}
	return rb, nil
}

type RunbookQuery struct {
	// Terms are matched with LIKE against title, description, tags and alert
	// types; a row matches when any term does.
	Terms     []string
	Severity  string
	Category  string
	AlertType string
	Limit     int
}

func (c *Client) SearchRunbooks(ctx context.Context, q RunbookQuery) ([]models.RunbookRecord, error) {
	var (
		where []string
		args  []any
	)

	if len(q.Terms) > 0 {
		var clauses []string
		for _, term := range q.Terms {
			like := "%" + escapeLike(strings.ToLower(term)) + "%"
			clauses = append(clauses, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\' OR LOWER(tags) LIKE ? ESCAPE '\' OR LOWER(alert_types) LIKE ? ESCAPE '\')`)
			args = append(args, like, like, like, like)
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, strings.ToLower(q.Severity))
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, strings.ToLower(q.Category))
	}
	if q.AlertType != "" {
		where = append(where, `LOWER(alert_types) LIKE ? ESCAPE '\'`)
		args = append(args, `%"`+escapeLike(strings.ToLower(q.AlertType))+`"%`)
	}

	query := `SELECT ` + runbookColumns + ` FROM runbooks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search runbooks: %w", err)
	}
	defer rows.Close()

	var records []models.RunbookRecord
	for rows.Next() {
		rb, err := scanRunbook(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, *rb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runbooks: %w", err)
	}

	return records, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (c *Client) InsertSearchRecord(ctx context.Context, record *models.SearchRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO search_history (id, query_text, content_type, fingerprint, result_count, top_score,
			cache_hit, partial, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.QueryText,
		record.ContentType,
		record.Fingerprint,
		record.ResultCount,
		record.TopScore,
		boolToInt(record.CacheHit),
		boolToInt(record.Partial),
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert search record: %w", err)
	}

	for _, src := range record.Sources {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO search_sources (search_id, source, status, result_count, latency_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID,
			src.Source,
			src.Status,
			src.ResultCount,
			src.LatencyMS,
			src.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert search source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit search record: %w", err)
	}

	logger.Debug("Search recorded",
		zap.String("search_id", record.ID),
		zap.String("query", record.QueryText),
		zap.Int("results", record.ResultCount),
	)
	return nil
}

func (c *Client) GetSearchHistory(ctx context.Context, limit int) ([]models.SearchRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_text, content_type, fingerprint, result_count, top_score, cache_hit, partial, latency_ms, created_at
		FROM search_history
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get search history: %w", err)
	}
	defer rows.Close()

	var records []models.SearchRecord
	for rows.Next() {
		var (
			r                 models.SearchRecord
			cacheHit, partial int
			createdAt         int64
		)
		err := rows.Scan(&r.ID, &r.QueryText, &r.ContentType, &r.Fingerprint, &r.ResultCount, &r.TopScore,
			&cacheHit, &partial, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.CacheHit = cacheHit == 1
		r.Partial = partial == 1
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search history: %w", err)
	}

	for i := range records {
		sources, err := c.searchSources(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Sources = sources
	}

	return records, nil
}

func (c *Client) searchSources(ctx context.Context, searchID string) ([]models.SearchSourceRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, search_id, source, status, result_count, latency_ms, error FROM search_sources WHERE search_id = ? ORDER BY id`,
		searchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get search sources: %w", err)
	}
	defer rows.Close()

	var out []models.SearchSourceRecord
	for rows.Next() {
		var s models.SearchSourceRecord
		var errText sql.NullString
		if err := rows.Scan(&s.ID, &s.SearchID, &s.Source, &s.Status, &s.ResultCount, &s.LatencyMS, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Error = errText.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
