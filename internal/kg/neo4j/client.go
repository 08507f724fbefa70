package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/runbook-agent/backend/pkg/circuitbreaker"
	"github.com/runbook-agent/backend/pkg/retry"
)

var ErrNotFound = errors.New("node not found")

type Options struct {
	URI      string
	Username string
	Password string
	Database string
	// Timeout bounds each operation including retries.
	Timeout time.Duration
	Logger  *zap.Logger
}

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	logger      *zap.Logger
}

// RunbookNode is a (:Runbook) vertex. The full runbook document is kept as
// JSON on the node so the graph can resolve runbooks on its own.
type RunbookNode struct {
	ID          string
	Title       string
	Description string
	Category    string
	Severity    string
	Document    string
}

// Resolution is one (:AlertType)-[:RESOLVED_BY]->(:Runbook) edge.
type Resolution struct {
	AlertType  string
	Runbook    RunbookNode
	Confidence float64
}

type ResolutionQuery struct {
	AlertType     string
	Terms         []string
	Severity      string
	Category      string
	MinConfidence float64
	Limit         int
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Database == "" {
		opts.Database = "neo4j"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(
		opts.URI,
		neo4j.BasicAuth(opts.Username, opts.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		FailureThreshold:  5,
		Window:            time.Minute,
		ResetTimeout:      20 * time.Second,
		BackoffMultiplier: 2,
		MaxResetTimeout:   2 * time.Minute,
		Logger:            opts.Logger,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         opts.Logger,
	}

	opts.Logger.Info("Neo4j client initialized", zap.String("uri", opts.URI), zap.String("database", opts.Database))

	return &Client{
		driver:      driver,
		database:    opts.Database,
		timeout:     opts.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
		logger:      opts.Logger,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(ctx context.Context, session neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(ctx, session)
		})
	})
}

func (c *Client) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT runbook_id IF NOT EXISTS FOR (r:Runbook) REQUIRE r.id IS UNIQUE`,
		`CREATE CONSTRAINT alert_type_name IF NOT EXISTS FOR (a:AlertType) REQUIRE a.name IS UNIQUE`,
	}

	return c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}

// UpsertResolution links an alert type to a runbook, creating either node
// as needed.
func (c *Client) UpsertResolution(ctx context.Context, res Resolution) error {
	query := `
		MERGE (a:AlertType {name: $alert_type})
		MERGE (r:Runbook {id: $id})
		SET r.title = $title,
		    r.description = $description,
		    r.category = $category,
		    r.severity = $severity,
		    r.document = $document,
		    r.updated_at = timestamp()
		MERGE (a)-[rel:RESOLVED_BY]->(r)
		SET rel.confidence = $confidence
	`

	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]any{
			"alert_type":  strings.ToLower(res.AlertType),
			"id":          res.Runbook.ID,
			"title":       res.Runbook.Title,
			"description": res.Runbook.Description,
			"category":    strings.ToLower(res.Runbook.Category),
			"severity":    strings.ToLower(res.Runbook.Severity),
			"document":    res.Runbook.Document,
			"confidence":  res.Confidence,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert resolution: %w", err)
	}

	c.logger.Debug("Resolution upserted",
		zap.String("alert_type", res.AlertType),
		zap.String("runbook_id", res.Runbook.ID),
		zap.Float64("confidence", res.Confidence),
	)
	return nil
}

// FindResolutions returns runbooks resolving the alert type, or whose title
// contains one of the terms when no alert type is given, strongest first.
func (c *Client) FindResolutions(ctx context.Context, q ResolutionQuery) ([]Resolution, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}

	terms := make([]string, 0, len(q.Terms))
	for _, t := range q.Terms {
		terms = append(terms, strings.ToLower(t))
	}

	query := `
		MATCH (a:AlertType)-[rel:RESOLVED_BY]->(r:Runbook)
		WHERE ($alert_type = '' OR a.name = $alert_type)
		  AND ($alert_type <> '' OR any(t IN $terms WHERE toLower(r.title) CONTAINS t))
		  AND ($severity = '' OR r.severity = $severity)
		  AND ($category = '' OR r.category = $category)
		  AND rel.confidence >= $min_confidence
		RETURN a.name AS alert_type, r.id AS id, r.title AS title,
		       r.description AS description, r.category AS category,
		       r.severity AS severity, rel.confidence AS confidence
		ORDER BY rel.confidence DESC
		LIMIT $limit
	`

	var resolutions []Resolution
	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		resolutions = resolutions[:0]

		result, err := session.Run(ctx, query, map[string]any{
			"alert_type":     strings.ToLower(q.AlertType),
			"terms":          terms,
			"severity":       strings.ToLower(q.Severity),
			"category":       strings.ToLower(q.Category),
			"min_confidence": q.MinConfidence,
			"limit":          int64(q.Limit),
		})
		if err != nil {
			return fmt.Errorf("failed to find resolutions: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			resolutions = append(resolutions, Resolution{
				AlertType: stringValue(record, "alert_type"),
				Runbook: RunbookNode{
					ID:          stringValue(record, "id"),
					Title:       stringValue(record, "title"),
					Description: stringValue(record, "description"),
					Category:    stringValue(record, "category"),
					Severity:    stringValue(record, "severity"),
				},
				Confidence: floatValue(record, "confidence"),
			})
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Graph search completed",
		zap.String("alert_type", q.AlertType),
		zap.Int("results_found", len(resolutions)),
	)

	return resolutions, nil
}

func (c *Client) GetRunbook(ctx context.Context, id string) (*RunbookNode, error) {
	query := `
		MATCH (r:Runbook {id: $id})
		RETURN r.id AS id, r.title AS title, r.description AS description,
		       r.category AS category, r.severity AS severity, r.document AS document
		LIMIT 1
	`

	var node *RunbookNode
	err := c.executeWithRetry(ctx, func(ctx context.Context, session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return fmt.Errorf("failed to get runbook: %w", err)
		}

		if result.Next(ctx) {
			record := result.Record()
			node = &RunbookNode{
				ID:          stringValue(record, "id"),
				Title:       stringValue(record, "title"),
				Description: stringValue(record, "description"),
				Category:    stringValue(record, "category"),
				Severity:    stringValue(record, "severity"),
				Document:    stringValue(record, "document"),
			}
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: runbook %s", ErrNotFound, id)
	}
	return node, nil
}

func stringValue(record *neo4j.Record, key string) string {
	v, _ := record.Get(key)
	s, _ := v.(string)
	return s
}

func floatValue(record *neo4j.Record, key string) float64 {
	v, _ := record.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
