package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

type Options struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Logger         *zap.Logger
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	logger         *zap.Logger
}

// RunbookChunk is one embedded slice of a runbook document.
type RunbookChunk struct {
	ID        string
	RunbookID string
	Title     string
	Text      string
	Category  string
	Severity  string
	Embedding []float32
	UpdatedAt time.Time
}

type Filter struct {
	Category string
	Severity string
}

// Match is a chunk returned by similarity search. Distance is L2; smaller is
// closer.
type Match struct {
	ChunkID   string
	RunbookID string
	Title     string
	Text      string
	Category  string
	Severity  string
	UpdatedAt time.Time
	Distance  float32
}

var outputFields = []string{"chunk_id", "runbook_id", "title", "text", "category", "severity", "updated_at"}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c, err := client.NewClient(ctx, client.Config{
		Address: opts.Endpoint,
		APIKey:  opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	opts.Logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", opts.Endpoint),
		zap.String("collection", opts.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: opts.CollectionName,
		vectorDim:      opts.VectorDim,
		logger:         opts.Logger,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Dimension() int {
	return z.vectorDim
}

// Ping succeeds when the server answers and the collection exists.
func (z *Client) Ping(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return fmt.Errorf("collection %s does not exist", z.collectionName)
	}
	return nil
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		z.logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return nil
	}

	chunkID := varchar("chunk_id", 128)
	chunkID.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Runbook chunk embeddings",
		Fields: []*entity.Field{
			chunkID,
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			varchar("runbook_id", 128),
			varchar("title", 512),
			varchar("text", 4096),
			varchar("category", 128),
			varchar("severity", 32),
			{
				Name:     "updated_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	z.logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

func (z *Client) Insert(ctx context.Context, chunks []RunbookChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	chunkIDs := make([]string, n)
	embeddings := make([][]float32, n)
	runbookIDs := make([]string, n)
	titles := make([]string, n)
	texts := make([]string, n)
	categories := make([]string, n)
	severities := make([]string, n)
	updated := make([]int64, n)

	for i, chunk := range chunks {
		if len(chunk.Embedding) != z.vectorDim {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, expected %d", chunk.ID, len(chunk.Embedding), z.vectorDim)
		}
		chunkIDs[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		runbookIDs[i] = chunk.RunbookID
		titles[i] = chunk.Title
		texts[i] = chunk.Text
		categories[i] = strings.ToLower(chunk.Category)
		severities[i] = strings.ToLower(chunk.Severity)
		updated[i] = chunk.UpdatedAt.Unix()
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
		entity.NewColumnVarChar("runbook_id", runbookIDs),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnVarChar("severity", severities),
		entity.NewColumnInt64("updated_at", updated),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	z.logger.Info("Chunks inserted into vector DB", zap.Int("count", n))

	return nil
}

// FilterExpr builds the boolean expression restricting a search to the given
// category and severity.
func FilterExpr(f Filter) string {
	var clauses []string
	if f.Category != "" {
		clauses = append(clauses, fmt.Sprintf(`category == %s`, strconv.Quote(strings.ToLower(f.Category))))
	}
	if f.Severity != "" {
		clauses = append(clauses, fmt.Sprintf(`severity == %s`, strconv.Quote(strings.ToLower(f.Severity))))
	}
	return strings.Join(clauses, " && ")
}

func (z *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, filter Filter) ([]Match, error) {
	expr := FilterExpr(filter)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	matches := make([]Match, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			m := Match{
				ChunkID:   columnString(sr.Fields, "chunk_id", i),
				RunbookID: columnString(sr.Fields, "runbook_id", i),
				Title:     columnString(sr.Fields, "title", i),
				Text:      columnString(sr.Fields, "text", i),
				Category:  columnString(sr.Fields, "category", i),
				Severity:  columnString(sr.Fields, "severity", i),
				Distance:  sr.Scores[i],
			}
			if col := sr.Fields.GetColumn("updated_at"); col != nil {
				if v, err := col.GetAsInt64(i); err == nil && v > 0 {
					m.UpdatedAt = time.Unix(v, 0).UTC()
				}
			}
			matches = append(matches, m)
		}
	}

	z.logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
		zap.String("filters", expr),
	)

	return matches, nil
}

func columnString(fields client.ResultSet, name string, i int) string {
	col := fields.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return v
}
