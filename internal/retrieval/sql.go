package retrieval

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// ChunkRecord is the chunks table row.
type ChunkRecord struct {
	ID               string    `gorm:"primaryKey;type:varchar(255)"`
	Content          string    `gorm:"type:text;not null"`
	SecurityLevel    int       `gorm:"not null;index"`
	IsDepartmentOnly bool      `gorm:"not null;default:false"`
	DepartmentID     string    `gorm:"type:varchar(255);not null;default:'';index"`
	Embedding        []float32 `gorm:"serializer:json;not null"`
}

// TableName overrides the table name.
func (ChunkRecord) TableName() string { return "chunks" }

// SQLRetriever filters chunks in the database with the translated WHERE
// clause and ranks the admitted rows by exact cosine similarity.
type SQLRetriever struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLRetriever wraps db.
func NewSQLRetriever(db *gorm.DB, logger *zap.Logger) *SQLRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLRetriever{db: db, logger: logger}
}

// Backend implements Retriever.
func (r *SQLRetriever) Backend() accessfilter.Backend { return accessfilter.BackendSQL }

// Migrate creates the chunks table.
func (r *SQLRetriever) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ChunkRecord{})
}

// Index implements Retriever.
func (r *SQLRetriever) Index(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if err := checkIndex(chunks, embeddings); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]ChunkRecord, len(chunks))
	for i, c := range chunks {
		rows[i] = ChunkRecord{
			ID:               c.ID,
			Content:          c.Content,
			SecurityLevel:    int(c.SecurityLevel),
			IsDepartmentOnly: c.IsDepartmentOnly,
			DepartmentID:     c.DepartmentID,
			Embedding:        embeddings[i],
		}
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("indexing chunks: %w", err)
	}
	return nil
}

// Search implements Retriever.
func (r *SQLRetriever) Search(ctx context.Context, embedding []float32, p accessfilter.Predicate, k int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.SQLSearch")
	defer span.End()

	k, err := checkSearch(embedding, p, k)
	if err != nil {
		return nil, err
	}
	where, args, err := accessfilter.ToSQL(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translate")
		return nil, fmt.Errorf("translating access filter: %w", err)
	}

	var rows []ChunkRecord
	if err := r.db.WithContext(ctx).Where(where, args...).Find(&rows).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query")
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("retrieval.candidates", len(rows)))

	out := make([]Chunk, 0, len(rows))
	for _, row := range rows {
		doc := accessfilter.Document{
			ID:               row.ID,
			SecurityLevel:    clearance.Level(row.SecurityLevel),
			IsDepartmentOnly: row.IsDepartmentOnly,
			DepartmentID:     row.DepartmentID,
		}
		if err := doc.Validate(); err != nil {
			r.logger.Error("chunk with malformed access columns skipped",
				zap.String("chunk_id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, Chunk{
			Document: doc,
			Content:  row.Content,
			Score:    cosineSimilarity(embedding, row.Embedding),
		})
	}
	sortByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	out = recheck(r.logger, r.Backend(), p, out)
	span.SetAttributes(attribute.Int("retrieval.results", len(out)))
	return out, nil
}
