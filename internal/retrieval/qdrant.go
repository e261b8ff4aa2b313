package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// Payload keys besides the access fields.
const (
	payloadChunkID = "chunk_id"
	payloadContent = "content"
)

// pointNamespace derives stable point ids from chunk ids.
var pointNamespace = uuid.MustParse("6f1c7a52-3f0e-4d8e-9b57-2a9d7d0c4e11")

// QdrantRetriever searches a qdrant collection over gRPC with the predicate
// translated to a qdrant filter.
type QdrantRetriever struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger
}

// NewQdrantRetriever wraps client.
func NewQdrantRetriever(client *qdrant.Client, collection string, logger *zap.Logger) *QdrantRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantRetriever{client: client, collection: collection, logger: logger}
}

// Backend implements Retriever.
func (r *QdrantRetriever) Backend() accessfilter.Backend { return accessfilter.BackendQdrant }

// EnsureCollection creates the collection with cosine distance and payload
// indexes on the access fields when it does not exist.
func (r *QdrantRetriever) EnsureCollection(ctx context.Context, vectorSize uint64) error {
	exists, err := r.client.CollectionExists(ctx, r.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", r.collection, err)
	}
	if exists {
		return nil
	}
	err = r.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: r.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", r.collection, err)
	}

	indexes := map[accessfilter.Field]qdrant.FieldType{
		accessfilter.FieldSecurityLevel:  qdrant.FieldType_FieldTypeInteger,
		accessfilter.FieldDepartmentOnly: qdrant.FieldType_FieldTypeBool,
		accessfilter.FieldDepartmentID:   qdrant.FieldType_FieldTypeKeyword,
	}
	for field, ft := range indexes {
		_, err := r.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: r.collection,
			FieldName:      string(field),
			FieldType:      qdrant.PtrOf(ft),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("indexing %s: %w", field, err)
		}
	}
	return nil
}

// Index implements Retriever.
func (r *QdrantRetriever) Index(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if err := checkIndex(chunks, embeddings); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(c.ID)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: chunkPayload(c),
		}
	}
	_, err := r.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: r.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting chunks to %s: %w", r.collection, err)
	}
	return nil
}

// Search implements Retriever.
func (r *QdrantRetriever) Search(ctx context.Context, embedding []float32, p accessfilter.Predicate, k int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.QdrantSearch")
	defer span.End()
	span.SetAttributes(attribute.String("collection", r.collection))

	k, err := checkSearch(embedding, p, k)
	if err != nil {
		return nil, err
	}
	filter, err := accessfilter.ToQdrant(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translate")
		return nil, fmt.Errorf("translating access filter: %w", err)
	}

	points, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query")
		return nil, fmt.Errorf("searching collection %s: %w", r.collection, err)
	}

	out := make([]Chunk, 0, len(points))
	for _, pt := range points {
		c, err := chunkFromPayload(pt.GetPayload())
		if err != nil {
			r.logger.Error("point with malformed access payload skipped",
				zap.String("point_id", pt.GetId().GetUuid()), zap.Error(err))
			continue
		}
		c.Score = pt.GetScore()
		out = append(out, c)
	}
	out = recheck(r.logger, r.Backend(), p, out)
	span.SetAttributes(attribute.Int("retrieval.results", len(out)))
	return out, nil
}

func pointID(chunkID string) string {
	if _, err := uuid.Parse(chunkID); err == nil {
		return chunkID
	}
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func chunkPayload(c Chunk) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		payloadChunkID: {Kind: &qdrant.Value_StringValue{StringValue: c.ID}},
		payloadContent: {Kind: &qdrant.Value_StringValue{StringValue: c.Content}},
		string(accessfilter.FieldSecurityLevel): {
			Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(c.SecurityLevel)},
		},
		string(accessfilter.FieldDepartmentOnly): {
			Kind: &qdrant.Value_BoolValue{BoolValue: c.IsDepartmentOnly},
		},
		string(accessfilter.FieldDepartmentID): {
			Kind: &qdrant.Value_StringValue{StringValue: c.DepartmentID},
		},
	}
}

func chunkFromPayload(payload map[string]*qdrant.Value) (Chunk, error) {
	id := payload[payloadChunkID].GetStringValue()
	if id == "" {
		return Chunk{}, fmt.Errorf("%w: point without %s", clearance.ErrDataIntegrity, payloadChunkID)
	}
	level, ok := payload[string(accessfilter.FieldSecurityLevel)].GetKind().(*qdrant.Value_IntegerValue)
	if !ok {
		return Chunk{}, fmt.Errorf("%w: chunk %s has no integer security_level", clearance.ErrDataIntegrity, id)
	}
	deptOnly, ok := payload[string(accessfilter.FieldDepartmentOnly)].GetKind().(*qdrant.Value_BoolValue)
	if !ok {
		return Chunk{}, fmt.Errorf("%w: chunk %s has no boolean is_department_only", clearance.ErrDataIntegrity, id)
	}
	doc := accessfilter.Document{
		ID:               id,
		SecurityLevel:    clearance.Level(level.IntegerValue),
		IsDepartmentOnly: deptOnly.BoolValue,
		DepartmentID:     payload[string(accessfilter.FieldDepartmentID)].GetStringValue(),
	}
	if err := doc.Validate(); err != nil {
		return Chunk{}, err
	}
	return Chunk{Document: doc, Content: payload[payloadContent].GetStringValue()}, nil
}
