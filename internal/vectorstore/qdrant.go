package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

var qdrantTracer = otel.Tracer("ragd.vectorstore.qdrant")

// QdrantClient is the subset of *qdrant.Client the backend uses.
type QdrantClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string
	// Port is the gRPC port, not the REST port. Default: 6334.
	Port   int
	APIKey string
	UseTLS bool
	// VectorSize must match the embedder's dimension.
	VectorSize uint64
	// MaxMessageSize bounds gRPC messages. Default: 50MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantBackend is a Backend on Qdrant's gRPC API.
type QdrantBackend struct {
	client     QdrantClient
	vectorSize uint64
	logger     *zap.Logger

	// collections caches namespaces known to exist.
	collections sync.Map
	createMu    sync.Mutex
}

// NewQdrantBackend connects to Qdrant and checks its health.
func NewQdrantBackend(cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	b := NewQdrantBackendWithClient(client, cfg.VectorSize, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Health(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewQdrantBackendWithClient wraps an existing client.
func NewQdrantBackendWithClient(client QdrantClient, vectorSize uint64, logger *zap.Logger) *QdrantBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantBackend{client: client, vectorSize: vectorSize, logger: logger}
}

// classifyGRPC marks transient gRPC failures retryable.
func classifyGRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return resilience.MarkRetryable(err)
	}
	return err
}

func (b *QdrantBackend) ensureCollection(ctx context.Context, namespace string) error {
	if _, ok := b.collections.Load(namespace); ok {
		return nil
	}
	b.createMu.Lock()
	defer b.createMu.Unlock()
	if _, ok := b.collections.Load(namespace); ok {
		return nil
	}

	exists, err := b.client.CollectionExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", namespace, classifyGRPC(err))
	}
	if !exists {
		err := b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: namespace,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     b.vectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return fmt.Errorf("creating collection %s: %w", namespace, classifyGRPC(err))
		}
		b.logger.Info("created qdrant collection", zap.String("collection", namespace))
	}
	b.collections.Store(namespace, true)
	return nil
}

func (b *QdrantBackend) Upsert(ctx context.Context, namespace string, chunks []Chunk) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace), attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	if err := ValidateCollectionName(namespace); err != nil {
		return err
	}
	if err := b.ensureCollection(ctx, namespace); err != nil {
		span.RecordError(err)
		return err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadTenantID:   c.TenantID,
				payloadDocumentID: c.DocumentID,
				payloadChunkIndex: int64(c.Index),
				payloadTitle:      c.Title,
				payloadContent:    c.Content,
			}),
		}
	}

	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: namespace,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", namespace, classifyGRPC(err))
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace), attribute.Int("k", k))

	if err := ValidateCollectionName(namespace); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if _, known := b.collections.Load(namespace); !known {
		exists, err := b.client.CollectionExists(ctx, namespace)
		if err != nil {
			return nil, fmt.Errorf("checking collection %s: %w", namespace, classifyGRPC(err))
		}
		if !exists {
			return []ScoredChunk{}, nil
		}
		b.collections.Store(namespace, true)
	}

	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: namespace,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", namespace, classifyGRPC(err))
	}

	out := make([]ScoredChunk, len(points))
	for i, p := range points {
		payload := p.GetPayload()
		out[i] = ScoredChunk{
			Chunk: Chunk{
				ID:         p.GetId().GetUuid(),
				DocumentID: payload[payloadDocumentID].GetStringValue(),
				TenantID:   payload[payloadTenantID].GetStringValue(),
				Index:      int(payload[payloadChunkIndex].GetIntegerValue()),
				Title:      payload[payloadTitle].GetStringValue(),
				Content:    payload[payloadContent].GetStringValue(),
			},
			Score: p.GetScore(),
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (b *QdrantBackend) DeleteDocument(ctx context.Context, namespace, documentID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace))

	if err := ValidateCollectionName(namespace); err != nil {
		return err
	}
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: namespace,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocumentID, documentID)},
		}),
	})
	if status.Code(err) == grpccodes.NotFound {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s from %s: %w", documentID, namespace, classifyGRPC(err))
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) Count(ctx context.Context, namespace string) (int, error) {
	if err := ValidateCollectionName(namespace); err != nil {
		return 0, err
	}
	n, err := b.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: namespace,
		Exact:          qdrant.PtrOf(true),
	})
	if status.Code(err) == grpccodes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting collection %s: %w", namespace, classifyGRPC(err))
	}
	return int(n), nil
}

func (b *QdrantBackend) Health(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Health")
	defer span.End()
	if _, err := b.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", classifyGRPC(err))
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

func (b *QdrantBackend) Close() error { return b.client.Close() }

var _ Backend = (*QdrantBackend)(nil)
