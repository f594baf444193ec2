package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("ragd.vectorstore.chromem")

// collectionNamePattern validates collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// errNoEmbedding is what chromem gets if it ever tries to embed on its own.
var errNoEmbedding = errors.New("chromem: embeddings must be computed by the caller")

func noEmbedding(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps data in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemBackend is a Backend on an embedded chromem-go database.
type ChromemBackend struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemBackend opens the database at cfg.Path.
func NewChromemBackend(cfg ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		logger.Warn("chromem backend has no path, data will not persist")
		return &ChromemBackend{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := openChromemDB(path, cfg.Compress, logger)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem backend initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("collections", len(db.ListCollections())),
	)
	return &ChromemBackend{db: db, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (b *ChromemBackend) Upsert(ctx context.Context, namespace string, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace), attribute.Int("chunk_count", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyChunks
	}
	if err := ValidateCollectionName(namespace); err != nil {
		return err
	}
	collection, err := b.db.GetOrCreateCollection(namespace, nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", namespace, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:      c.ID,
			Content: c.Content,
			Metadata: map[string]string{
				payloadTenantID:   c.TenantID,
				payloadDocumentID: c.DocumentID,
				payloadChunkIndex: strconv.Itoa(c.Index),
				payloadTitle:      c.Title,
			},
			Embedding: c.Vector,
		}
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	b.logger.Debug("added chunks to chromem",
		zap.String("collection", namespace),
		zap.Int("count", len(chunks)))
	return nil
}

func (b *ChromemBackend) Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredChunk, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace), attribute.Int("k", k))

	if err := ValidateCollectionName(namespace); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	collection := b.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return []ScoredChunk{}, nil
	}

	// chromem requires nResults <= document count.
	n := min(k, collection.Count())
	if n == 0 {
		return []ScoredChunk{}, nil
	}
	results, err := collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", namespace, err)
	}

	out := make([]ScoredChunk, len(results))
	for i, r := range results {
		index, _ := strconv.Atoi(r.Metadata[payloadChunkIndex])
		out[i] = ScoredChunk{
			Chunk: Chunk{
				ID:         r.ID,
				DocumentID: r.Metadata[payloadDocumentID],
				TenantID:   r.Metadata[payloadTenantID],
				Index:      index,
				Title:      r.Metadata[payloadTitle],
				Content:    r.Content,
			},
			Score: r.Similarity,
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (b *ChromemBackend) DeleteDocument(ctx context.Context, namespace, documentID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.DeleteDocument")
	defer span.End()
	span.SetAttributes(attribute.String("collection", namespace))

	if err := ValidateCollectionName(namespace); err != nil {
		return err
	}
	collection := b.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return nil
	}
	if err := collection.Delete(ctx, map[string]string{payloadDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting document %s from %s: %w", documentID, namespace, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *ChromemBackend) Count(_ context.Context, namespace string) (int, error) {
	if err := ValidateCollectionName(namespace); err != nil {
		return 0, err
	}
	collection := b.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return 0, nil
	}
	return collection.Count(), nil
}

func (b *ChromemBackend) Health(context.Context) error { return nil }

// Close is a no-op; chromem-go persists on every write.
func (b *ChromemBackend) Close() error {
	b.logger.Info("chromem backend closed")
	return nil
}

var _ Backend = (*ChromemBackend)(nil)

var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// openChromemDB loads a persistent DB. Collection directories that hold
// documents but lost their metadata file are moved to .quarantine so the
// remaining collections still load.
func openChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(path, logger)
	if findErr != nil || len(corrupt) == 0 {
		return nil, err
	}

	quarantine := filepath.Join(path, ".quarantine")
	if err := os.MkdirAll(quarantine, 0o700); err != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", err)
	}
	for _, hash := range corrupt {
		src := filepath.Join(path, hash)
		logger.Warn("quarantining corrupt collection", zap.String("collection_hash", hash))
		if err := os.Rename(src, filepath.Join(quarantine, hash)); err != nil {
			QuarantineTotal.WithLabelValues("error").Inc()
			logger.Error("failed to quarantine collection", zap.String("collection_hash", hash), zap.Error(err))
			continue
		}
		QuarantineTotal.WithLabelValues("success").Inc()
	}
	return chromem.NewPersistentDB(path, compress)
}

// findCorruptCollections returns collection directories with documents but
// no metadata file.
func findCorruptCollections(path string, logger *zap.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		if !entry.IsDir() || !collectionHashPattern.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "00000000.gob")); !os.IsNotExist(err) {
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("failed to read collection directory", zap.String("collection_hash", entry.Name()), zap.Error(err))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".gob") {
				corrupt = append(corrupt, entry.Name())
				break
			}
		}
	}
	return corrupt, nil
}
