// Package ingest turns raw document text into stored, embedded chunks under
// a quota reservation.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const op = "AddDocument"

var tracer = otel.Tracer("ragd.ingest")

// Limits on incoming documents.
const (
	DefaultMaxDocumentBytes = 1 << 20
	DefaultMaxTitleRunes    = 256
	DefaultEmbedBatchSize   = 32
	DefaultTitle            = "Untitled"
)

// Ledger is the part of *quota.Ledger the pipeline needs.
type Ledger interface {
	CheckAndReserve(ctx context.Context, tenantID string, delta quota.Delta) (*quota.Reservation, error)
	Commit(ctx context.Context, res *quota.Reservation) error
	Release(ctx context.Context, res *quota.Reservation) error
}

// Store is the part of *vectorstore.TenantStore the pipeline needs.
type Store interface {
	Put(ctx context.Context, tenantID string, doc vectorstore.Document, chunks []vectorstore.Chunk) (vectorstore.Document, error)
	Discard(ctx context.Context, tenantID string, doc vectorstore.Document) error
}

// Config configures a Pipeline.
type Config struct {
	MaxDocumentBytes int           `koanf:"max_document_bytes"`
	MaxTitleRunes    int           `koanf:"max_title_runes"`
	EmbedBatchSize   int           `koanf:"embed_batch_size"`
	Chunk            ChunkerConfig `koanf:"chunk"`
	// Timeout bounds a whole AddDocument call. Zero disables it.
	Timeout time.Duration `koanf:"timeout"`
	// CleanupTimeout bounds rollback after a failure. Default: 10s.
	CleanupTimeout time.Duration `koanf:"cleanup_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if c.MaxTitleRunes <= 0 {
		c.MaxTitleRunes = DefaultMaxTitleRunes
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

// Result is returned by AddDocument.
type Result struct {
	DocumentID    string `json:"document_id"`
	ChunksCreated int    `json:"chunks_created"`
}

// Pipeline ingests documents.
type Pipeline struct {
	cfg       Config
	chunker   *Chunker
	ledger    Ledger
	store     Store
	embedder  embeddings.Provider
	scrubber  secrets.Scrubber
	publisher events.Publisher
	logger    *zap.Logger
	newID     func() string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithScrubber redacts secrets before chunking.
func WithScrubber(s secrets.Scrubber) Option {
	return func(p *Pipeline) { p.scrubber = s }
}

// WithPublisher sends document.added events.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithIDGenerator overrides document ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// New builds a Pipeline.
func New(cfg Config, ledger Ledger, store Store, embedder embeddings.Provider, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	cfg.applyDefaults()
	chunker, err := NewChunker(cfg.Chunk)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:       cfg,
		chunker:   chunker,
		ledger:    ledger,
		store:     store,
		embedder:  embedder,
		scrubber:  secrets.Noop{},
		publisher: events.Nop{},
		logger:    logger,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) validate(tenantID, title, text string) (string, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return "", ragerr.Authentication(op, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ragerr.Validation(op, "text is required")
	}
	if len(text) > p.cfg.MaxDocumentBytes {
		return "", ragerr.Validation(op, fmt.Sprintf("text exceeds %d bytes", p.cfg.MaxDocumentBytes))
	}
	if !utf8.ValidString(text) {
		return "", ragerr.Validation(op, "text is not valid UTF-8")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	if !utf8.ValidString(title) {
		return "", ragerr.Validation(op, "title is not valid UTF-8")
	}
	if utf8.RuneCountInString(title) > p.cfg.MaxTitleRunes {
		return "", ragerr.Validation(op, fmt.Sprintf("title exceeds %d characters", p.cfg.MaxTitleRunes))
	}
	return title, nil
}

// AddDocument validates, chunks, embeds and stores text for tenantID. Quota is
// reserved before any store mutation; a failure after the reservation leaves
// neither chunks nor usage behind.
func (p *Pipeline) AddDocument(ctx context.Context, tenantID, title, text string) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Pipeline.AddDocument")
	defer span.End()

	res, err := p.addDocument(ctx, tenantID, title, text)
	outcome := "success"
	if err != nil {
		outcome = string(ragerr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("chunks_created", res.ChunksCreated))
		ChunksPerDocument.Observe(float64(res.ChunksCreated))
	}
	DocumentsTotal.WithLabelValues(outcome).Inc()
	Duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (p *Pipeline) addDocument(ctx context.Context, tenantID, title, text string) (Result, error) {
	title, err := p.validate(tenantID, title, text)
	if err != nil {
		return Result{}, err
	}

	if scrubbed := p.scrubber.Scrub(text); scrubbed.HasFindings() {
		p.logger.Info("redacted secrets from document",
			zap.String("tenant_id", tenantID),
			zap.Strings("rules", scrubbed.RuleIDs()),
			zap.Int("findings", len(scrubbed.Findings)))
		text = scrubbed.Scrubbed
	}

	parts, err := p.chunker.Split(text)
	if err != nil {
		return Result{}, ragerr.Ingestion(op, err)
	}
	if len(parts) == 0 {
		return Result{}, ragerr.Validation(op, "text produced no chunks")
	}

	var size int64
	for _, part := range parts {
		size += int64(len(part))
	}
	delta := quota.Delta{Documents: 1, Vectors: int64(len(parts)), StorageBytes: size, Uploads: 1}

	res, err := p.ledger.CheckAndReserve(ctx, tenantID, delta)
	if err != nil {
		return Result{}, err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	docID := p.newID()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("document_id", docID), attribute.Int("chunk_count", len(parts)))

	chunks, err := p.embed(ctx, tenantID, docID, title, parts)
	if err != nil {
		p.release(ctx, res)
		return Result{}, err
	}

	doc, err := p.store.Put(ctx, tenantID, vectorstore.Document{ID: docID, TenantID: tenantID, Title: title}, chunks)
	if err != nil {
		p.release(ctx, res)
		switch ragerr.KindOf(err) {
		case ragerr.KindIsolationViolation, ragerr.KindValidation, ragerr.KindAuthentication:
			return Result{}, err
		}
		return Result{}, ragerr.Ingestion(op, err)
	}

	if err := p.ledger.Commit(ctx, res); err != nil {
		cctx, cancel := p.cleanupContext(ctx)
		defer cancel()
		if derr := p.store.Discard(cctx, tenantID, doc); derr != nil {
			p.logger.Error("failed to remove document after commit failure",
				zap.String("tenant_id", tenantID),
				zap.String("document_id", docID),
				zap.Error(derr))
		}
		p.release(ctx, res)
		return Result{}, ragerr.Ingestion(op, fmt.Errorf("committing reservation: %w", err))
	}

	p.logger.Info("document added",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", docID),
		zap.Int("chunks", doc.VectorCount),
		zap.Int64("bytes", doc.ContentLength))
	_ = p.publisher.Publish(ctx, events.DocumentAdded{
		TenantID:   tenantID,
		DocumentID: docID,
		Title:      title,
		Chunks:     doc.VectorCount,
		Bytes:      doc.ContentLength,
	})
	return Result{DocumentID: docID, ChunksCreated: len(chunks)}, nil
}

// embed turns parts into chunks, calling the embedder in batches.
func (p *Pipeline) embed(ctx context.Context, tenantID, docID, title string, parts []string) ([]vectorstore.Chunk, error) {
	chunks := make([]vectorstore.Chunk, 0, len(parts))
	for from := 0; from < len(parts); from += p.cfg.EmbedBatchSize {
		to := min(from+p.cfg.EmbedBatchSize, len(parts))
		vectors, err := p.embedder.EmbedDocuments(ctx, parts[from:to])
		if err != nil {
			return nil, ragerr.Embedding(op, err)
		}
		if len(vectors) != to-from {
			return nil, ragerr.Embedding(op, fmt.Errorf("%w: got %d vectors for %d chunks",
				embeddings.ErrEmbeddingFailed, len(vectors), to-from))
		}
		for i, v := range vectors {
			index := from + i
			chunks = append(chunks, vectorstore.Chunk{
				ID:         vectorstore.ChunkID(docID, index),
				DocumentID: docID,
				TenantID:   tenantID,
				Index:      index,
				Title:      title,
				Content:    parts[index],
				Vector:     v,
			})
		}
	}
	return chunks, nil
}

func (p *Pipeline) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
}

func (p *Pipeline) release(ctx context.Context, res *quota.Reservation) {
	cctx, cancel := p.cleanupContext(ctx)
	defer cancel()
	if err := p.ledger.Release(cctx, res); err != nil {
		// The hold expires on its own after the ledger's TTL.
		p.logger.Warn("failed to release reservation",
			zap.String("tenant_id", res.TenantID),
			zap.String("reservation_id", res.ID),
			zap.Error(err))
	}
}
