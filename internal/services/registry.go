package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Registry provides access to the ragd components.
type Registry interface {
	Service() *rag.Service
	Ledger() *quota.Ledger
	Store() *vectorstore.TenantStore
	Embedder() embeddings.Provider
	Generator() generation.Generator
	Scrubber() secrets.Scrubber
	Publisher() events.Publisher

	// Start runs the background workers until ctx is done or Close.
	Start(ctx context.Context)
	// Close stops the workers and releases every component.
	Close() error
}

// Options configures the registry with component instances.
type Options struct {
	Service   *rag.Service
	Ledger    *quota.Ledger
	Store     *vectorstore.TenantStore
	Embedder  embeddings.Provider
	Generator generation.Generator
	Scrubber  secrets.Scrubber
	Publisher events.Publisher

	Sweeper     *vectorstore.Sweeper
	ResetWorker *quota.ResetWorker
	PlanWatcher *config.PlanWatcher
}

type registry struct {
	service   *rag.Service
	ledger    *quota.Ledger
	store     *vectorstore.TenantStore
	embedder  embeddings.Provider
	generator generation.Generator
	scrubber  secrets.Scrubber
	publisher events.Publisher

	sweeper     *vectorstore.Sweeper
	resetWorker *quota.ResetWorker
	planWatcher *config.PlanWatcher

	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewRegistry creates a registry from already built components.
func NewRegistry(opts Options, logger *zap.Logger) Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.Noop{}
	}
	return &registry{
		service:     opts.Service,
		ledger:      opts.Ledger,
		store:       opts.Store,
		embedder:    opts.Embedder,
		generator:   opts.Generator,
		scrubber:    opts.Scrubber,
		publisher:   opts.Publisher,
		sweeper:     opts.Sweeper,
		resetWorker: opts.ResetWorker,
		planWatcher: opts.PlanWatcher,
		logger:      logger,
	}
}

func (r *registry) Service() *rag.Service           { return r.service }
func (r *registry) Ledger() *quota.Ledger           { return r.ledger }
func (r *registry) Store() *vectorstore.TenantStore { return r.store }
func (r *registry) Embedder() embeddings.Provider   { return r.embedder }
func (r *registry) Generator() generation.Generator { return r.generator }
func (r *registry) Scrubber() secrets.Scrubber      { return r.scrubber }
func (r *registry) Publisher() events.Publisher     { return r.publisher }

func (r *registry) Start(ctx context.Context) {
	if r.sweeper != nil {
		r.sweeper.Start(ctx)
	}
	if r.resetWorker != nil {
		r.resetWorker.Start(ctx)
	}
	if r.planWatcher != nil {
		r.planWatcher.Start(ctx)
	}
}

func (r *registry) Close() error {
	r.closeOnce.Do(func() {
		if r.planWatcher != nil {
			r.planWatcher.Stop()
		}
		if r.resetWorker != nil {
			r.resetWorker.Stop()
		}
		if r.sweeper != nil {
			r.sweeper.Stop()
		}

		var errs []error
		closeOne := func(name string, fn func() error) {
			if err := fn(); err != nil {
				r.logger.Warn("failed to close component", zap.String("component", name), zap.Error(err))
				errs = append(errs, err)
			}
		}
		closeOne("publisher", r.publisher.Close)
		if r.store != nil {
			closeOne("store", r.store.Close)
		}
		if r.ledger != nil {
			closeOne("ledger", r.ledger.Close)
		}
		if r.embedder != nil {
			closeOne("embedder", r.embedder.Close)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
