package vectorstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig configures the pending-delete sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Default: 5 minutes.
	Interval time.Duration

	// Grace is how long a claim may stay unfinished before the sweeper takes
	// it over. Default: 2 minutes.
	Grace time.Duration

	// Settle returns the quota of a reclaimed document before its row is
	// removed. It is skipped for orphaned rows, which were never charged.
	// A failure leaves the row for the next sweep.
	Settle SettleFunc

	// OnReclaimed is called once per document the sweeper finished deleting.
	OnReclaimed func(ctx context.Context, doc Document)
}

// Sweeper finishes deletes that were claimed but never removed or restored,
// for example because the process died between the two steps.
type Sweeper struct {
	store  *TenantStore
	config *SweeperConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store *TenantStore, config *SweeperConfig, logger *zap.Logger) *Sweeper {
	if config == nil {
		config = &SweeperConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.Grace <= 0 {
		config.Grace = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:  store,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins sweeping in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting pending-delete sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("grace", s.config.Grace))

	go s.run(ctx)
}

// Stop halts the sweeper and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep finishes every claim older than the grace period and returns how
// many documents it removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.store.now().Add(-s.config.Grace)
	pending, err := s.store.catalog.Pending(ctx, cutoff)
	if err != nil {
		s.logger.Error("listing pending deletes failed", zap.Error(err))
		return 0
	}

	reclaimed := 0
	for _, doc := range pending {
		if ctx.Err() != nil {
			break
		}
		sc, err := newScope("Sweep", doc.TenantID)
		if err != nil {
			s.logger.Warn("skipping pending delete with invalid tenant",
				zap.String("document_id", doc.ID), zap.Error(err))
			PendingDeletesReclaimed.WithLabelValues("error").Inc()
			continue
		}
		err = s.store.policy.Do(ctx, func(ctx context.Context) error {
			return s.store.backend.DeleteDocument(ctx, sc.namespace, doc.ID)
		})
		if err != nil {
			s.logger.Warn("deleting pending vectors failed",
				zap.String("namespace", sc.namespace),
				zap.String("document_id", doc.ID),
				zap.Error(err))
			PendingDeletesReclaimed.WithLabelValues("error").Inc()
			continue
		}
		if s.config.Settle != nil && !doc.Orphaned {
			if err := s.config.Settle(ctx, doc); err != nil {
				s.logger.Warn("settling pending delete failed",
					zap.String("document_id", doc.ID), zap.Error(err))
				PendingDeletesReclaimed.WithLabelValues("error").Inc()
				continue
			}
		}
		if err := s.store.catalog.Remove(ctx, doc.TenantID, doc.ID); err != nil {
			s.logger.Warn("removing pending catalog row failed",
				zap.String("document_id", doc.ID), zap.Error(err))
			PendingDeletesReclaimed.WithLabelValues("error").Inc()
			continue
		}
		PendingDeletesReclaimed.WithLabelValues("success").Inc()
		reclaimed++
		if s.config.OnReclaimed != nil {
			s.config.OnReclaimed(ctx, doc)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("pending-delete sweep completed",
			zap.Int("pending", len(pending)),
			zap.Int("reclaimed", reclaimed))
	}
	return reclaimed
}
