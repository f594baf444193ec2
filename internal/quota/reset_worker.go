package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResetWorkerConfig configures periodic counter resets.
type ResetWorkerConfig struct {
	// Interval between sweeps. Default: 1 hour.
	Interval time.Duration

	// OnError is called when a tenant reset fails.
	OnError func(tenantID string, err error)
}

// ResetWorker rolls periodic counters forward in the background so that
// status reads and idle tenants show the current period. Updates through the
// ledger roll over on their own; the worker only keeps stored records fresh.
//
// The first sweep covers every tenant in the store. Later sweeps cover the
// tenants the ledger touched since the previous sweep.
type ResetWorker struct {
	ledger *Ledger
	config *ResetWorkerConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewResetWorker creates a reset worker for ledger.
func NewResetWorker(ledger *Ledger, config *ResetWorkerConfig, logger *zap.Logger) *ResetWorker {
	if config == nil {
		config = &ResetWorkerConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResetWorker{
		ledger: ledger,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins sweeping in a goroutine.
func (w *ResetWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("starting quota reset worker",
		zap.Duration("interval", w.config.Interval))

	go w.run(ctx)
}

// Stop halts the worker and waits for the current sweep to finish.
func (w *ResetWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

func (w *ResetWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	if ids, err := w.ledger.Tenants(ctx); err != nil {
		w.logger.Error("listing ledger tenants failed", zap.Error(err))
	} else {
		w.Sweep(ctx, ids)
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Sweep(ctx, w.ledger.DrainSeen())
		}
	}
}

// Sweep resets periodic counters of the given tenants. It returns how many
// tenants had at least one counter reset.
func (w *ResetWorker) Sweep(ctx context.Context, tenantIDs []string) int {
	now := w.ledger.cfg.Now()
	reset := 0
	for _, id := range tenantIDs {
		if ctx.Err() != nil {
			break
		}
		dims, err := w.ledger.ResetPeriodic(ctx, id, nil, now)
		if err != nil {
			w.logger.Warn("periodic reset failed", zap.String("tenant_id", id), zap.Error(err))
			if w.config.OnError != nil {
				w.config.OnError(id, err)
			}
			continue
		}
		if len(dims) > 0 {
			reset++
		}
	}
	w.logger.Debug("quota reset sweep completed",
		zap.Int("tenants", len(tenantIDs)),
		zap.Int("reset", reset))
	return reset
}
