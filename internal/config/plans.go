package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/quota"
)

// LoadPlans reads plan limit overrides from a YAML file of the form
//
//	plans:
//	  free:
//	    documents: 20
//	    queries_per_month: 500
//
// Plans absent from the file keep their defaults; so do limits absent from a
// listed plan.
func LoadPlans(path string) (map[quota.Plan]quota.Limits, error) {
	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("plans file %s not found", path)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse plans file %s: %w", path, err)
	}

	defaults := quota.DefaultLimits()
	out := make(map[quota.Plan]quota.Limits)
	for _, name := range k.MapKeys("plans") {
		plan, err := quota.ParsePlan(name)
		if err != nil {
			return nil, fmt.Errorf("plans file %s: %w", path, err)
		}
		limits := defaults[plan]
		if err := k.UnmarshalWithConf("plans."+name, &limits, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
			return nil, fmt.Errorf("plans file %s: plan %s: %w", path, name, err)
		}
		out[plan] = limits
	}
	return out, nil
}

// PlanWatcher reloads a plans file into a plan table whenever it changes.
type PlanWatcher struct {
	path     string
	table    *quota.PlanTable
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewPlanWatcher applies the file once and prepares to watch it. A file
// that fails to load here is an error; later failures keep the previous
// table and are logged.
func NewPlanWatcher(path string, table *quota.PlanTable, logger *zap.Logger) (*PlanWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PlanWatcher{
		path:     filepath.Clean(path),
		table:    table,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize plans watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	return w, nil
}

func (w *PlanWatcher) reload() error {
	plans, err := LoadPlans(w.path)
	if err != nil {
		return err
	}
	if err := w.table.Apply(plans); err != nil {
		return fmt.Errorf("applying plans file %s: %w", w.path, err)
	}
	w.logger.Info("plan limits loaded", zap.String("path", w.path), zap.Int("plans", len(plans)))
	return nil
}

// Start watches in the background until ctx is done or Stop is called.
func (w *PlanWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *PlanWatcher) run(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.reload(); err != nil {
				w.logger.Error("plans reload failed, keeping previous limits", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plans watcher error", zap.Error(err))
		}
	}
}

// Stop ends watching. It is safe to call more than once.
func (w *PlanWatcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

// Wait blocks until the watch loop has exited. Only valid after Start.
func (w *PlanWatcher) Wait() { <-w.done }
