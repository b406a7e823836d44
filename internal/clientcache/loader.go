package clientcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	stderrors "site-expansion/internal/common/errors"
	"site-expansion/internal/common/logger"
	"site-expansion/internal/common/metrics"
	"site-expansion/internal/models"
)

const (
	refreshKey            = "dataset"
	defaultRefreshTimeout = 2 * time.Minute
	lockRetryDelay        = 50 * time.Millisecond
)

var errRefreshLocked = errors.New("dataset refresh held by another process")

type LoaderOptions struct {
	Cache   *SQLiteCache
	Fetcher DatasetFetcher
	// LockPath guards refreshes across processes sharing the database file.
	LockPath       string
	RefreshTimeout time.Duration
	Logger         logger.Logger
}

// Loader serves cached records immediately and revalidates stale data in
// the background. Only an empty cache makes a read wait for the network.
type Loader struct {
	cache          *SQLiteCache
	fetcher        DatasetFetcher
	lock           *flock.Flock
	group          singleflight.Group
	pending        sync.WaitGroup
	refreshTimeout time.Duration
	logger         logger.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Cache == nil || opts.Fetcher == nil {
		return nil, errors.New("loader requires a cache and a fetcher")
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	l := &Loader{
		cache:          opts.Cache,
		fetcher:        opts.Fetcher,
		refreshTimeout: opts.RefreshTimeout,
		logger:         logger.ForComponent(log, "client-cache"),
	}
	if opts.LockPath != "" {
		l.lock = flock.New(opts.LockPath)
	}
	return l, nil
}

// Load returns every cached record.
func (l *Loader) Load(ctx context.Context) ([]models.StoreRecord, error) {
	return l.load(ctx, l.cache.GetAll)
}

// LoadViewport returns the cached records inside bounds.
func (l *Loader) LoadViewport(ctx context.Context, bounds models.Bounds) ([]models.StoreRecord, error) {
	return l.load(ctx, func(ctx context.Context) ([]models.StoreRecord, error) {
		return l.cache.GetByViewport(ctx, bounds)
	})
}

// load reads through read. When the cache is empty it refreshes
// synchronously and, on failure, returns the last-known data with the error.
func (l *Loader) load(ctx context.Context, read func(context.Context) ([]models.StoreRecord, error)) ([]models.StoreRecord, error) {
	meta, err := l.cache.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	if meta != nil {
		records, err := read(ctx)
		if err != nil {
			return nil, err
		}
		if stale, err := l.cache.IsStale(ctx); err == nil && stale {
			l.RefreshInBackground()
		}
		return records, nil
	}

	_, refreshErr, _ := l.group.Do(refreshKey, func() (interface{}, error) {
		return nil, l.refresh(ctx, true)
	})

	records, err := read(ctx)
	if err != nil {
		return nil, err
	}
	if refreshErr != nil {
		return records, refreshErr
	}
	return records, nil
}

// RefreshInBackground starts a refresh unless one is already running and
// returns at once.
func (l *Loader) RefreshInBackground() {
	ch := l.group.DoChan(refreshKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), l.refreshTimeout)
		defer cancel()
		return nil, l.refresh(ctx, false)
	})

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		if res := <-ch; res.Err != nil && !errors.Is(res.Err, errRefreshLocked) {
			l.logger.Warn("background dataset refresh failed", map[string]interface{}{"error": res.Err.Error()})
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (l *Loader) Wait() {
	l.pending.Wait()
}

// refresh fetches the dataset and replaces the cache. A blocking refresh
// waits for the file lock; a background one gives up when it is taken.
func (l *Loader) refresh(ctx context.Context, blocking bool) (err error) {
	mode := "background"
	if blocking {
		mode = "blocking"
	}
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, errRefreshLocked):
			result = "skipped"
		case err != nil:
			result = "error"
		}
		metrics.ClientCacheRefreshes.WithLabelValues(mode, result).Inc()
	}()

	if l.lock != nil {
		var locked bool
		if blocking {
			locked, err = l.lock.TryLockContext(ctx, lockRetryDelay)
		} else {
			locked, err = l.lock.TryLock()
		}
		if err != nil {
			return fmt.Errorf("acquire refresh lock: %w", err)
		}
		if !locked {
			return errRefreshLocked
		}
		defer l.lock.Unlock()
	}

	started := time.Now()
	dataset, err := l.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := l.cache.Set(ctx, dataset.Records, dataset.Version); err != nil {
		return stderrors.NewCacheWriteFailedError("store-dataset", err)
	}

	l.logger.Info("store dataset refreshed", map[string]interface{}{
		"mode":       mode,
		"version":    dataset.Version,
		"records":    len(dataset.Records),
		"durationMs": time.Since(started).Milliseconds(),
	})
	return nil
}
