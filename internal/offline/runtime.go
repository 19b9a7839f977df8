// Package offline wires the offline request layer into one runtime object:
// cache store, pending-operation queue, router, interceptor, connectivity
// monitor, sync engine and scheduler.
//
// A Runtime is constructed explicitly and owns everything it opens. There is
// no package-level state; several runtimes with different namespaces can
// live in one process.
package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mipyme/offline/internal/cache"
	"github.com/mipyme/offline/internal/config"
	"github.com/mipyme/offline/internal/connectivity"
	"github.com/mipyme/offline/internal/crypto"
	apperrors "github.com/mipyme/offline/internal/errors"
	"github.com/mipyme/offline/internal/interceptor"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/router"
	syncpkg "github.com/mipyme/offline/internal/sync"
	"github.com/mipyme/offline/internal/sync/queue"
	"github.com/mipyme/offline/internal/sync/scheduler"
	"github.com/mipyme/offline/internal/telemetry"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	client *http.Client
	creds  interceptor.CredentialProvider
	store  cache.Store
}

// WithHTTPClient sets the client used for backend requests and probes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithCredentials sets the authentication capability applied to outgoing
// requests and, when configured, to replays.
func WithCredentials(p interceptor.CredentialProvider) Option {
	return func(o *options) { o.creds = p }
}

// WithCacheStore uses s instead of opening the configured backend. The
// caller keeps ownership of s.
func WithCacheStore(s cache.Store) Option {
	return func(o *options) { o.store = s }
}

// State is what the UI shows about the offline layer.
type State struct {
	IsOnline          bool                `json:"is_online"`
	LastChange        time.Time           `json:"last_change"`
	PendingOperations int                 `json:"pending_operations"`
	DeadLetters       int                 `json:"dead_letters"`
	LastSyncTime      *time.Time          `json:"last_sync_time,omitempty"`
	Syncing           bool                `json:"syncing"`
	LastResult        *syncpkg.PassResult `json:"last_result,omitempty"`
}

// Runtime is the offline layer of one namespace.
type Runtime struct {
	cfg *config.Config

	store       cache.Store
	ownsStore   bool
	queue       *queue.Queue
	router      *router.Router
	monitor     *connectivity.Monitor
	interceptor *interceptor.Interceptor
	engine      *syncpkg.Engine
	scheduler   *scheduler.Scheduler
	counters    *telemetry.Counters
	countersSub *syncpkg.Subscription

	closeOnce sync.Once
	closeErr  error
	logger    *logging.Logger
}

// New opens the stores under cfg.StoreDir() and builds every component.
// Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{client: &http.Client{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}

	rt := &Runtime{
		cfg:      cfg,
		counters: telemetry.New(),
		logger:   logging.Named("offline"),
	}

	r, err := router.New(router.Config{
		CacheablePatterns: cfg.CacheableResourcePatterns,
		CriticalPatterns:  cfg.CriticalResourcePatterns,
		InvalidationMap:   cfg.InvalidationMap,
	})
	if err != nil {
		return nil, err
	}
	rt.router = r

	if o.store != nil {
		rt.store = o.store
	} else {
		store, err := openCache(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.store = store
		rt.ownsStore = true
	}

	queueOpts := []queue.Option{queue.WithMaxSize(cfg.Queue.MaxSize)}
	if cfg.Queue.HeaderKey != "" {
		sealer, err := crypto.NewSealer(cfg.Queue.HeaderKey)
		if err != nil {
			rt.closeStores()
			return nil, apperrors.Wrap(apperrors.ErrConfig, "queue header key", err)
		}
		queueOpts = append(queueOpts, queue.WithSealer(sealer))
	}
	q, err := queue.Open(ctx, cfg.StoreDir(), queueOpts...)
	if err != nil {
		rt.closeStores()
		return nil, err
	}
	rt.queue = q

	rt.monitor = connectivity.New(
		connectivity.WithProbeURL(cfg.ProbeURL()),
		connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout),
		connectivity.WithHTTPClient(o.client),
	)

	icOpts := []interceptor.Option{
		interceptor.WithHTTPClient(o.client),
		interceptor.WithBaseURL(cfg.BaseURL),
		interceptor.WithNetworkTimeout(cfg.NetworkTimeout),
		interceptor.WithReporter(rt.monitor),
		interceptor.WithPreserveOrder(cfg.Queue.PreserveOrder),
	}
	if o.creds != nil {
		icOpts = append(icOpts, interceptor.WithCredentials(o.creds))
	}
	rt.interceptor = interceptor.New(r, rt.store, q, icOpts...)

	rt.engine = syncpkg.NewEngine(q, rt.interceptor, rt.store, r,
		syncpkg.WithMaxRetries(cfg.Queue.MaxRetries),
		syncpkg.WithReresolveCredentials(cfg.Sync.ReresolveCredentials && o.creds != nil),
	)
	rt.interceptor.SetSyncRequester(rt.engine)
	rt.countersSub = rt.engine.Subscribe(rt.counters.Observer())

	rt.scheduler = scheduler.NewScheduler(rt.engine, rt.monitor, q, rt.store, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		MaxBackoff:    cfg.Sync.MaxBackoff,
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		SweepInterval: cfg.Cache.SweepInterval,
		MaxCacheAge:   cfg.MaxCacheAge,
		SweepExempt:   r.CriticalPrefixes(),
	})

	rt.logger.Info("Offline runtime ready", map[string]interface{}{
		"namespace":     cfg.Namespace,
		"store_dir":     cfg.StoreDir(),
		"cache_backend": cfg.Cache.Backend,
		"pending":       q.Count(),
		"dead_letters":  q.DeadLetterCount(),
	})
	return rt, nil
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	opts := []cache.Option{cache.WithMaxBytes(cfg.Cache.MaxBytes)}
	switch cfg.Cache.Backend {
	case config.BackendFile:
		return cache.OpenFile(ctx, cfg.StoreDir(), opts...)
	default:
		return cache.OpenSQLite(ctx, cfg.StoreDir(), opts...)
	}
}

// Start starts the scheduler. Background work stops when ctx is cancelled
// or Close is called.
func (rt *Runtime) Start(ctx context.Context) {
	rt.scheduler.Start(ctx)
}

// Close stops background work, waits for in-flight invalidations and closes
// the stores. Queued operations survive for the next run.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		rt.scheduler.Stop()
		rt.countersSub.Unsubscribe()
		var errs []error
		if err := rt.engine.Close(); err != nil {
			errs = append(errs, err)
		}
		rt.interceptor.Wait()
		if err := rt.closeStores(); err != nil {
			errs = append(errs, err)
		}
		rt.closeErr = errors.Join(errs...)
		rt.logger.Info("Offline runtime closed", map[string]interface{}{
			"namespace": rt.cfg.Namespace,
		})
	})
	return rt.closeErr
}

func (rt *Runtime) closeStores() error {
	var errs []error
	if rt.queue != nil {
		if err := rt.queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.ownsStore && rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Do sends req through the interceptor.
func (rt *Runtime) Do(ctx context.Context, req *http.Request) (*interceptor.Result, error) {
	res, err := rt.interceptor.Do(ctx, req)
	rt.counters.RecordResult(res, err)
	return res, err
}

// State returns a snapshot for the UI.
func (rt *Runtime) State() State {
	conn := rt.monitor.State()
	return State{
		IsOnline:          conn.Online,
		LastChange:        conn.LastChange,
		PendingOperations: rt.queue.Count(),
		DeadLetters:       rt.queue.DeadLetterCount(),
		LastSyncTime:      rt.engine.LastSync(),
		Syncing:           rt.engine.Status() == syncpkg.SyncStatusSyncing,
		LastResult:        rt.engine.LastResult(),
	}
}

// SyncNow runs a sync pass and waits for it.
func (rt *Runtime) SyncNow(ctx context.Context) (*syncpkg.PassResult, error) {
	return rt.engine.SyncNow(ctx)
}

// RequestSync starts a sync pass without waiting for it. The returned
// channel is closed when that pass is done.
func (rt *Runtime) RequestSync() <-chan struct{} {
	return rt.engine.Trigger()
}

// ClearCache removes every cache entry. Pending operations are untouched.
func (rt *Runtime) ClearCache(ctx context.Context) (int, error) {
	n, err := rt.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	rt.logger.Info("Cache cleared", map[string]interface{}{"removed": n})
	return n, nil
}

// CacheSize returns the bytes held by cached values.
func (rt *Runtime) CacheSize(ctx context.Context) (int64, error) {
	return rt.store.Size(ctx)
}

// Subscribe registers a sync observer.
func (rt *Runtime) Subscribe(obs syncpkg.Observer) *syncpkg.Subscription {
	return rt.engine.Subscribe(obs)
}

// Probe checks the health endpoint now and updates connectivity state.
func (rt *Runtime) Probe(ctx context.Context) bool {
	return rt.monitor.Probe(ctx)
}

// Monitor returns the connectivity monitor, for platform network signals
// and change subscriptions.
func (rt *Runtime) Monitor() *connectivity.Monitor { return rt.monitor }

// Queue returns the pending-operation queue.
func (rt *Runtime) Queue() *queue.Queue { return rt.queue }

// Scheduler returns the background scheduler.
func (rt *Runtime) Scheduler() *scheduler.Scheduler { return rt.scheduler }

// Metrics returns the in-process request and replay counters.
func (rt *Runtime) Metrics() telemetry.Snapshot { return rt.counters.Snapshot() }

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() *config.Config { return rt.cfg }
