// Package telemetry keeps in-process counters for the offline layer.
//
// Counters never leave the process. They back the status endpoint of the
// desktop gateway and the runtime state snapshot.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/mipyme/offline/internal/interceptor"
	"github.com/mipyme/offline/internal/router"
	syncpkg "github.com/mipyme/offline/internal/sync"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Since time.Time `json:"since"`

	NetworkReads  int64 `json:"network_reads"`
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`
	CacheErrors   int64 `json:"cache_errors"`
	NetworkWrites int64 `json:"network_writes"`
	QueuedWrites  int64 `json:"queued_writes"`
	Passthrough   int64 `json:"passthrough"`
	RequestErrors int64 `json:"request_errors"`

	Replayed     int64 `json:"replayed"`
	ReplayFailed int64 `json:"replay_failed"`
	DeadLettered int64 `json:"dead_lettered"`
	SyncPasses   int64 `json:"sync_passes"`
}

// Counters accumulates request and replay outcomes. The zero value is not
// usable; call New.
type Counters struct {
	since time.Time

	networkReads  atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	cacheErrors   atomic.Int64
	networkWrites atomic.Int64
	queuedWrites  atomic.Int64
	passthrough   atomic.Int64
	requestErrors atomic.Int64

	replayed     atomic.Int64
	replayFailed atomic.Int64
	deadLettered atomic.Int64
	syncPasses   atomic.Int64
}

// New creates zeroed counters.
func New() *Counters {
	return &Counters{since: time.Now()}
}

// RecordResult counts the outcome of one intercepted request.
func (c *Counters) RecordResult(res *interceptor.Result, err error) {
	if err != nil || res == nil {
		c.requestErrors.Add(1)
		return
	}
	if res.CacheError != nil {
		c.cacheErrors.Add(1)
	}

	switch res.Kind {
	case router.KindCacheableRead:
		switch {
		case res.FromCache:
			c.cacheHits.Add(1)
		case res.Offline:
			c.cacheMisses.Add(1)
		default:
			c.networkReads.Add(1)
		}
	case router.KindWrite:
		if res.Queued {
			c.queuedWrites.Add(1)
		} else {
			c.networkWrites.Add(1)
		}
	default:
		c.passthrough.Add(1)
	}
}

// Observer returns a sync observer feeding the replay counters.
func (c *Counters) Observer() syncpkg.ObserverFuncs {
	return syncpkg.ObserverFuncs{
		Success: func(syncpkg.SyncSuccess) { c.replayed.Add(1) },
		Failure: func(e syncpkg.SyncFailure) {
			c.replayFailed.Add(1)
			if e.Disposition == syncpkg.DispositionDeadLetter {
				c.deadLettered.Add(1)
			}
		},
		Pass: func(syncpkg.PassResult) { c.syncPasses.Add(1) },
	}
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Since:         c.since,
		NetworkReads:  c.networkReads.Load(),
		CacheHits:     c.cacheHits.Load(),
		CacheMisses:   c.cacheMisses.Load(),
		CacheErrors:   c.cacheErrors.Load(),
		NetworkWrites: c.networkWrites.Load(),
		QueuedWrites:  c.queuedWrites.Load(),
		Passthrough:   c.passthrough.Load(),
		RequestErrors: c.requestErrors.Load(),
		Replayed:      c.replayed.Load(),
		ReplayFailed:  c.replayFailed.Load(),
		DeadLettered:  c.deadLettered.Load(),
		SyncPasses:    c.syncPasses.Load(),
	}
}
