// Package pipeline implements the background fetch pipeline (spec §4.2):
// a single worker goroutine that resolves riff metadata, fetches and
// decodes its stems through the Stem Cache, and publishes a finished Riff
// in submission order.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/permutation"
	"github.com/riffbeam/engine/internal/riff"
	"github.com/riffbeam/engine/internal/stemcache"
)

// Resolver produces riff metadata for an id, or ok=false on any failure
// (cache miss with no authenticated network fallback, timeout, malformed
// record). See CachingResolver for the concrete implementation.
type Resolver interface {
	Resolve(ctx context.Context, id ident.RiffId) (riff.Meta, bool)
}

// request is one queued or in-flight resolve-and-build job.
type request struct {
	id   ident.RiffId
	perm *permutation.Permutation // nil means "caller didn't supply one"
}

// Result is delivered to OnComplete once in submission order. Riff is nil
// when resolution failed (spec §4.2 step 2: "publish (ident, null,
// permutation) and move to the next request").
type Result struct {
	ID   ident.RiffId
	Riff *riff.Riff
	Perm *permutation.Permutation
}

// Pipeline runs one background worker that serially resolves and builds
// riffs, obtaining a riff's stems one after another and never working on
// two riffs at once (spec §4.2: "single background worker thread").
type Pipeline struct {
	resolver         Resolver
	cache            *stemcache.Cache
	fetcher          *CDNFetcher
	deviceSampleRate int

	onComplete func(Result)
	onClear    func()
	logger     *slog.Logger

	mu           sync.Mutex
	queue        []request
	clearPending bool

	completedFetches atomic.Uint64
	failedFetches    atomic.Uint64
	cacheHits        atomic.Uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a Pipeline. onComplete is invoked from the worker goroutine for
// every dequeued request, in submission order; callers needing thread safety
// must synchronize inside it themselves (it is never called concurrently by
// this package, but it does run off the caller's goroutine).
func New(resolver Resolver, cache *stemcache.Cache, fetcher *CDNFetcher, deviceSampleRate int, onComplete func(Result), onClear func(), logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		resolver:         resolver,
		cache:            cache,
		fetcher:          fetcher,
		deviceSampleRate: deviceSampleRate,
		onComplete:       onComplete,
		onClear:          onClear,
		logger:           logger,
		wake:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start launches the worker goroutine. Call Stop to shut it down.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop signals the worker to exit after its current unit of work and waits
// for it to finish.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

// RequestRiff enqueues a resolve-and-build request for id. A request that is
// identical to the one currently at the tail of the queue (same id) is
// coalesced rather than duplicated, per spec §4.2: "duplicate consecutive
// requests for the same riff collapse into one."
func (p *Pipeline) RequestRiff(id ident.RiffId, perm *permutation.Permutation) {
	p.mu.Lock()
	if n := len(p.queue); n > 0 && p.queue[n-1].id == id {
		p.queue[n-1].perm = perm
	} else {
		p.queue = append(p.queue, request{id: id, perm: perm})
	}
	p.mu.Unlock()
	p.signal()
}

// RequestClear drops every queued-but-not-yet-started request and arms a
// one-shot clear callback once the worker reaches an idle point. In-flight
// stem decodes for a request already being built are allowed to finish
// (spec §4.2: "in-flight decodes finish; no new ones start until the queue
// is drained").
func (p *Pipeline) RequestClear() {
	p.mu.Lock()
	p.queue = nil
	p.clearPending = true
	p.mu.Unlock()
	p.signal()
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			req, clear, ok := p.dequeue()
			if clear {
				if p.onClear != nil {
					p.onClear()
				}
			}
			if !ok {
				break
			}
			p.process(req)

			select {
			case <-p.stop:
				return
			default:
			}
		}
	}
}

// dequeue pops the next request, also reporting (and clearing) a pending
// clear flag so run() invokes onClear exactly once per RequestClear call.
func (p *Pipeline) dequeue() (request, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear := p.clearPending
	p.clearPending = false
	if len(p.queue) == 0 {
		return request{}, clear, false
	}
	req := p.queue[0]
	p.queue = p.queue[1:]
	return req, clear, true
}

// process resolves metadata, builds the eight stem handles through the
// cache, assembles the Riff, and publishes the result (spec §4.2 steps 2-6).
func (p *Pipeline) process(req request) {
	ctx := context.Background()

	meta, ok := p.resolver.Resolve(ctx, req.id)
	if !ok {
		p.publish(Result{ID: req.id, Riff: nil, Perm: req.perm})
		return
	}

	var handles [riff.NumStems]*stemcache.Handle
	for i := 0; i < riff.NumStems; i++ {
		stemID := meta.StemIDs[i]
		if stemID.IsZero() {
			continue
		}
		if h, ok := p.cache.Lookup(stemID); ok {
			p.cacheHits.Add(1)
			handles[i] = h
			p.recordOutcome(h)
			continue
		}
		h, err := p.cache.GetOrInsert(stemID, p.fetcher.Decode)
		if err != nil {
			p.logger.Warn("pipeline: stem decode failed unexpectedly", "stem_id", stemID.String(), "err", err)
			p.failedFetches.Add(1)
			continue
		}
		handles[i] = h
		p.recordOutcome(h)
	}

	built, err := riff.Build(meta, p.deviceSampleRate, handles)
	if err != nil {
		p.logger.Error("pipeline: building riff", "riff_id", req.id.String(), "err", err)
		for _, h := range handles {
			if h != nil {
				h.Release()
			}
		}
		p.publish(Result{ID: req.id, Riff: nil, Perm: req.perm})
		return
	}

	p.publish(Result{ID: req.id, Riff: built, Perm: req.perm})
}

func (p *Pipeline) publish(r Result) {
	if p.onComplete != nil {
		p.onComplete(r)
	}
}

func (p *Pipeline) recordOutcome(h *stemcache.Handle) {
	if h.Stem() != nil && h.Stem().Failed {
		p.failedFetches.Add(1)
		return
	}
	p.completedFetches.Add(1)
}

// PendingRequests implements metrics.PipelineProvider.
func (p *Pipeline) PendingRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// CompletedFetches implements metrics.PipelineProvider.
func (p *Pipeline) CompletedFetches() uint64 { return p.completedFetches.Load() }

// FailedFetches implements metrics.PipelineProvider.
func (p *Pipeline) FailedFetches() uint64 { return p.failedFetches.Load() }

// CacheHits implements metrics.PipelineProvider.
func (p *Pipeline) CacheHits() uint64 { return p.cacheHits.Load() }
