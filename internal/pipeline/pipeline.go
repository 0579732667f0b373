// Package pipeline buffers request rows, response patches, and streaming
// chunks, and batch-writes them to the store. Persistence is best-effort:
// under sustained back-pressure items are dropped rather than failing or
// stalling the client request.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/telemetry"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256 // per worker

	batchSize  = 100
	flushAfter = time.Second
	// enqueueWait is how long a producer blocks on a full queue before the
	// item is dropped.
	enqueueWait = 500 * time.Millisecond
	drainTime   = 30 * time.Second
)

// Writer is the persistence interface consumed by the pipeline.
type Writer interface {
	InsertRequest(ctx context.Context, r *scribe.Request) error
	PatchRequest(ctx context.Context, p scribe.RequestPatch) error
	InsertChunks(ctx context.Context, chunks []scribe.Chunk) error
}

// item is one queued write; exactly one field is set.
type item struct {
	req   *scribe.Request
	patch *scribe.RequestPatch
	chunk *scribe.Chunk
}

// Pipeline fans writes out to a small worker pool. Items are routed by
// request id, so everything belonging to one request flows through one
// worker in enqueue order: chunks stay index-ascending and the final patch
// lands after them.
type Pipeline struct {
	store   Writer
	metrics *telemetry.Metrics

	queues []chan item
	depth  atomic.Int64

	// inflight is the chunk correlation index: a request id is present from
	// a successful InsertRequest enqueue until its PatchRequest is enqueued.
	// Chunks for ids not present are dropped, which keeps every stored chunk
	// anchored to a stored request row.
	inflight sync.Map

	draining atomic.Bool
	drainErr atomic.Bool
}

// Options tunes a Pipeline; zero values take defaults.
type Options struct {
	Workers   int
	QueueSize int
	Metrics   *telemetry.Metrics
}

// New returns a Pipeline writing to store. Run must be started for items to
// flush.
func New(store Writer, opts Options) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p := &Pipeline{store: store, metrics: opts.Metrics, queues: make([]chan item, workers)}
	for i := range p.queues {
		p.queues[i] = make(chan item, size)
	}
	return p
}

// Name identifies the pipeline in runner logs.
func (p *Pipeline) Name() string { return "write_pipeline" }

// Run drains the queues until ctx is cancelled, then flushes what remains
// within the drain timeout. A failed drain flush is returned as an error so
// the caller can exit dirty.
func (p *Pipeline) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, q := range p.queues {
		g.Go(func() error {
			p.loop(ctx, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if p.drainErr.Load() {
		return fmt.Errorf("write pipeline: drain flush failed")
	}
	return nil
}

// InsertRequest enqueues the pre-response request row and opens the chunk
// correlation window for its id.
func (p *Pipeline) InsertRequest(r *scribe.Request) {
	if !p.enqueue(r.RequestID, item{req: r}, "request") {
		return
	}
	p.inflight.Store(r.RequestID, struct{}{})
}

// InsertChunk enqueues one streamed chunk. Chunks whose request row was never
// enqueued (or was already patched) are dropped.
func (p *Pipeline) InsertChunk(c scribe.Chunk) {
	if _, ok := p.inflight.Load(c.RequestID); !ok {
		p.drop("chunk_orphan")
		return
	}
	p.enqueue(c.RequestID, item{chunk: &c}, "chunk")
}

// PatchRequest enqueues the response-completion patch and closes the chunk
// correlation window.
func (p *Pipeline) PatchRequest(patch scribe.RequestPatch) {
	if _, ok := p.inflight.Load(patch.RequestID); !ok {
		return
	}
	p.enqueue(patch.RequestID, item{patch: &patch}, "patch")
	p.inflight.Delete(patch.RequestID)
}

// Depth returns the number of queued items across all workers.
func (p *Pipeline) Depth() int { return int(p.depth.Load()) }

// enqueue routes an item to its request's worker, blocking up to enqueueWait
// on a full queue before dropping.
func (p *Pipeline) enqueue(requestID string, it item, kind string) bool {
	q := p.queues[p.route(requestID)]
	select {
	case q <- it:
		p.incDepth(1)
		return true
	default:
	}

	t := time.NewTimer(enqueueWait)
	defer t.Stop()
	select {
	case q <- it:
		p.incDepth(1)
		return true
	case <-t.C:
		p.drop(kind)
		slog.Warn("write pipeline: item dropped, queue full", "kind", kind, "request_id", requestID)
		return false
	}
}

func (p *Pipeline) route(requestID string) int {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) incDepth(d int64) {
	n := p.depth.Add(d)
	if p.metrics != nil {
		p.metrics.PipelineDepth.Set(float64(n))
	}
}

func (p *Pipeline) drop(kind string) {
	if p.metrics != nil {
		p.metrics.PipelineDrops.WithLabelValues(kind).Inc()
	}
}

// loop batches one queue: flush at batchSize items or when the oldest
// buffered item turns flushAfter old, whichever first.
func (p *Pipeline) loop(ctx context.Context, q chan item) {
	buf := make([]item, 0, batchSize)
	timer := time.NewTimer(flushAfter)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case it := <-q:
			p.incDepth(-1)
			if len(buf) == 0 {
				timer.Reset(flushAfter)
			}
			buf = append(buf, it)
			if len(buf) >= batchSize {
				stopTimer(timer)
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-timer.C:
			if len(buf) > 0 {
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			stopTimer(timer)
			p.drain(q, buf)
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// drain empties the queue after shutdown with a bounded fresh context.
func (p *Pipeline) drain(q chan item, buf []item) {
	p.draining.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case it := <-q:
			p.incDepth(-1)
			buf = append(buf, it)
			if len(buf) >= batchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				p.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes one batch in order. Runs of consecutive chunks collapse into
// a single multi-row insert; requests and patches flush any pending chunk run
// first so a patch is never written ahead of its chunks.
func (p *Pipeline) flush(ctx context.Context, buf []item) {
	chunks := make([]scribe.Chunk, 0, len(buf))
	flushChunks := func() {
		if len(chunks) == 0 {
			return
		}
		if err := p.store.InsertChunks(ctx, chunks); err != nil {
			p.flushError(ctx, "chunks", len(chunks), err)
		}
		chunks = chunks[:0]
	}

	for _, it := range buf {
		switch {
		case it.chunk != nil:
			chunks = append(chunks, *it.chunk)
		case it.req != nil:
			flushChunks()
			if err := p.store.InsertRequest(ctx, it.req); err != nil {
				p.flushError(ctx, "request", 1, err)
			}
		case it.patch != nil:
			flushChunks()
			if err := p.store.PatchRequest(ctx, *it.patch); err != nil {
				p.flushError(ctx, "patch", 1, err)
			}
		}
	}
	flushChunks()
}

// Nop is the recorder installed when storage is disabled: the proxy still
// forwards, nothing is recorded.
type Nop struct{}

func (Nop) InsertRequest(*scribe.Request)    {}
func (Nop) InsertChunk(scribe.Chunk)         {}
func (Nop) PatchRequest(scribe.RequestPatch) {}

func (p *Pipeline) flushError(ctx context.Context, kind string, count int, err error) {
	if p.draining.Load() {
		// Data lost at shutdown; the process exits dirty.
		p.drainErr.Store(true)
	}
	p.drop(kind + "_flush")
	slog.LogAttrs(ctx, slog.LevelError, "write pipeline: flush failed",
		slog.String("kind", kind),
		slog.Int("count", count),
		slog.String("error", err.Error()))
}
