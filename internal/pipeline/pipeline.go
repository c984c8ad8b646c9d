// Package pipeline implements a bounded fan-out/fan-in worker pool that
// partitions an entry range into work units, fetches and decodes each
// concurrently, and reassembles the results into strict index order. The
// reorder stage releases entries only once they form a contiguous run
// starting at the next expected index, since the Merkle tree builder
// downstream needs them in exact order, not merely in arrival batches.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"ctmirror.dev/internal/entry"
	"ctmirror.dev/internal/logclient"
)

// BackpressureMultiplier bounds the ordering buffer at this many batches'
// worth of entries per worker.
const BackpressureMultiplier = 4

// WorkUnit is an inclusive [FirstIndex, LastIndex] range of log entries to
// fetch and decode as one get-entries call.
type WorkUnit struct {
	FirstIndex uint64
	LastIndex  uint64
}

func (w WorkUnit) count() uint64 { return w.LastIndex - w.FirstIndex + 1 }

// Partition splits [start, end) into work units of at most batchHint
// entries each.
func Partition(start, end, batchHint uint64) []WorkUnit {
	if batchHint == 0 {
		batchHint = 1
	}
	var units []WorkUnit
	for s := start; s < end; s += batchHint {
		last := s + batchHint - 1
		if last > end-1 {
			last = end - 1
		}
		units = append(units, WorkUnit{FirstIndex: s, LastIndex: last})
	}
	return units
}

// Pipeline drives the log client and entry decoder over a range of work
// units with a bounded number of concurrent fetches.
type Pipeline struct {
	client    *logclient.Client
	workers   int
	batchHint uint64
}

// New builds a Pipeline fetching through client with the given worker cap
// and server batch-size hint.
func New(client *logclient.Client, workers int, batchHint uint64) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{client: client, workers: workers, batchHint: batchHint}
}

// fetchResult holds one work unit's decoded entries, always starting at
// FirstIndex and containing a contiguous run (a short response's
// unreturned tail is requeued separately, so a fetchResult is never
// itself a partial batch by the time it reaches the reorder buffer).
type fetchResult struct {
	firstIndex uint64
	entries    []*entry.Decoded
}

// reorderBuffer is the mutex-guarded ordering buffer: completed fetches
// arrive out of order and accumulate here until the next expected index
// is present, at which point the drain loop releases a contiguous run to
// the caller.
type reorderBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[uint64]fetchResult
	buffered uint64 // total entries currently buffered, for backpressure
	next     uint64
	closed   bool
	err      error
}

func newReorderBuffer(start uint64) *reorderBuffer {
	b := &reorderBuffer{pending: make(map[uint64]fetchResult), next: start}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// waitForRoom blocks until incoming more entries fit under threshold (the
// backpressure ceiling, in buffered entries) or the buffer is closed.
func (b *reorderBuffer) waitForRoom(ctx context.Context, threshold uint64, incoming uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.closed && b.buffered+incoming > threshold {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.cond.Wait()
	}
	if b.closed && b.err != nil {
		return b.err
	}
	return nil
}

func (b *reorderBuffer) push(r fetchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending[r.firstIndex] = r
	b.buffered += uint64(len(r.entries))
	b.cond.Broadcast()
}

func (b *reorderBuffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}

// drain blocks until either the next contiguous run is available or the
// buffer has been closed (successfully or with an error).
func (b *reorderBuffer) drain(ctx context.Context) (fetchResult, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if r, ok := b.pending[b.next]; ok {
			delete(b.pending, r.firstIndex)
			b.buffered -= uint64(len(r.entries))
			b.next += uint64(len(r.entries))
			b.cond.Broadcast()
			return r, true, nil
		}
		if b.closed {
			return fetchResult{}, false, b.err
		}
		if ctx.Err() != nil {
			return fetchResult{}, false, ctx.Err()
		}
		b.cond.Wait()
	}
}

// Run fetches and decodes [start, end) and invokes emit once per entry in
// strict index order. Run returns the first error encountered by any
// worker or by emit; on error no further entries are emitted.
//
// A work unit whose response is shorter than requested has its unreturned
// tail requeued as a fresh work unit without counting against the
// original fetch's retry budget — the log client already retries
// transient failures internally, so a short-but-successful response here
// means the log legitimately capped the batch.
func (p *Pipeline) Run(ctx context.Context, start, end uint64, emit func(*entry.Decoded) error) error {
	if start >= end {
		return nil
	}

	units := Partition(start, end, p.batchHint)
	threshold := p.batchHint * uint64(p.workers) * BackpressureMultiplier
	if threshold == 0 {
		threshold = uint64(p.workers) * BackpressureMultiplier
	}

	buf := newReorderBuffer(start)
	workCh := make(chan WorkUnit, len(units)+p.workers)
	for _, u := range units {
		workCh <- u
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.workers)

	var pending sync.WaitGroup
	pending.Add(len(units))

	go func() {
		pending.Wait()
		close(workCh)
	}()

	for {
		unit, ok := <-workCh
		if !ok {
			break
		}
		unit := unit
		g.Go(func() error {
			defer pending.Done()
			if err := buf.waitForRoom(gctx, threshold, unit.count()); err != nil {
				return err
			}
			result, err := p.fetchUnit(gctx, unit)
			if err != nil {
				buf.fail(err)
				return err
			}
			if uint64(len(result.entries)) < unit.count() {
				gotLast := unit.FirstIndex + uint64(len(result.entries)) - 1
				tail := WorkUnit{FirstIndex: gotLast + 1, LastIndex: unit.LastIndex}
				pending.Add(1)
				workCh <- tail
			}
			buf.push(result)
			return nil
		})
	}

	drainErrCh := make(chan error, 1)
	go func() {
		for {
			r, ok, err := buf.drain(gctx)
			if err != nil {
				drainErrCh <- err
				return
			}
			if !ok {
				drainErrCh <- nil
				return
			}
			for _, e := range r.entries {
				if err := emit(e); err != nil {
					buf.fail(err)
					drainErrCh <- err
					return
				}
			}
			if buf.next >= end {
				drainErrCh <- nil
				return
			}
		}
	}()

	groupErr := g.Wait()
	if groupErr != nil {
		// A worker failed before dispatching every unit; unblock the drain
		// goroutine, which would otherwise wait forever for entries that
		// will never arrive.
		buf.fail(groupErr)
		<-drainErrCh
		return groupErr
	}

	// Every unit succeeded and has been pushed; the drain goroutine will
	// reach buf.next >= end on its own once it catches up.
	return <-drainErrCh
}

func (p *Pipeline) fetchUnit(ctx context.Context, unit WorkUnit) (fetchResult, error) {
	pairs, err := p.client.GetEntries(ctx, unit.FirstIndex, unit.LastIndex)
	if err != nil {
		return fetchResult{}, err
	}
	decoded := make([]*entry.Decoded, len(pairs))
	for i, pair := range pairs {
		d, err := entry.Decode(unit.FirstIndex+uint64(i), pair.LeafBytes, pair.ExtraData)
		if err != nil {
			return fetchResult{}, err
		}
		decoded[i] = d
	}
	return fetchResult{firstIndex: unit.FirstIndex, entries: decoded}, nil
}
