// Package parallel runs CPU-bound consensus validation across a
// bounded pool of worker goroutines. Adapted from the prior
// implementation's pkg/parallel/processor.go, whose ParallelProcessor/Worker/
// WorkItem shape and priority-queue submission path this package
// keeps, but whose per-work-type switch (UTXO update, Merkle tree,
// signature verification, state transition) only ever returned
// canned placeholder results; every work type here dispatches into a
// real pkg/consensus validation call instead.
package parallel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
)

// Config holds configuration for the validation pool.
type Config struct {
	MaxWorkers      int           // number of worker goroutines
	QueueSize       int           // size of the work queue
	Timeout         time.Duration // timeout applied to a single submission
	PriorityQueuing bool          // route Submit through the priority queue instead of the plain channel
}

// DefaultConfig returns a pool sized to the host's CPU count: a small
// number of worker threads is enough to drive CPU-bound validation.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:      runtime.NumCPU(),
		QueueSize:       1000,
		Timeout:         10 * time.Second,
		PriorityQueuing: true,
	}
}

// WorkKind identifies which consensus check a WorkItem dispatches to.
type WorkKind int

const (
	KindPhaseABlock WorkKind = iota
	KindPhaseBBlock
	KindStandaloneTx
)

// WorkItem is a unit of validation work submitted to the pool.
type WorkItem struct {
	ID       string
	Kind     WorkKind
	Block    *block.Block
	Tx       *block.Transaction
	Height   uint64
	Now      time.Time
	View     consensus.ParentView
	UTXOs    consensus.UTXOView
	Params   *chainparams.Params
	Priority int
	Result   chan *WorkResult
}

// WorkResult reports the outcome of one validated WorkItem.
type WorkResult struct {
	ID       string
	Success  bool
	Fee      uint64 // populated for KindPhaseBBlock/KindStandaloneTx
	Err      error
	Duration time.Duration
	WorkerID int
}

// WorkerStats tracks a single worker's throughput.
type WorkerStats struct {
	mu             sync.RWMutex
	ItemsProcessed int64
	Errors         int64
	LastActivity   time.Time
}

type worker struct {
	id       int
	pool     *Pool
	workChan <-chan *WorkItem
	stats    *WorkerStats
	ctx      context.Context
}

// PoolStats aggregates throughput across every worker.
type PoolStats struct {
	mu                  sync.RWMutex
	TotalItemsProcessed int64
	Errors              int64
}

// Pool is a bounded set of worker goroutines draining a shared work
// queue (or priority queue, if enabled) and running each WorkItem's
// consensus check.
type Pool struct {
	cfg           *Config
	workers       []*worker
	workQueue     chan *WorkItem
	priorityQueue *PriorityQueue
	stats         *PoolStats
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewPool constructs and starts a validation pool.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:           cfg,
		workQueue:     make(chan *WorkItem, cfg.QueueSize),
		priorityQueue: NewPriorityQueue(),
		stats:         &PoolStats{},
		ctx:           ctx,
		cancel:        cancel,
	}
	p.startWorkers()
	if cfg.PriorityQueuing {
		p.wg.Add(1)
		go p.drainPriorityQueue()
	}
	return p
}

func (p *Pool) startWorkers() {
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		w := &worker{id: i, pool: p, workChan: p.workQueue, stats: &WorkerStats{}, ctx: p.ctx}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run(&p.wg)
	}
}

// drainPriorityQueue feeds whatever arrives via SubmitWithPriority into
// the same bounded work queue the plain workers drain, so priority
// ordering happens before dispatch rather than requiring a second pool.
func (p *Pool) drainPriorityQueue() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for {
				item := p.priorityQueue.PopItem()
				if item == nil {
					break
				}
				select {
				case p.workQueue <- item:
				case <-p.ctx.Done():
					return
				}
			}
		}
	}
}

// Submit enqueues item on the plain FIFO queue.
func (p *Pool) Submit(item *WorkItem) error {
	select {
	case p.workQueue <- item:
		return nil
	case <-time.After(p.cfg.Timeout):
		return fmt.Errorf("parallel: work queue full, submission timeout")
	}
}

// SubmitWithPriority enqueues item on the priority queue (lower
// Priority value runs first), falling back to Submit if priority
// queuing is disabled.
func (p *Pool) SubmitWithPriority(item *WorkItem, priority int) error {
	if !p.cfg.PriorityQueuing {
		return p.Submit(item)
	}
	item.Priority = priority
	p.priorityQueue.PushItem(item, priority)
	return nil
}

// ValidateBlockPhaseA submits a context-free block validation and
// blocks until the result is ready or the pool's timeout elapses.
func (p *Pool) ValidateBlockPhaseA(b *block.Block, now time.Time, params *chainparams.Params) error {
	item := &WorkItem{
		ID:     fmt.Sprintf("phaseA-%x", b.Hash()),
		Kind:   KindPhaseABlock,
		Block:  b,
		Now:    now,
		Params: params,
		Result: make(chan *WorkResult, 1),
	}
	res, err := p.submitAndWait(item)
	if err != nil {
		return err
	}
	return res.Err
}

// ValidateBlockPhaseB submits a contextual block validation.
func (p *Pool) ValidateBlockPhaseB(b *block.Block, view consensus.ParentView, utxos consensus.UTXOView, params *chainparams.Params) (uint64, error) {
	item := &WorkItem{
		ID:     fmt.Sprintf("phaseB-%x", b.Hash()),
		Kind:   KindPhaseBBlock,
		Block:  b,
		View:   view,
		UTXOs:  utxos,
		Params: params,
		Result: make(chan *WorkResult, 1),
	}
	res, err := p.submitAndWait(item)
	if err != nil {
		return 0, err
	}
	return res.Fee, res.Err
}

// ValidateStandaloneTx submits a single mempool-admission validation.
func (p *Pool) ValidateStandaloneTx(tx *block.Transaction, height uint64, utxos consensus.UTXOView, params *chainparams.Params) (uint64, error) {
	item := &WorkItem{
		ID:     fmt.Sprintf("tx-%x", tx.TxID()),
		Kind:   KindStandaloneTx,
		Tx:     tx,
		Height: height,
		UTXOs:  utxos,
		Params: params,
		Result: make(chan *WorkResult, 1),
	}
	res, err := p.submitAndWait(item)
	if err != nil {
		return 0, err
	}
	return res.Fee, res.Err
}

func (p *Pool) submitAndWait(item *WorkItem) (*WorkResult, error) {
	if err := p.Submit(item); err != nil {
		return nil, err
	}
	select {
	case res := <-item.Result:
		return res, nil
	case <-time.After(p.cfg.Timeout):
		return nil, fmt.Errorf("parallel: validation of %s timed out", item.ID)
	}
}

// Stats returns a snapshot of aggregate pool throughput.
func (p *Pool) Stats() PoolStats {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()
	return PoolStats{TotalItemsProcessed: p.stats.TotalItemsProcessed, Errors: p.stats.Errors}
}

// QueueDepth reports how many items are waiting in the plain queue.
func (p *Pool) QueueDepth() int { return len(p.workQueue) }

// Close stops every worker and releases the queue.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	close(p.workQueue)
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case item, ok := <-w.workChan:
			if !ok {
				return
			}
			w.process(item)
		}
	}
}

func (w *worker) process(item *WorkItem) {
	start := time.Now()

	w.stats.mu.Lock()
	w.stats.LastActivity = start
	w.stats.mu.Unlock()

	res := &WorkResult{ID: item.ID, WorkerID: w.id}
	switch item.Kind {
	case KindPhaseABlock:
		res.Err = consensus.ValidatePhaseA(item.Block, item.Now, item.Params)
	case KindPhaseBBlock:
		res.Fee, res.Err = consensus.ValidatePhaseB(item.Block, item.View, item.UTXOs, item.Params)
	case KindStandaloneTx:
		res.Fee, res.Err = consensus.ValidateStandaloneTx(item.Tx, item.Height, item.UTXOs, item.Params)
	default:
		res.Err = fmt.Errorf("parallel: unknown work kind %d", item.Kind)
	}
	res.Success = res.Err == nil
	res.Duration = time.Since(start)

	w.stats.mu.Lock()
	w.stats.ItemsProcessed++
	if res.Err != nil {
		w.stats.Errors++
	}
	w.stats.mu.Unlock()

	pool := w.pool
	pool.stats.mu.Lock()
	pool.stats.TotalItemsProcessed++
	if res.Err != nil {
		pool.stats.Errors++
	}
	pool.stats.mu.Unlock()

	select {
	case item.Result <- res:
	default:
	}
}
