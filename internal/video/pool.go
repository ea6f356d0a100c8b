package video

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

var (
	ErrQueueFull  = errors.New("video job queue is full")
	ErrPoolClosed = errors.New("video worker pool is closed")
)

// Job is one submission to the video API for a row that already holds a credit.
type Job struct {
	VideoID  string
	ImageURL string
}

type worker struct {
	id     int
	jobs   <-chan Job
	logger *slog.Logger
}

// start consumes jobs until the queue is closed and empty. Once ctx is done the
// remaining jobs are handed to abandon instead of being submitted.
func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process, abandon func(context.Context, Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for job := range w.jobs {
			if ctx.Err() != nil {
				w.logger.Warn("abandoning queued video job", "worker_id", w.id, "video_id", job.VideoID)
				abandon(context.Background(), job)
				continue
			}
			w.logger.Debug("worker processing video job", "worker_id", w.id, "video_id", job.VideoID)
			process(ctx, job)
		}
		w.logger.Debug("video worker shutting down", "worker_id", w.id)
	}()
}

type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool runs video submissions in the background so generate requests return
// as soon as the credit is taken. Every accepted job is either processed or
// abandoned before Shutdown returns.
type Pool struct {
	jobQueue chan Job
	workers  int
	process  func(context.Context, Job)
	abandon  func(context.Context, Job)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewPool(cfg PoolConfig, process, abandon func(context.Context, Job), lg *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if abandon == nil {
		abandon = func(context.Context, Job) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobQueue: make(chan Job, cfg.QueueSize),
		workers:  cfg.Workers,
		process:  process,
		abandon:  abandon,
		logger:   logger.OrDefault(lg),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		w := &worker{id: i, jobs: p.jobQueue, logger: p.logger}
		w.start(p.ctx, &p.wg, p.process, p.abandon)
	}
	p.logger.Info("video worker pool started", "workers", p.workers, "queue_size", cap(p.jobQueue))
}

// Enqueue never blocks; a full queue is reported to the caller.
func (p *Pool) Enqueue(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and lets the workers drain the queue. When ctx ends
// first, in-flight submissions are cancelled and whatever is still queued is
// abandoned. Returns ctx.Err() in that case.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobQueue)
	started := p.started
	p.mu.Unlock()

	p.logger.Info("shutting down video worker pool", "queued", len(p.jobQueue))

	if !started {
		p.cancel()
		for job := range p.jobQueue {
			p.abandon(context.Background(), job)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("video worker pool drain deadline reached", "queued", len(p.jobQueue))
		p.cancel()
		<-done
		return ctx.Err()
	}
}
