package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Task 池中执行的任务，ctx 在排空超时或池停止后取消
type Task func(ctx context.Context)

// WorkerPool 协程池
//
// 用于限制后置分发的并发数量，队列满时调用方可选择丢弃
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	wg         sync.WaitGroup
	log        *zap.Logger

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc

	panics  atomic.Int64
	dropped atomic.Int64
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        log.Named("pool"),
	}
}

// Start 启动协程池
//
// 任务的 ctx 保留 ctx 中的值但不随其取消，只在 Shutdown 排空超时或 Stop 结束后取消，
// 这样关闭阶段队列中的任务仍能完成外部请求。
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop 停止接收新任务，等待队列中的任务执行完毕
func (p *WorkerPool) Stop() {
	_ = p.Shutdown(context.Background())
}

// Shutdown 停止接收新任务并排空队列
//
// ctx 结束前仍未排空时取消任务的 ctx，等待正在执行的任务返回，并返回 ctx.Err()。
// 剩余未开始的任务会以已取消的 ctx 执行。
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskQueue)
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		cancel = func() {}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		p.log.Warn("worker pool drain timed out", zap.Int("queued", len(p.taskQueue)))
		cancel()
		<-done
		return ctx.Err()
	}
}

// QueueLen 队列中等待的任务数
func (p *WorkerPool) QueueLen() int {
	return len(p.taskQueue)
}

// Dropped 因队列满或池停止而被丢弃的任务数
func (p *WorkerPool) Dropped() int64 {
	return p.dropped.Load()
}

// Panics 任务 panic 次数
func (p *WorkerPool) Panics() int64 {
	return p.panics.Load()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(ctx, task)
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task(ctx)
}
