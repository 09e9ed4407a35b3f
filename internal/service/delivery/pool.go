package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool 并发运行多个 Worker，依靠 SKIP LOCKED 互不干扰
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool newWorker 会被调用 n 次，参数为 worker 编号
func NewPool(n int, newWorker func(id int) *Worker, logger *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	workers := make([]*Worker, 0, n)
	for i := 1; i <= n; i++ {
		workers = append(workers, newWorker(i))
	}
	return &Pool{workers: workers, logger: logger}
}

// Size worker 数量
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run 阻塞直到 ctx 结束并且所有 worker 退出
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Starting delivery worker pool", zap.Int("workers", len(p.workers)))

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Wait()

	p.logger.Info("Delivery worker pool stopped")
}
