package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/domain"
)

// ScalingPolicy selects how the pool sizes itself.
type ScalingPolicy string

const (
	// PolicyFixed keeps the pool at MinWorkers.
	PolicyFixed ScalingPolicy = "fixed"
	// PolicyManual leaves sizing to AddWorker/RemoveWorker callers.
	PolicyManual ScalingPolicy = "manual"
	// PolicyAuto scales between MinWorkers and MaxWorkers on queue depth.
	PolicyAuto ScalingPolicy = "auto"
)

// PoolConfig tunes the pool and the workers it creates.
type PoolConfig struct {
	Policy              ScalingPolicy
	MinWorkers          int
	MaxWorkers          int
	Worker              Config
	ScaleUpThreshold    int64
	ScaleDownThreshold  int64
	ScaleCooldownUp     time.Duration
	ScaleCooldownDown   time.Duration
	ScaleInterval       time.Duration
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int
	MetricsInterval     time.Duration
	MetricsRingSize     int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Policy == "" {
		c.Policy = PolicyFixed
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 20
	}
	if c.ScaleDownThreshold < 0 {
		c.ScaleDownThreshold = 2
	}
	if c.ScaleCooldownUp <= 0 {
		c.ScaleCooldownUp = 30 * time.Second
	}
	if c.ScaleCooldownDown <= 0 {
		c.ScaleCooldownDown = 2 * time.Minute
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.MetricsRingSize <= 0 {
		c.MetricsRingSize = 120
	}
	return c
}

// PoolMetrics is one sampled snapshot of the pool.
type PoolMetrics struct {
	SampledAt    time.Time `json:"sampled_at"`
	Workers      int       `json:"workers"`
	PendingDepth int64     `json:"pending_depth"`
	TasksDone    int64     `json:"tasks_done"`
	TasksFailed  int64     `json:"tasks_failed"`
}

// Pool manages N workers with identical config. Membership changes are
// guarded by a single mutex.
type Pool struct {
	queue    domain.TaskQueue
	registry *HandlerRegistry
	cfg      PoolConfig

	mu      sync.Mutex
	workers map[string]*Worker
	errRuns map[string]int

	lastScaleUp   time.Time
	lastScaleDown time.Time

	metricsMu   sync.Mutex
	metricsRing []PoolMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool; Start spins up MinWorkers and the control loops.
func NewPool(queue domain.TaskQueue, registry *HandlerRegistry, cfg PoolConfig) *Pool {
	return &Pool{
		queue:    queue,
		registry: registry,
		cfg:      cfg.withDefaults(),
		workers:  make(map[string]*Worker),
		errRuns:  make(map[string]int),
	}
}

// Start launches the initial workers and the scaling/health/metrics loops.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.AddWorker()
	}
	if p.cfg.Policy == PolicyAuto {
		p.wg.Add(1)
		go p.scaleLoop()
	}
	p.wg.Add(2)
	go p.healthLoop()
	go p.metricsLoop()
	slog.Info("worker pool started",
		slog.String("policy", string(p.cfg.Policy)),
		slog.Int("min_workers", p.cfg.MinWorkers),
		slog.Int("max_workers", p.cfg.MaxWorkers))
}

// Stop halts the control loops and all workers.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	observability.WorkersActive.Set(0)
	slog.Info("worker pool stopped")
}

// AddWorker creates and starts one worker. Returns its id.
func (p *Pool) AddWorker() string {
	id := "worker-" + uuid.NewString()[:8]
	w := New(id, p.queue, p.registry, p.cfg.Worker)

	p.mu.Lock()
	p.workers[id] = w
	count := len(p.workers)
	p.mu.Unlock()

	w.Start(p.ctx)
	observability.WorkersActive.Set(float64(count))
	slog.Info("worker added", slog.String("worker_id", id), slog.Int("pool_size", count))
	return id
}

// RemoveWorker stops and removes the named worker.
func (p *Pool) RemoveWorker(id string) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
		delete(p.errRuns, id)
	}
	count := len(p.workers)
	p.mu.Unlock()
	if !ok {
		return false
	}
	w.Stop()
	observability.WorkersActive.Set(float64(count))
	slog.Info("worker removed", slog.String("worker_id", id), slog.Int("pool_size", count))
	return true
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Metrics returns the retained metrics samples, oldest first.
func (p *Pool) Metrics() []PoolMetrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return append([]PoolMetrics(nil), p.metricsRing...)
}

func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.autoscale()
		}
	}
}

// autoscale adds one worker under backlog, removes one idle worker when the
// queue drains, both subject to cooldowns.
func (p *Pool) autoscale() {
	depth, err := p.queue.PendingDepth(p.ctx)
	if err != nil {
		slog.Warn("autoscale depth probe failed", slog.Any("error", err))
		return
	}
	now := time.Now()

	p.mu.Lock()
	size := len(p.workers)
	p.mu.Unlock()

	switch {
	case depth > p.cfg.ScaleUpThreshold && size < p.cfg.MaxWorkers && now.Sub(p.lastScaleUp) >= p.cfg.ScaleCooldownUp:
		p.lastScaleUp = now
		p.AddWorker()
		slog.Info("scaled up", slog.Int64("pending_depth", depth), slog.Int("workers", size+1))
	case depth < p.cfg.ScaleDownThreshold && size > p.cfg.MinWorkers && now.Sub(p.lastScaleDown) >= p.cfg.ScaleCooldownDown:
		// Pick any idle worker; never stop one mid-task.
		var victim string
		p.mu.Lock()
		for id, w := range p.workers {
			if w.Status() == StatusIdle {
				victim = id
				break
			}
		}
		p.mu.Unlock()
		if victim != "" {
			p.lastScaleDown = now
			p.RemoveWorker(victim)
			slog.Info("scaled down", slog.Int64("pending_depth", depth), slog.Int("workers", size-1))
		}
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth counts consecutive error states per worker and replaces any
// worker that stays unhealthy past the threshold.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	var unhealthy []string
	for id, w := range p.workers {
		if w.Status() == StatusError {
			p.errRuns[id]++
			if p.errRuns[id] >= p.cfg.UnhealthyThreshold {
				unhealthy = append(unhealthy, id)
			}
		} else {
			p.errRuns[id] = 0
		}
	}
	p.mu.Unlock()

	for _, id := range unhealthy {
		slog.Warn("replacing unhealthy worker", slog.String("worker_id", id))
		if p.RemoveWorker(id) {
			p.AddWorker()
		}
	}
}

func (p *Pool) metricsLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sampleMetrics()
		}
	}
}

func (p *Pool) sampleMetrics() {
	depth, _ := p.queue.PendingDepth(p.ctx)

	var done, failed int64
	p.mu.Lock()
	size := len(p.workers)
	for _, w := range p.workers {
		d, f := w.Stats()
		done += d
		failed += f
	}
	p.mu.Unlock()

	sample := PoolMetrics{
		SampledAt:    time.Now().UTC(),
		Workers:      size,
		PendingDepth: depth,
		TasksDone:    done,
		TasksFailed:  failed,
	}
	p.metricsMu.Lock()
	p.metricsRing = append(p.metricsRing, sample)
	if len(p.metricsRing) > p.cfg.MetricsRingSize {
		p.metricsRing = p.metricsRing[len(p.metricsRing)-p.cfg.MetricsRingSize:]
	}
	p.metricsMu.Unlock()
}
