package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
)

// Pool manages a set of concurrent worker goroutines that claim leased
// jobs and execute them through the Executor. A single lease-touch
// goroutine keeps every in-flight job's lease alive; a touch that reports
// ErrLeaseLost cancels the affected handler.
type Pool struct {
	store    job.Store
	executor *Executor
	logger   *slog.Logger

	concurrency   int
	queues        []string
	pollInterval  time.Duration
	leaseDuration time.Duration
	touchInterval time.Duration
	workerID      id.WorkerID

	// limits throttles claims per queue. Queues without a limiter run
	// unthrottled.
	limits map[string]*rate.Limiter

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]activeJob
	activeMu sync.Mutex
}

type activeJob struct {
	jobID  id.JobID
	cancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will claim from.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often workers poll for claimable jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseDuration sets how long a claimed job is owned before its lease
// expires and the job becomes claimable again.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseDuration = d }
}

// WithLeaseTouchInterval sets how often in-flight jobs extend their lease.
func WithLeaseTouchInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.touchInterval = d }
}

// WithQueueLimit throttles claims from one queue. Claims over the budget
// are returned to pending with a short delay instead of executing.
func WithQueueLimit(queue string, limit rate.Limit, burst int) PoolOption {
	return func(p *Pool) { p.limits[queue] = rate.NewLimiter(limit, burst) }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:         store,
		executor:      executor,
		logger:        logger,
		concurrency:   10,
		queues:        []string{"default"},
		pollInterval:  time.Second,
		leaseDuration: 2 * time.Minute,
		touchInterval: 30 * time.Second,
		workerID:      id.NewWorkerID(),
		limits:        make(map[string]*rate.Limiter),
		stopCh:        make(chan struct{}),
		active:        make(map[string]activeJob),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	p.wg.Add(1)
	go p.touchLoop()

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context expires first, in-flight handlers are cancelled; their leases
// will lapse and other workers pick the jobs back up.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.ClaimNextJob(context.Background(), p.queues, p.workerID, p.leaseDuration)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if j == nil {
			p.sleep()
			continue
		}

		// Queue budget. Over-budget claims go back to pending briefly;
		// no attempts are consumed.
		if lim, ok := p.limits[j.Queue]; ok && !lim.Allow() {
			if rsErr := p.store.RescheduleJob(context.Background(), j.ID, p.workerID, p.pollInterval); rsErr != nil && !errors.Is(rsErr, reelpipe.ErrLeaseLost) {
				p.logger.Error("failed to return rate-limited job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", rsErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.track(j, cancel)

		if execErr := p.executor.Execute(ctx, p.workerID, j); execErr != nil {
			p.logger.Error("job execution error",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrack(j.ID)
		cancel()
	}
}

// touchLoop extends the lease of every in-flight job on a fixed interval.
func (p *Pool) touchLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.touchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.touchActive()
		}
	}
}

func (p *Pool) touchActive() {
	p.activeMu.Lock()
	jobs := make([]activeJob, 0, len(p.active))
	for _, a := range p.active {
		jobs = append(jobs, a)
	}
	p.activeMu.Unlock()

	for _, a := range jobs {
		err := p.store.TouchLease(context.Background(), a.jobID, p.workerID, p.leaseDuration)
		if err == nil {
			continue
		}
		if errors.Is(err, reelpipe.ErrLeaseLost) {
			// Another worker owns the job now; stop our handler so two
			// executions do not run to completion side by side.
			p.logger.Warn("lease lost mid-execution, cancelling handler",
				slog.String("job_id", a.jobID.String()),
			)
			a.cancel()
			continue
		}
		p.logger.Warn("lease touch failed",
			slog.String("job_id", a.jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(j *job.Job, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[j.ID.String()] = activeJob{jobID: j.ID, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.active, jobID.String())
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, a := range p.active {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		a.cancel()
	}
}
