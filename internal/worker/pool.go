package worker

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/matthieugras/weconnect/internal/api"
	"github.com/matthieugras/weconnect/internal/backoff"
	"github.com/matthieugras/weconnect/internal/logging"
)

// ChargeFetcher fetches the charging status of a vehicle. *api.Client implements it.
type ChargeFetcher interface {
	GetChargingStatus(ctx context.Context, vin string) (*api.Charge, error)
}

// SnapshotWriter persists fetched charges. *output.JSONLWriter implements it.
type SnapshotWriter interface {
	WriteAny(v any) error
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	NumWorkers int
	Fetcher    ChargeFetcher
	Backoff    *backoff.GlobalBackoff
	Writer     SnapshotWriter // optional
	Context    context.Context
	TotalJobs  int // sizes the results buffer
}

// Pool fans charging status fetches out over a pond pool. All workers share
// one fetcher, so they share one session and token cache.
type Pool struct {
	pond pond.Pool

	// Dependencies
	fetcher ChargeFetcher
	backoff *backoff.GlobalBackoff
	writer  SnapshotWriter

	// Results channel
	results chan JobResult

	// Status tracking
	statusUpdates chan WorkerStatus
	workerIDPool  chan int // Pool of reusable worker IDs

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a new worker pool using pond.
func NewPool(cfg PoolConfig) *Pool {
	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	numWorkers := max(cfg.NumWorkers, 1)

	// Create pool of reusable worker IDs for status tracking
	workerIDPool := make(chan int, numWorkers)
	for i := range numWorkers {
		workerIDPool <- i
	}

	bo := cfg.Backoff
	if bo == nil {
		bo = backoff.New(backoff.DefaultConfig())
	}

	return &Pool{
		pond:          pond.NewPool(numWorkers),
		fetcher:       cfg.Fetcher,
		backoff:       bo,
		writer:        cfg.Writer,
		results:       make(chan JobResult, max(cfg.TotalJobs, numWorkers*2)),
		statusUpdates: make(chan WorkerStatus, numWorkers*10),
		workerIDPool:  workerIDPool,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Submit adds a job to the pool.
func (p *Pool) Submit(job *Job) {
	p.pond.Submit(func() {
		p.executeJob(job)
	})
}

// SubmitAll submits multiple jobs
func (p *Pool) SubmitAll(jobs []*Job) {
	for _, job := range jobs {
		p.Submit(job)
	}
}

// executeJob processes a single job and sends the result
func (p *Pool) executeJob(job *Job) {
	// Acquire a worker ID from the pool (blocks until one is available)
	workerID := <-p.workerIDPool
	defer func() {
		p.workerIDPool <- workerID
	}()

	p.updateStatus(workerID, WorkerStateWorking, job)
	defer p.updateStatus(workerID, WorkerStateIdle, nil)

	// results is sized for every job, so this never blocks on a full buffer
	p.results <- p.processJob(workerID, job)
}

func (p *Pool) processJob(workerID int, job *Job) JobResult {
	start := time.Now()
	result := JobResult{Job: job}

	if err := p.ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	if p.backoff.IsBackingOff() {
		p.updateStatus(workerID, WorkerStateBackingOff, job)
		if err := p.backoff.WaitIfNeeded(p.ctx); err != nil {
			result.Error = err
			return result
		}
		p.updateStatus(workerID, WorkerStateWorking, job)
	}

	charge, err := p.fetcher.GetChargingStatus(p.ctx, job.VIN)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		logging.Error("Charging status for %s failed: %v", job.VIN, err)

		// Authentication failures affect every job, stop the pool
		var reqErr *api.BackendRequestError
		if errors.As(err, &reqErr) && reqErr.Fatal {
			result.Fatal = true
			logging.Error("Fatal error encountered, stopping all jobs")
			p.cancel()
		}
		return result
	}

	if p.writer != nil {
		if err := p.writer.WriteAny(charge); err != nil {
			result.Error = err
			return result
		}
	}

	logging.Info("Fetched charging status for %s: %d%% (%s)", job.VIN, charge.CurrentSOC, charge.ChargingState)
	result.Charge = charge
	return result
}

func (p *Pool) updateStatus(id int, state WorkerState, job *Job) {
	status := WorkerStatus{ID: id, State: state}
	if job != nil {
		status.CurrentEntity = job.DisplayName()
		status.JobID = job.ID
	}

	// Non-blocking send to status updates channel
	select {
	case p.statusUpdates <- status:
	default:
	}
}

// Results returns channel of completed results
func (p *Pool) Results() <-chan JobResult {
	return p.results
}

// StatusUpdates returns channel of worker status updates
func (p *Pool) StatusUpdates() <-chan WorkerStatus {
	return p.statusUpdates
}

// Wait blocks until every submitted job has finished, then closes the channels.
func (p *Pool) Wait() {
	p.pond.StopAndWait()
	p.cancel()
	close(p.results)
	close(p.statusUpdates)
}
