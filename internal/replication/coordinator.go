package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrentJobs = 4

// Job kinds.
const (
	JobKindSecondary = metrics.SyncKindSecondary
	JobKindRecovery  = metrics.SyncKindRecovery
)

// Recovery statuses reported in events and metrics.
const (
	StatusRecovered        = "success_recovered"
	StatusRecoveryDiverged = "success_diverged"
	StatusRecoveryFailed   = "failure_recovery"
)

// ErrCoordinatorClosed indicates a job submitted after Close.
var ErrCoordinatorClosed = errors.New("replication: coordinator closed")

// Job is one wallet's sync or recovery.
type Job struct {
	Kind        string
	Wallet      ledger.WalletAddress
	Endpoint    string
	BlockNumber *int64
	ForceResync bool
}

// JobResult is the outcome delivered to every waiter of a job.
type JobResult struct {
	Job      Job
	Sync     *WalletResult
	Recovery *RecoveryResult
	Err      error
}

// SyncEvent announces a finished job.
type SyncEvent struct {
	Wallet    string    `json:"wallet"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Clock     int64     `json:"clock"`
	Diverged  bool      `json:"diverged,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives finished-job events.
type EventPublisher interface {
	Publish(event SyncEvent)
}

// SecondarySyncer runs secondary syncs.
type SecondarySyncer interface {
	SecondarySyncFromPrimary(ctx context.Context, request SyncRequest) SyncResult
}

// PrimaryRecoverer runs primary recoveries.
type PrimaryRecoverer interface {
	PrimarySyncFromSecondary(ctx context.Context, request RecoveryRequest) (RecoveryResult, error)
}

// CoordinatorConfig wires the Coordinator.
type CoordinatorConfig struct {
	Secondary         SecondarySyncer
	Recovery          PrimaryRecoverer
	Events            EventPublisher
	MaxConcurrentJobs int64
	Metrics           *metrics.Collectors
	Logger            *zap.Logger
}

type pendingRun struct {
	job     Job
	waiters []chan JobResult
}

// walletState queues the runs waiting behind the wallet's active job, oldest first.
type walletState struct {
	queue []*pendingRun
}

// Coordinator runs at most one job per wallet at a time, whatever its kind. A request
// for a busy wallet joins the last queued run when that run has the same kind, so
// repeated requests collapse into one follow-up that every waiter shares. A request
// of another kind queues behind it.
type Coordinator struct {
	secondary SecondarySyncer
	recovery  PrimaryRecoverer
	events    EventPublisher
	slots     *semaphore.Weighted
	metrics   *metrics.Collectors
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[ledger.WalletAddress]*walletState
	closed bool
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = defaultMaxConcurrentJobs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		secondary: cfg.Secondary,
		recovery:  cfg.Recovery,
		events:    cfg.Events,
		slots:     semaphore.NewWeighted(limit),
		metrics:   cfg.Metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[ledger.WalletAddress]*walletState),
	}
}

// Submit schedules the job and returns a channel that receives its result once.
func (c *Coordinator) Submit(job Job) <-chan JobResult {
	waiter := make(chan JobResult, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		waiter <- JobResult{Job: job, Err: ErrCoordinatorClosed}
		return waiter
	}

	state, busy := c.active[job.Wallet]
	if !busy {
		c.active[job.Wallet] = &walletState{}
		c.start(job.Wallet, &pendingRun{job: job, waiters: []chan JobResult{waiter}})
		return waiter
	}
	if last := len(state.queue) - 1; last >= 0 && state.queue[last].job.Kind == job.Kind {
		tail := state.queue[last]
		tail.job = mergeJobs(tail.job, job)
		tail.waiters = append(tail.waiters, waiter)
		c.metrics.SyncCoalesced()
		c.logger.Debug("sync request coalesced",
			zap.String("kind", job.Kind),
			zap.String("wallet", job.Wallet.String()))
		return waiter
	}
	state.queue = append(state.queue, &pendingRun{job: job, waiters: []chan JobResult{waiter}})
	c.logger.Debug("sync request queued behind active job",
		zap.String("kind", job.Kind),
		zap.String("wallet", job.Wallet.String()))
	return waiter
}

// Enqueue schedules the job without waiting for it.
func (c *Coordinator) Enqueue(job Job) {
	c.Submit(job)
}

// Run schedules the job and waits for its result or for ctx to end.
func (c *Coordinator) Run(ctx context.Context, job Job) JobResult {
	select {
	case result := <-c.Submit(job):
		return result
	case <-ctx.Done():
		return JobResult{Job: job, Err: ctx.Err()}
	}
}

// Close stops accepting jobs and waits for in-flight ones. When ctx ends first the
// running jobs are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// start must be called with c.mu held.
func (c *Coordinator) start(wallet ledger.WalletAddress, run *pendingRun) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for run != nil {
			result := c.execute(run.job)
			for _, waiter := range run.waiters {
				waiter <- result
			}
			run = c.next(wallet)
		}
	}()
}

func (c *Coordinator) next(wallet ledger.WalletAddress) *pendingRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.active[wallet]
	if state == nil || len(state.queue) == 0 {
		delete(c.active, wallet)
		return nil
	}
	run := state.queue[0]
	state.queue = state.queue[1:]
	return run
}

func (c *Coordinator) execute(job Job) JobResult {
	if err := c.slots.Acquire(c.ctx, 1); err != nil {
		return JobResult{Job: job, Err: err}
	}
	defer c.slots.Release(1)

	started := time.Now()
	result := JobResult{Job: job}
	event := SyncEvent{Wallet: job.Wallet.String(), Kind: job.Kind}

	switch job.Kind {
	case JobKindSecondary:
		if c.secondary == nil {
			result.Err = errors.New("replication: secondary sync is not configured")
			event.Status = StatusFailureDatabase
			break
		}
		synced := c.secondary.SecondarySyncFromPrimary(c.ctx, SyncRequest{
			Wallets:         []ledger.WalletAddress{job.Wallet},
			PrimaryEndpoint: job.Endpoint,
			BlockNumber:     job.BlockNumber,
			ForceResync:     job.ForceResync,
		})
		walletResult := synced.Wallets[0]
		result.Sync = &walletResult
		event.Status = walletResult.Status
		event.Clock = walletResult.LocalClock
		event.Error = walletResult.Error
	case JobKindRecovery:
		if c.recovery == nil {
			result.Err = errors.New("replication: recovery is not configured")
			event.Status = StatusRecoveryFailed
			break
		}
		recovered, err := c.recovery.PrimarySyncFromSecondary(c.ctx, RecoveryRequest{
			Secondary: job.Endpoint,
			Wallet:    job.Wallet,
		})
		result.Recovery = &recovered
		result.Err = err
		event.Clock = recovered.Clock
		event.Diverged = recovered.Diverged
		switch {
		case err != nil:
			event.Status = StatusRecoveryFailed
			event.Error = err.Error()
		case recovered.Diverged:
			event.Status = StatusRecoveryDiverged
		default:
			event.Status = StatusRecovered
		}
	default:
		result.Err = errors.New("replication: unknown job kind " + job.Kind)
		return result
	}

	if result.Err != nil && event.Error == "" {
		event.Error = result.Err.Error()
	}
	event.Timestamp = time.Now().UTC()
	c.metrics.ObserveSync(job.Kind, event.Status, time.Since(started))
	if c.events != nil {
		c.events.Publish(event)
	}
	return result
}

// mergeJobs folds a newer request into a pending one.
func mergeJobs(pending, incoming Job) Job {
	merged := incoming
	merged.ForceResync = pending.ForceResync || incoming.ForceResync
	if pending.BlockNumber != nil && (incoming.BlockNumber == nil || *pending.BlockNumber > *incoming.BlockNumber) {
		merged.BlockNumber = pending.BlockNumber
	}
	return merged
}
