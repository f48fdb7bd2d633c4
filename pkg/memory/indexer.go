package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobHandler executes one indexing job. Handlers are registered per job
// type by the service; a returned error fails the job without retry.
type JobHandler func(ctx context.Context, job IndexingJob) error

// IndexerConfig holds background-indexing schedule knobs.
type IndexerConfig struct {
	// Tick is the queue drain period.
	Tick time.Duration
	// ReindexCron is the recurring low-priority re-index schedule,
	// evaluated at minute granularity.
	ReindexCron string
	// QueueLimit caps pending jobs per priority class; the oldest job in
	// the class is dropped when a new one would exceed it.
	QueueLimit int
	// HistoryLimit caps how many finished jobs QueueStatus reports.
	HistoryLimit int
}

func (c IndexerConfig) withDefaults() IndexerConfig {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.ReindexCron == "" {
		c.ReindexCron = "0 * * * *"
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 64
	}
	return c
}

// Indexer is the async job queue that pre-warms caches independently of
// request traffic. A single worker drains the queue on a fixed tick, one
// job at a time, so warm-up work never stampedes the caches it fills.
// Request handlers may enqueue high-priority jobs concurrently; the queue
// is mutex-protected.
type Indexer struct {
	cfg      IndexerConfig
	logger   *zap.Logger
	handlers map[JobType]JobHandler

	// recurring produces the self-scheduled re-index jobs when the cron
	// schedule fires.
	recurring func() []IndexingJob

	mu      sync.Mutex
	queues  [3][]*IndexingJob
	history []IndexingJob

	processed uint64
	failed    uint64
	emaMS     float64

	gron       *gronx.Gronx
	lastCronAt time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewIndexer builds the indexer and starts its worker. recurring may be
// nil when no self-scheduled re-indexing is wanted.
func NewIndexer(cfg IndexerConfig, handlers map[JobType]JobHandler, recurring func() []IndexingJob, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Indexer{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		handlers:  handlers,
		recurring: recurring,
		gron:      gronx.New(),
		stopCh:    make(chan struct{}),
	}
	idx.wg.Add(1)
	go idx.runWorker()
	return idx
}

// Close stops the worker after the in-flight job finishes. Individual jobs
// are never cancelled mid-run.
func (idx *Indexer) Close() {
	idx.closeOnce.Do(func() {
		close(idx.stopCh)
		idx.wg.Wait()
	})
}

// Enqueue adds a pending job. Pending jobs with the same type and user are
// coalesced into one; when the new request carries a higher priority than
// the pending job, the job is promoted into the higher class so an urgent
// request never waits behind the background priority it was first queued
// at.
func (idx *Indexer) Enqueue(jobType JobType, userID string, priority JobPriority) IndexingJob {
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityLow
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for p := range idx.queues {
		for i, j := range idx.queues[p] {
			if j.Type != jobType || j.UserID != userID {
				continue
			}
			if priority < JobPriority(p) {
				idx.queues[p] = append(idx.queues[p][:i], idx.queues[p][i+1:]...)
				j.Priority = priority
				idx.pushLocked(j)
			}
			return *j
		}
	}

	job := &IndexingJob{
		ID:        uuid.NewString(),
		Type:      jobType,
		UserID:    userID,
		Priority:  priority,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	idx.pushLocked(job)
	return *job
}

// pushLocked appends a job to its priority class, dropping the class's
// oldest job at the limit. Caller holds idx.mu.
func (idx *Indexer) pushLocked(job *IndexingJob) {
	q := idx.queues[job.Priority]
	if len(q) >= idx.cfg.QueueLimit {
		dropped := q[0]
		idx.queues[job.Priority] = q[1:]
		idx.logger.Warn("indexer queue full, dropping oldest job",
			zap.String("dropped_type", string(dropped.Type)),
			zap.String("priority", job.Priority.String()))
	}
	idx.queues[job.Priority] = append(idx.queues[job.Priority], job)
}

// Stats returns a read-only snapshot of indexer health.
func (idx *Indexer) Stats() IndexerStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	depth := 0
	for _, q := range idx.queues {
		depth += len(q)
	}
	return IndexerStats{
		Processed:     idx.processed,
		Failed:        idx.failed,
		QueueDepth:    depth,
		AvgProcessing: time.Duration(idx.emaMS * float64(time.Millisecond)),
	}
}

// QueueStatus returns pending jobs in drain order followed by recently
// finished jobs, newest last.
func (idx *Indexer) QueueStatus() []IndexingJob {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]IndexingJob, 0, 16)
	for _, q := range idx.queues {
		for _, j := range q {
			out = append(out, *j)
		}
	}
	out = append(out, idx.history...)
	return out
}

func (idx *Indexer) runWorker() {
	defer idx.wg.Done()
	ticker := time.NewTicker(idx.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.maybeScheduleRecurring(time.Now())
			idx.Drain()
		}
	}
}

// maxDrainBatch bounds one tick's work so a deep queue cannot starve the
// recurring scheduler.
const maxDrainBatch = 32

// Drain synchronously processes queued jobs, highest priority first, FIFO
// within a class. Exposed for the worker tick and for tests.
func (idx *Indexer) Drain() {
	for i := 0; i < maxDrainBatch; i++ {
		job := idx.claim()
		if job == nil {
			return
		}
		idx.process(job)
	}
}

func (idx *Indexer) claim() *IndexingJob {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for p := range idx.queues {
		if len(idx.queues[p]) > 0 {
			job := idx.queues[p][0]
			idx.queues[p] = idx.queues[p][1:]
			job.Status = JobProcessing
			return job
		}
	}
	return nil
}

func (idx *Indexer) process(job *IndexingJob) {
	handler := idx.handlers[job.Type]
	start := time.Now()

	var err error
	if handler == nil {
		err = fmt.Errorf("no handler registered for job type %s", job.Type)
	} else {
		// Jobs run to completion or failure; no cancellation.
		err = handler(context.Background(), *job)
	}
	elapsed := time.Since(start)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	job.ProcessedAt = time.Now()
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		idx.failed++
		idx.logger.Warn("indexing job failed",
			zap.String("type", string(job.Type)),
			zap.String("user_id", job.UserID),
			zap.Error(err))
	} else {
		job.Status = JobCompleted
		idx.processed++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	if idx.emaMS == 0 {
		idx.emaMS = ms
	} else {
		idx.emaMS = 0.8*idx.emaMS + 0.2*ms
	}
	idx.history = append(idx.history, *job)
	if len(idx.history) > idx.cfg.HistoryLimit {
		idx.history = idx.history[len(idx.history)-idx.cfg.HistoryLimit:]
	}
}

// maybeScheduleRecurring enqueues the self-scheduled re-index jobs when the
// cron expression is due. Guarded to fire at most once per minute since
// cron resolution is one minute and the tick is shorter.
func (idx *Indexer) maybeScheduleRecurring(now time.Time) {
	if idx.recurring == nil {
		return
	}
	minute := now.Truncate(time.Minute)
	idx.mu.Lock()
	if minute.Equal(idx.lastCronAt) {
		idx.mu.Unlock()
		return
	}
	idx.lastCronAt = minute
	idx.mu.Unlock()

	due, err := idx.gron.IsDue(idx.cfg.ReindexCron, now)
	if err != nil {
		idx.logger.Warn("invalid reindex cron", zap.String("expr", idx.cfg.ReindexCron), zap.Error(err))
		return
	}
	if !due {
		return
	}
	for _, job := range idx.recurring() {
		idx.Enqueue(job.Type, job.UserID, PriorityLow)
	}
}
