// Package compression is the bounded async worker pool that performs
// hierarchical summarization (C8). Its concurrency gate is the same
// buffered-channel semaphore the teacher's
// internal/tools/multitool.ParallelTool.Call uses to cap fan-out; the
// priority queue and eviction rules are new, grounded directly on spec.md
// section 4.6.
package compression

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"memoryd/internal/memtypes"
	"memoryd/internal/summarizer"
)

// Priority orders jobs in the queue.
type Priority int

const (
	Normal Priority = iota
	High
)

// Status is a compression job's lifecycle state (spec.md section 4.12).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusEvicted    Status = "evicted"
)

// Job is one compression job (spec.md section 3.6). Jobs are not persisted
// across process restart.
type Job struct {
	ID             string
	UserID         string
	ConversationID string
	Priority       Priority
	CreatedAt      time.Time
	Status         Status
}

// ConversationRepo is the authoritative-turn-store collaborator the pool
// needs to process a job: load the persisted turns, save the produced
// summaries, and trim the working set to the keep set. Short-term memory
// (C7) implements this.
type ConversationRepo interface {
	LoadTurns(ctx context.Context, user, conv string) ([]memtypes.Turn, error)
	SaveSummary(ctx context.Context, user, conv string, level summarizer.Level, text string) error
	TrimTurns(ctx context.Context, user, conv string, keep []memtypes.Turn) error
}

const (
	defaultQueueCap    = 100
	defaultConcurrency = 3
	minTurnsToCompress = 6
	keepTurns          = 10
)

// Pool is the single in-process compression coordinator.
type Pool struct {
	repo        ConversationRepo
	gen         *summarizer.Generator
	queueCap    int
	concurrency int

	mu    sync.Mutex
	queue *list.List // of *Job, front = next to dequeue

	sem chan struct{}
	wg  sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Pool. queueCap/concurrency <= 0 fall back to spec.md's
// defaults (100, 3).
func New(repo ConversationRepo, gen *summarizer.Generator, queueCap, concurrency int) *Pool {
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Pool{
		repo:        repo,
		gen:         gen,
		queueCap:    queueCap,
		concurrency: concurrency,
		queue:       list.New(),
		sem:         make(chan struct{}, concurrency),
		stopCh:      make(chan struct{}),
	}
}

// Enqueue submits a new job for (user, conv) at the given priority, applying
// the eviction rules from spec.md section 4.6. It returns the accepted job,
// or nil if the job was rejected (a high-priority job arriving at a queue
// full of high-priority jobs).
func (p *Pool) Enqueue(ctx context.Context, user, conv string, priority Priority) *Job {
	job := &Job{
		ID:             uuid.NewString(),
		UserID:         user,
		ConversationID: conv,
		Priority:       priority,
		CreatedAt:      time.Now(),
		Status:         StatusQueued,
	}

	p.mu.Lock()
	accepted := p.admitLocked(job)
	p.mu.Unlock()

	if !accepted {
		log.Debug().Str("user", user).Str("conv", conv).Msg("compression_job_rejected_queue_full")
		return nil
	}

	p.dispatch()
	return job
}

// admitLocked applies the queue-full eviction policy. Caller holds p.mu.
func (p *Pool) admitLocked(job *Job) bool {
	if p.queue.Len() < p.queueCap {
		p.insertLocked(job)
		return true
	}

	if job.Priority == High {
		if oldest := p.oldestOfPriorityLocked(Normal); oldest != nil {
			oldest.Value.(*Job).Status = StatusEvicted
			p.queue.Remove(oldest)
			p.insertLocked(job)
			return true
		}
		return false
	}

	// Normal-priority job: evict the oldest job in the queue, regardless of
	// its priority. The front is not necessarily the oldest, since high
	// priority jobs are pushed there.
	var oldest *list.Element
	for e := p.queue.Front(); e != nil; e = e.Next() {
		if oldest == nil || e.Value.(*Job).CreatedAt.Before(oldest.Value.(*Job).CreatedAt) {
			oldest = e
		}
	}
	if oldest != nil {
		oldest.Value.(*Job).Status = StatusEvicted
		p.queue.Remove(oldest)
		p.insertLocked(job)
		return true
	}
	return false
}

func (p *Pool) oldestOfPriorityLocked(priority Priority) *list.Element {
	for e := p.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job).Priority == priority {
			return e
		}
	}
	return nil
}

// insertLocked pushes a high-priority job to the front, normal to the back.
func (p *Pool) insertLocked(job *Job) {
	if job.Priority == High {
		p.queue.PushFront(job)
	} else {
		p.queue.PushBack(job)
	}
}

func (p *Pool) popLocked() *Job {
	if p.queue.Len() == 0 {
		return nil
	}
	e := p.queue.Front()
	p.queue.Remove(e)
	return e.Value.(*Job)
}

// dispatch starts processing goroutines up to the concurrency cap for any
// queued work. It is called after every Enqueue and after every completed
// job so that pending jobs run as soon as a slot frees up.
func (p *Pool) dispatch() {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		p.mu.Lock()
		job := p.popLocked()
		p.mu.Unlock()

		if job == nil {
			<-p.sem
			return
		}

		p.wg.Add(1)
		go func(j *Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(j)
			p.dispatch()
		}(job)
	}
}

func (p *Pool) process(job *Job) {
	job.Status = StatusProcessing
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := p.processJob(ctx, job); err != nil {
		log.Error().Err(err).Str("user", job.UserID).Str("conv", job.ConversationID).Msg("compression_job_failed")
	}
	job.Status = StatusDone
}

func (p *Pool) processJob(ctx context.Context, job *Job) error {
	turns, err := p.repo.LoadTurns(ctx, job.UserID, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load turns: %w", err)
	}
	if len(turns) < minTurnsToCompress {
		return nil
	}

	keepCount := keepTurns
	if keepCount > len(turns) {
		keepCount = len(turns)
	}
	toSummarize := turns[:len(turns)-keepCount]
	keep := turns[len(turns)-keepCount:]

	// Every applicable layer is generated over the full toSummarize window
	// unconditionally, mirroring incremental_compression's per-layer loop:
	// the summarizer itself truncates each layer to its own cap, so any
	// non-empty toSummarize window yields all three layers.
	var priorL3, priorL2 string
	l3 := p.gen.GenerateLayer(ctx, summarizer.L3, toGenTurns(toSummarize), "")
	if l3 != "" {
		if err := p.repo.SaveSummary(ctx, job.UserID, job.ConversationID, summarizer.L3, l3); err != nil {
			log.Warn().Err(err).Msg("compression_save_l3_failed")
		}
		priorL3 = l3
	}
	l2 := p.gen.GenerateLayer(ctx, summarizer.L2, toGenTurns(toSummarize), priorL3)
	if l2 != "" {
		if err := p.repo.SaveSummary(ctx, job.UserID, job.ConversationID, summarizer.L2, l2); err != nil {
			log.Warn().Err(err).Msg("compression_save_l2_failed")
		}
		priorL2 = l2
	}
	l1 := p.gen.GenerateLayer(ctx, summarizer.L1, toGenTurns(toSummarize), priorL2)
	if l1 != "" {
		if err := p.repo.SaveSummary(ctx, job.UserID, job.ConversationID, summarizer.L1, l1); err != nil {
			log.Warn().Err(err).Msg("compression_save_l1_failed")
		}
	}

	if err := p.repo.TrimTurns(ctx, job.UserID, job.ConversationID, keep); err != nil {
		log.Warn().Err(err).Msg("compression_trim_failed")
	}
	return nil
}

func toGenTurns(turns []memtypes.Turn) []summarizer.Turn {
	out := make([]summarizer.Turn, len(turns))
	for i, t := range turns {
		out[i] = summarizer.Turn{UserMessage: t.UserMessage, AIResponse: t.AIResponse}
	}
	return out
}

// Len reports the current queue length, for tests and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Shutdown waits for in-flight jobs to drain, up to deadline.
func (p *Pool) Shutdown(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		log.Warn().Msg("compression_pool_shutdown_deadline_exceeded")
	}
}
