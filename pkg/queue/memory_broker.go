package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryBroker implements Broker for testing and local development.
// Every operation runs under a single mutex, which makes leasing atomic.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue

	// pending holds unfinished child keys per gated parent key; parents and children may live in different queues
	pending map[string]map[string]struct{}
}

type memoryQueue struct {
	jobs    map[string]*Job
	logs    map[string][]string
	repeats map[string]*RepeatDefinition
	claimed map[string]bool
	subs    map[chan struct{}]struct{}
	paused  bool
	idSeq   int64
	seq     int64
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{
		jobs:    make(map[string]*Job),
		logs:    make(map[string][]string),
		repeats: make(map[string]*RepeatDefinition),
		claimed: make(map[string]bool),
		subs:    make(map[chan struct{}]struct{}),
	}
}

// NewMemoryBroker creates a new in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string]*memoryQueue),
		pending: make(map[string]map[string]struct{}),
	}
}

// queue returns the named queue, creating it on first write
func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = newMemoryQueue()
		b.queues[name] = q
	}
	return q
}

// AddJobs implements QueueRepository
func (b *MemoryBroker) AddJobs(ctx context.Context, jobs []*Job) error {
	for _, job := range jobs {
		if job == nil {
			return fmt.Errorf("%w: nil job in batch", ErrNoItemsToEnqueue)
		}
		if job.Queue == "" {
			return ErrInvalidQueueName
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	touched := make(map[string]struct{})

	for i, job := range jobs {
		q := b.queue(job.Queue)

		if job.ID != "" {
			if existing, ok := q.jobs[job.ID]; ok {
				jobs[i] = existing.Clone()
				continue
			}
		} else {
			q.idSeq++
			job.ID = strconv.FormatInt(q.idSeq, 10)
		}

		q.seq++
		job.Seq = q.seq
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		if job.RunAt.IsZero() {
			job.RunAt = job.CreatedAt
		}

		deps, childFailure := b.linkChildren(job)
		switch {
		case childFailure != "":
			job.State = StateWaitingChildren
		case len(deps) > 0:
			job.State = StateWaitingChildren
			b.pending[job.Key()] = deps
		case job.RunAt.After(now):
			job.State = StateDelayed
		default:
			job.State = StateWaiting
		}

		stored := job.Clone()
		q.jobs[job.ID] = stored
		touched[job.Queue] = struct{}{}

		if childFailure != "" {
			b.failJob(stored, childFailure, now)
			job.State = stored.State
			job.FailedReason = stored.FailedReason
			job.FinishedOn = cloneTime(stored.FinishedOn)
		}
	}

	for name := range touched {
		b.notify(name)
	}

	return nil
}

// linkChildren returns the children a new parent has to wait for.
// A child id that was stored before the flow is resolved on the spot: a completed
// child is not waited for and a pending child without a parent is adopted.
// A failed child, or one owned by another parent, yields the reason the parent fails with.
func (b *MemoryBroker) linkChildren(job *Job) (map[string]struct{}, string) {
	if len(job.Children) == 0 {
		return nil, ""
	}

	self := ParentRef{Queue: job.Queue, ID: job.ID}
	deps := make(map[string]struct{}, len(job.Children))
	for _, key := range job.Children {
		queueName, id, _ := strings.Cut(key, ":")
		child := b.lookup(queueName, id)
		switch {
		case child == nil:
			deps[key] = struct{}{}
		case child.State == StateCompleted:
		case child.State == StateFailed:
			return nil, ChildFailedReason(key, child.FailedReason)
		case child.Parent == nil:
			child.Parent = &self
			deps[key] = struct{}{}
		case *child.Parent == self:
			deps[key] = struct{}{}
		default:
			return nil, ChildFailedReason(key, ErrChildHasParent.Error())
		}
	}
	return deps, ""
}

// GetJob implements QueueRepository
func (b *MemoryBroker) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := b.lookup(queue, id)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// RemoveJob implements QueueRepository
func (b *MemoryBroker) RemoveJob(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queue]; ok {
		b.deleteJob(q, id)
	}
	return nil
}

// GetJobs implements QueueRepository
func (b *MemoryBroker) GetJobs(ctx context.Context, queue string, state State, start, end int) ([]*Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return []*Job{}, nil
	}

	jobs := q.byState(state)
	lo, hi := rangeBounds(len(jobs), start, end)

	result := make([]*Job, 0, hi-lo)
	for _, job := range jobs[lo:hi] {
		result = append(result, job.Clone())
	}
	return result, nil
}

// Counts implements QueueRepository
func (b *MemoryBroker) Counts(ctx context.Context, queue string) (map[State]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[State]int, len(States))
	if q, ok := b.queues[queue]; ok {
		for _, job := range q.jobs {
			counts[job.State]++
		}
	}
	return counts, nil
}

// SetPaused implements QueueRepository
func (b *MemoryBroker) SetPaused(ctx context.Context, queue string, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue(queue).paused = paused
	if !paused {
		b.notify(queue)
	}
	return nil
}

// IsPaused implements QueueRepository
func (b *MemoryBroker) IsPaused(ctx context.Context, queue string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	return ok && q.paused, nil
}

// Clean implements QueueRepository
func (b *MemoryBroker) Clean(ctx context.Context, queue string, state State, olderThan time.Time, limit int) ([]string, error) {
	if state == StateActive || !state.Valid() {
		return nil, fmt.Errorf("%w: cannot clean %q jobs", ErrInvalidState, state)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := []string{}
	q, ok := b.queues[queue]
	if !ok {
		return removed, nil
	}

	candidates := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.State == state && cleanTimestamp(job).Before(olderThan) {
			candidates = append(candidates, job)
		}
	}
	slices.SortFunc(candidates, func(a, c *Job) int {
		return cleanTimestamp(a).Compare(cleanTimestamp(c))
	})

	for _, job := range candidates {
		if limit > 0 && len(removed) >= limit {
			break
		}
		b.deleteJob(q, job.ID)
		removed = append(removed, job.ID)
	}

	return removed, nil
}

// Drain implements QueueRepository
func (b *MemoryBroker) Drain(ctx context.Context, queue string, includeDelayed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	for id, job := range q.jobs {
		if job.State == StateWaiting || (includeDelayed && job.State == StateDelayed) {
			b.deleteJob(q, id)
		}
	}
	return nil
}

// Obliterate implements QueueRepository
func (b *MemoryBroker) Obliterate(ctx context.Context, queue string, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	if !force {
		for _, job := range q.jobs {
			if job.State == StateActive {
				return ErrQueueHasActiveJobs
			}
		}
	}

	for id := range q.jobs {
		delete(b.pending, JobKey(queue, id))
	}

	// Subscribers outlive the queue data so running workers keep getting signals
	fresh := newMemoryQueue()
	fresh.subs = q.subs
	b.queues[queue] = fresh
	return nil
}

// RetryJob implements QueueRepository
func (b *MemoryBroker) RetryJob(ctx context.Context, queue, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := b.lookup(queue, id)
	if job == nil {
		return ErrJobNotFound
	}
	if job.State != StateFailed {
		return ErrJobNotFailed
	}

	job.State = StateWaiting
	job.AttemptsMade = 0
	job.StalledCount = 0
	job.FailedReason = ""
	job.FinishedOn = nil
	job.RunAt = time.Now()
	b.notify(queue)
	return nil
}

// GetLogs implements QueueRepository
func (b *MemoryBroker) GetLogs(ctx context.Context, queue, id string, start, end int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return []string{}, nil
	}
	logs := q.logs[id]
	lo, hi := rangeBounds(len(logs), start, end)
	return slices.Clone(logs[lo:hi]), nil
}

// QueueNames implements QueueRepository
func (b *MemoryBroker) QueueNames(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Sorted(maps.Keys(b.queues)), nil
}

// Lease implements WorkerRepository
func (b *MemoryBroker) Lease(ctx context.Context, queue, token string, lockDuration time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok || q.paused {
		return nil, ErrNoJobAvailable
	}

	now := time.Now()
	q.promote(now)

	var best *Job
	for _, job := range q.jobs {
		if job.State != StateWaiting {
			continue
		}
		// Priority-first selection, enqueue order breaks ties
		if best == nil || job.Opts.Priority < best.Opts.Priority ||
			(job.Opts.Priority == best.Opts.Priority && job.Seq < best.Seq) {
			best = job
		}
	}
	if best == nil {
		return nil, ErrNoJobAvailable
	}

	lockedUntil := now.Add(lockDuration)
	best.State = StateActive
	best.AttemptsMade++
	best.LockToken = token
	best.LockedUntil = &lockedUntil
	if best.ProcessedOn == nil {
		processedOn := now
		best.ProcessedOn = &processedOn
	}

	leased := best.Clone()
	leased.LockToken = token
	return leased, nil
}

// ExtendLock implements WorkerRepository
func (b *MemoryBroker) ExtendLock(ctx context.Context, queue, id, token string, lockDuration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, err := b.owned(queue, id, token)
	if err != nil {
		return err
	}
	lockedUntil := time.Now().Add(lockDuration)
	job.LockedUntil = &lockedUntil
	return nil
}

// Complete implements WorkerRepository
func (b *MemoryBroker) Complete(ctx context.Context, job *Job, token string, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.owned(job.Queue, job.ID, token)
	if err != nil {
		return err
	}

	now := time.Now()
	stored.State = StateCompleted
	stored.Result = cloneRaw(result)
	stored.LastError = ""
	stored.FinishedOn = &now
	stored.LockToken = ""
	stored.LockedUntil = nil

	parent := stored.Parent
	key := stored.Key()
	b.applyRetention(job.Queue, stored, StateCompleted, stored.Opts.RemoveOnComplete, now)

	if parent != nil {
		b.releaseParent(*parent, key, now)
	}
	return nil
}

// Retry implements WorkerRepository
func (b *MemoryBroker) Retry(ctx context.Context, job *Job, token string, runAt time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.owned(job.Queue, job.ID, token)
	if err != nil {
		return err
	}

	stored.State = StateDelayed
	stored.RunAt = runAt
	stored.LastError = reason
	stored.LockToken = ""
	stored.LockedUntil = nil
	b.notify(job.Queue)
	return nil
}

// Fail implements WorkerRepository
func (b *MemoryBroker) Fail(ctx context.Context, job *Job, token, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.owned(job.Queue, job.ID, token)
	if err != nil {
		return err
	}
	b.failJob(stored, reason, time.Now())
	return nil
}

// UpdateProgress implements WorkerRepository
func (b *MemoryBroker) UpdateProgress(ctx context.Context, queue, id string, progress json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := b.lookup(queue, id)
	if job == nil {
		return ErrJobNotFound
	}
	job.Progress = cloneRaw(progress)
	return nil
}

// AddLog implements WorkerRepository
func (b *MemoryBroker) AddLog(ctx context.Context, queue, id, line string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lookup(queue, id) == nil {
		return 0, ErrJobNotFound
	}
	q := b.queues[queue]
	q.logs[id] = append(q.logs[id], line)
	return len(q.logs[id]), nil
}

// PromoteDelayed implements WorkerRepository
func (b *MemoryBroker) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	n := q.promote(now)
	if n > 0 {
		b.notify(queue)
	}
	return n, nil
}

// NextDelayedAt implements WorkerRepository
func (b *MemoryBroker) NextDelayedAt(ctx context.Context, queue string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next time.Time
	if q, ok := b.queues[queue]; ok {
		for _, job := range q.jobs {
			if job.State == StateDelayed && (next.IsZero() || job.RunAt.Before(next)) {
				next = job.RunAt
			}
		}
	}
	return next, nil
}

// RecoverStalled implements WorkerRepository
func (b *MemoryBroker) RecoverStalled(ctx context.Context, queue string, now time.Time, maxStalled int) (StalledResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res StalledResult
	q, ok := b.queues[queue]
	if !ok {
		return res, nil
	}

	for _, job := range q.jobs {
		if job.State != StateActive || job.LockedUntil == nil || job.LockedUntil.After(now) {
			continue
		}

		job.StalledCount++
		if job.StalledCount > maxStalled || job.AttemptsMade >= job.Opts.Attempts {
			res.Failed = append(res.Failed, job.ID)
			b.failJob(job, StalledReason, now)
			continue
		}

		job.State = StateWaiting
		job.LockToken = ""
		job.LockedUntil = nil
		res.Recovered = append(res.Recovered, job.ID)
	}

	if len(res.Recovered) > 0 {
		b.notify(queue)
	}
	return res, nil
}

// Subscribe implements WorkerRepository
func (b *MemoryBroker) Subscribe(ctx context.Context, queue string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	b.queue(queue).subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if q, ok := b.queues[queue]; ok {
			delete(q.subs, ch)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// SaveRepeat implements RepeatRepository
func (b *MemoryBroker) SaveRepeat(ctx context.Context, def *RepeatDefinition) error {
	if def == nil || def.Key == "" {
		return ErrInvalidRepeat
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(def.Queue)
	c := *def
	q.repeats[def.Key] = &c
	delete(q.claimed, def.Key)
	return nil
}

// GetRepeat implements RepeatRepository
func (b *MemoryBroker) GetRepeat(ctx context.Context, queue, key string) (*RepeatDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil, ErrRepeatNotFound
	}
	def, ok := q.repeats[key]
	if !ok {
		return nil, ErrRepeatNotFound
	}
	c := *def
	return &c, nil
}

// ListRepeats implements RepeatRepository
func (b *MemoryBroker) ListRepeats(ctx context.Context, queue string) ([]*RepeatDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	defs := []*RepeatDefinition{}
	if q, ok := b.queues[queue]; ok {
		for _, def := range q.repeats {
			c := *def
			defs = append(defs, &c)
		}
	}
	slices.SortFunc(defs, func(a, c *RepeatDefinition) int {
		return cmp.Or(a.NextRunAt.Compare(c.NextRunAt), cmp.Compare(a.Key, c.Key))
	})
	return defs, nil
}

// RemoveRepeat implements RepeatRepository
func (b *MemoryBroker) RemoveRepeat(ctx context.Context, queue, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return ErrRepeatNotFound
	}
	if _, ok := q.repeats[key]; !ok {
		return ErrRepeatNotFound
	}
	delete(q.repeats, key)
	delete(q.claimed, key)
	return nil
}

// ClaimDueRepeats implements RepeatRepository
func (b *MemoryBroker) ClaimDueRepeats(ctx context.Context, queue string, now time.Time) ([]*RepeatDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := []*RepeatDefinition{}
	q, ok := b.queues[queue]
	if !ok {
		return due, nil
	}
	for key, def := range q.repeats {
		if q.claimed[key] || def.NextRunAt.After(now) {
			continue
		}
		q.claimed[key] = true
		c := *def
		due = append(due, &c)
	}
	return due, nil
}

// Close releases nothing; it exists to satisfy io.Closer alongside other brokers
func (b *MemoryBroker) Close() error {
	return nil
}

// Helper methods

func (b *MemoryBroker) lookup(queue, id string) *Job {
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	return q.jobs[id]
}

// owned returns the stored job if token still holds its lease
func (b *MemoryBroker) owned(queue, id, token string) (*Job, error) {
	job := b.lookup(queue, id)
	if job == nil || job.State != StateActive || job.LockToken != token {
		return nil, fmt.Errorf("%w: %s", ErrLockMismatch, JobKey(queue, id))
	}
	return job, nil
}

func (b *MemoryBroker) deleteJob(q *memoryQueue, id string) {
	job, ok := q.jobs[id]
	if !ok {
		return
	}
	delete(b.pending, job.Key())
	delete(q.jobs, id)
	delete(q.logs, id)
}

// failJob moves a job to failed and propagates the failure to gated ancestors
func (b *MemoryBroker) failJob(job *Job, reason string, now time.Time) {
	job.State = StateFailed
	job.FailedReason = reason
	job.Result = nil
	job.FinishedOn = &now
	job.LockToken = ""
	job.LockedUntil = nil

	parent := job.Parent
	key := job.Key()
	b.applyRetention(job.Queue, job, StateFailed, job.Opts.RemoveOnFail, now)

	if parent == nil {
		return
	}
	p := b.lookup(parent.Queue, parent.ID)
	if p == nil || p.State != StateWaitingChildren {
		return
	}
	delete(b.pending, p.Key())
	b.failJob(p, ChildFailedReason(key, reason), now)
}

// releaseParent drops a completed child from its parent's pending set and promotes the parent when none remain
func (b *MemoryBroker) releaseParent(parent ParentRef, childKey string, now time.Time) {
	deps, ok := b.pending[parent.Key()]
	if !ok {
		return
	}
	delete(deps, childKey)
	if len(deps) > 0 {
		return
	}
	delete(b.pending, parent.Key())

	p := b.lookup(parent.Queue, parent.ID)
	if p == nil || p.State != StateWaitingChildren {
		return
	}
	if p.RunAt.After(now) {
		p.State = StateDelayed
	} else {
		p.State = StateWaiting
	}
	b.notify(parent.Queue)
}

func (b *MemoryBroker) applyRetention(queue string, job *Job, state State, r Retention, now time.Time) {
	q := b.queues[queue]
	if r.Remove {
		b.deleteJob(q, job.ID)
		return
	}
	if r.Age <= 0 && r.Count <= 0 {
		return
	}

	finished := q.byState(state)
	for i, j := range finished {
		expired := r.Age > 0 && j.FinishedOn != nil && now.Sub(*j.FinishedOn) > r.Age
		overflow := r.Count > 0 && i >= r.Count
		if expired || overflow {
			b.deleteJob(q, j.ID)
		}
	}
}

// notify wakes subscribers without blocking; a pending signal is enough
func (b *MemoryBroker) notify(queue string) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	for ch := range q.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// promote moves due delayed jobs to waiting and returns how many moved
func (q *memoryQueue) promote(now time.Time) int {
	n := 0
	for _, job := range q.jobs {
		if job.State == StateDelayed && !job.RunAt.After(now) {
			job.State = StateWaiting
			n++
		}
	}
	return n
}

// byState returns the jobs in state in their listing order
func (q *memoryQueue) byState(state State) []*Job {
	jobs := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.State == state {
			jobs = append(jobs, job)
		}
	}

	slices.SortFunc(jobs, func(a, c *Job) int {
		switch state {
		case StateWaiting:
			return cmp.Or(cmp.Compare(a.Opts.Priority, c.Opts.Priority), cmp.Compare(a.Seq, c.Seq))
		case StateDelayed:
			return cmp.Or(a.RunAt.Compare(c.RunAt), cmp.Compare(a.Seq, c.Seq))
		case StateActive:
			return cmp.Compare(a.Seq, c.Seq)
		case StateCompleted, StateFailed:
			// Most recently finished first
			return cmp.Or(finishedAt(c).Compare(finishedAt(a)), cmp.Compare(c.Seq, a.Seq))
		default:
			return cmp.Compare(a.Seq, c.Seq)
		}
	})
	return jobs
}

func finishedAt(j *Job) time.Time {
	if j.FinishedOn == nil {
		return time.Time{}
	}
	return *j.FinishedOn
}

// cleanTimestamp is the finish time for terminal jobs and the creation time otherwise
func cleanTimestamp(j *Job) time.Time {
	if j.State.Terminal() && j.FinishedOn != nil {
		return *j.FinishedOn
	}
	return j.CreatedAt
}

// rangeBounds converts an inclusive [start, end] range into slice bounds; negative end means to the last element
func rangeBounds(n, start, end int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end < 0 || end >= n {
		end = n - 1
	}
	if start > end || start >= n {
		return 0, 0
	}
	return start, end + 1
}
