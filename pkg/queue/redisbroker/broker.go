package redisbroker

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// Broker implements queue.Broker on top of Redis.
// Every state transition runs as a single Lua script, so competing workers
// in different processes never lease the same job twice.
type Broker struct {
	rdb      redis.UniversalClient
	prefix   string
	claimTTL time.Duration
	logger   *slog.Logger
}

var _ queue.Broker = (*Broker)(nil)

// New creates a Redis backed broker. The client is owned by the caller.
func New(rdb redis.UniversalClient, opts ...Option) (*Broker, error) {
	if rdb == nil {
		return nil, ErrClientNil
	}

	b := &Broker{
		rdb:      rdb,
		prefix:   "jq",
		claimTTL: time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Key helpers

func (b *Broker) base(queueName string) string {
	return b.prefix + ":" + queueName + ":"
}

func (b *Broker) stateKey(queueName string, state queue.State) string {
	return b.base(queueName) + string(state)
}

func (b *Broker) jobKey(queueName, id string) string {
	return b.base(queueName) + "job:" + id
}

func (b *Broker) logsKey(queueName, id string) string {
	return b.base(queueName) + "logs:" + id
}

func (b *Broker) metaKey(queueName string) string {
	return b.base(queueName) + "meta"
}

func (b *Broker) repeatKey(queueName string) string {
	return b.base(queueName) + "repeat"
}

func (b *Broker) repeatNextKey(queueName string) string {
	return b.base(queueName) + "repeat:next"
}

func (b *Broker) wakeChannel(queueName string) string {
	return b.base(queueName) + "wake"
}

func (b *Broker) queuesKey() string {
	return b.prefix + ":queues"
}

// run executes script with the prefix and queue name prepended to args
func (b *Broker) run(ctx context.Context, script *redis.Script, queueName string, args ...any) *redis.Cmd {
	return script.Run(ctx, b.rdb, nil, append([]any{b.prefix, queueName}, args...)...)
}

// AddJobs implements queue.QueueRepository. All jobs are written in one MULTI block.
func (b *Broker) AddJobs(ctx context.Context, jobs []*queue.Job) error {
	for _, job := range jobs {
		if job == nil {
			return fmt.Errorf("%w: nil job in batch", queue.ErrNoItemsToEnqueue)
		}
		if job.Queue == "" {
			return queue.ErrInvalidQueueName
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	now := time.Now()
	cmds := make([]*redis.Cmd, len(jobs))
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range jobs {
			if job.CreatedAt.IsZero() {
				job.CreatedAt = now
			}
			if job.RunAt.IsZero() {
				job.RunAt = job.CreatedAt
			}

			fields, err := jobFields(job)
			if err != nil {
				return err
			}
			args := append([]any{b.prefix, job.Queue, job.ID, ms(now), queue.ErrChildHasParent.Error()}, fields...)
			if len(job.Children) > 0 {
				args = append(args, "--")
				for _, child := range job.Children {
					args = append(args, child)
				}
			}
			cmds[i] = addJobScript.Eval(ctx, pipe, nil, args...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add %d jobs: %w", len(jobs), err)
	}

	for i, cmd := range cmds {
		res, err := cmd.StringSlice()
		if err != nil || len(res) != 3 {
			return fmt.Errorf("unexpected add reply for job %q: %w", jobs[i].Name, cmp.Or(err, ErrUnexpectedReply))
		}
		if res[1] == "0" {
			existing, err := b.GetJob(ctx, jobs[i].Queue, res[0])
			if err != nil {
				return err
			}
			jobs[i] = existing
			continue
		}
		jobs[i].ID = res[0]
		jobs[i].Seq = parseInt(res[1])
		jobs[i].State = queue.State(res[2])

		// A flow parent fails on insert when one of its existing children already failed
		if jobs[i].State == queue.StateFailed {
			if stored, err := b.GetJob(ctx, jobs[i].Queue, jobs[i].ID); err == nil {
				jobs[i].FailedReason = stored.FailedReason
				jobs[i].FinishedOn = stored.FinishedOn
			}
		}
	}

	return nil
}

// GetJob implements queue.QueueRepository
func (b *Broker) GetJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	h, err := b.rdb.HGetAll(ctx, b.jobKey(queueName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", queue.JobKey(queueName, id), err)
	}
	return decodeJob(h)
}

// RemoveJob implements queue.QueueRepository
func (b *Broker) RemoveJob(ctx context.Context, queueName, id string) error {
	if err := b.run(ctx, removeJobScript, queueName, id).Err(); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", queue.JobKey(queueName, id), err)
	}
	return nil
}

// GetJobs implements queue.QueueRepository.
// Completed and failed jobs are listed most recently finished first.
func (b *Broker) GetJobs(ctx context.Context, queueName string, state queue.State, start, end int) ([]*queue.Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", queue.ErrInvalidState, state)
	}
	start = max(start, 0)
	if end < 0 {
		end = -1
	}

	key := b.stateKey(queueName, state)
	var (
		ids []string
		err error
	)
	if state.Terminal() {
		ids, err = b.rdb.ZRevRange(ctx, key, int64(start), int64(end)).Result()
	} else {
		ids, err = b.rdb.ZRange(ctx, key, int64(start), int64(end)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", state, err)
	}

	return b.loadJobs(ctx, queueName, ids)
}

// loadJobs fetches job hashes in one round trip, skipping ids removed in between
func (b *Broker) loadJobs(ctx context.Context, queueName string, ids []string) ([]*queue.Job, error) {
	jobs := make([]*queue.Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, b.jobKey(queueName, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, cmd := range cmds {
		job, err := decodeJob(cmd.Val())
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts implements queue.QueueRepository
func (b *Broker) Counts(ctx context.Context, queueName string) (map[queue.State]int, error) {
	pipe := b.rdb.Pipeline()
	cmds := make(map[queue.State]*redis.IntCmd, len(queue.States))
	for _, state := range queue.States {
		cmds[state] = pipe.ZCard(ctx, b.stateKey(queueName, state))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[queue.State]int, len(cmds))
	for state, cmd := range cmds {
		counts[state] = int(cmd.Val())
	}
	return counts, nil
}

// SetPaused implements queue.QueueRepository
func (b *Broker) SetPaused(ctx context.Context, queueName string, paused bool) error {
	flag := "0"
	if paused {
		flag = "1"
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.metaKey(queueName), "paused", flag)
		pipe.SAdd(ctx, b.queuesKey(), queueName)
		if !paused {
			pipe.Publish(ctx, b.wakeChannel(queueName), "1")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set paused flag: %w", err)
	}
	return nil
}

// IsPaused implements queue.QueueRepository
func (b *Broker) IsPaused(ctx context.Context, queueName string) (bool, error) {
	flag, err := b.rdb.HGet(ctx, b.metaKey(queueName), "paused").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read paused flag: %w", err)
	}
	return flag == "1", nil
}

// Clean implements queue.QueueRepository
func (b *Broker) Clean(ctx context.Context, queueName string, state queue.State, olderThan time.Time, limit int) ([]string, error) {
	if state == queue.StateActive || !state.Valid() {
		return nil, fmt.Errorf("%w: cannot clean %q jobs", queue.ErrInvalidState, state)
	}

	removed, err := b.run(ctx, cleanScript, queueName, string(state), ms(olderThan), max(limit, 0)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to clean %s jobs: %w", state, err)
	}
	return removed, nil
}

// Drain implements queue.QueueRepository
func (b *Broker) Drain(ctx context.Context, queueName string, includeDelayed bool) error {
	flag := "0"
	if includeDelayed {
		flag = "1"
	}
	if err := b.run(ctx, drainScript, queueName, flag).Err(); err != nil {
		return fmt.Errorf("failed to drain queue: %w", err)
	}
	return nil
}

// Obliterate implements queue.QueueRepository
func (b *Broker) Obliterate(ctx context.Context, queueName string, force bool) error {
	if !force {
		active, err := b.rdb.ZCard(ctx, b.stateKey(queueName, queue.StateActive)).Result()
		if err != nil {
			return fmt.Errorf("failed to count active jobs: %w", err)
		}
		if active > 0 {
			return queue.ErrQueueHasActiveJobs
		}
	}

	iter := b.rdb.Scan(ctx, 0, b.base(queueName)+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := b.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete queue keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan queue keys: %w", err)
	}
	if len(batch) > 0 {
		if err := b.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete queue keys: %w", err)
		}
	}

	if err := b.rdb.SRem(ctx, b.queuesKey(), queueName).Err(); err != nil {
		return fmt.Errorf("failed to unregister queue: %w", err)
	}
	return nil
}

// RetryJob implements queue.QueueRepository
func (b *Broker) RetryJob(ctx context.Context, queueName, id string) error {
	res, err := b.run(ctx, retryJobScript, queueName, id, ms(time.Now())).Int()
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", queue.JobKey(queueName, id), err)
	}
	switch res {
	case 0:
		return queue.ErrJobNotFound
	case -1:
		return queue.ErrJobNotFailed
	}
	return nil
}

// GetLogs implements queue.QueueRepository
func (b *Broker) GetLogs(ctx context.Context, queueName, id string, start, end int) ([]string, error) {
	start = max(start, 0)
	if end < 0 {
		end = -1
	}
	logs, err := b.rdb.LRange(ctx, b.logsKey(queueName, id), int64(start), int64(end)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of job %s: %w", queue.JobKey(queueName, id), err)
	}
	return logs, nil
}

// QueueNames implements queue.QueueRepository
func (b *Broker) QueueNames(ctx context.Context) ([]string, error) {
	names, err := b.rdb.SMembers(ctx, b.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Lease implements queue.WorkerRepository
func (b *Broker) Lease(ctx context.Context, queueName, token string, lockDuration time.Duration) (*queue.Job, error) {
	reply, err := b.run(ctx, leaseScript, queueName, token, lockDuration.Milliseconds(), ms(time.Now())).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	return decodeJob(hashFromReply(reply))
}

// ExtendLock implements queue.WorkerRepository
func (b *Broker) ExtendLock(ctx context.Context, queueName, id, token string, lockDuration time.Duration) error {
	res, err := b.run(ctx, extendLockScript, queueName, id, token, lockDuration.Milliseconds(), ms(time.Now())).Int()
	return b.ownedResult(queueName, id, res, err)
}

// Complete implements queue.WorkerRepository
func (b *Broker) Complete(ctx context.Context, job *queue.Job, token string, result json.RawMessage) error {
	res, err := b.run(ctx, completeScript, job.Queue, job.ID, token, string(result), ms(time.Now())).Int()
	return b.ownedResult(job.Queue, job.ID, res, err)
}

// Retry implements queue.WorkerRepository
func (b *Broker) Retry(ctx context.Context, job *queue.Job, token string, runAt time.Time, reason string) error {
	res, err := b.run(ctx, retryScript, job.Queue, job.ID, token, ms(runAt), reason).Int()
	return b.ownedResult(job.Queue, job.ID, res, err)
}

// Fail implements queue.WorkerRepository
func (b *Broker) Fail(ctx context.Context, job *queue.Job, token, reason string) error {
	res, err := b.run(ctx, failScript, job.Queue, job.ID, token, reason, ms(time.Now())).Int()
	return b.ownedResult(job.Queue, job.ID, res, err)
}

func (b *Broker) ownedResult(queueName, id string, res int, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", queue.JobKey(queueName, id), err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", queue.ErrLockMismatch, queue.JobKey(queueName, id))
	}
	return nil
}

// UpdateProgress implements queue.WorkerRepository
func (b *Broker) UpdateProgress(ctx context.Context, queueName, id string, progress json.RawMessage) error {
	res, err := b.run(ctx, touchJobScript, queueName, id, "progress", string(progress)).Int()
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if res < 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// AddLog implements queue.WorkerRepository
func (b *Broker) AddLog(ctx context.Context, queueName, id, line string) (int, error) {
	n, err := b.run(ctx, touchJobScript, queueName, id, "log", line).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	if n < 0 {
		return 0, queue.ErrJobNotFound
	}
	return n, nil
}

// PromoteDelayed implements queue.WorkerRepository
func (b *Broker) PromoteDelayed(ctx context.Context, queueName string, now time.Time) (int, error) {
	n, err := b.run(ctx, promoteScript, queueName, ms(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// NextDelayedAt implements queue.WorkerRepository
func (b *Broker) NextDelayedAt(ctx context.Context, queueName string) (time.Time, error) {
	next, err := b.rdb.ZRangeWithScores(ctx, b.stateKey(queueName, queue.StateDelayed), 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read next delayed job: %w", err)
	}
	if len(next) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(next[0].Score)), nil
}

// RecoverStalled implements queue.WorkerRepository
func (b *Broker) RecoverStalled(ctx context.Context, queueName string, now time.Time, maxStalled int) (queue.StalledResult, error) {
	var res queue.StalledResult

	reply, err := b.run(ctx, recoverStalledScript, queueName, ms(now), maxStalled, queue.StalledReason).Slice()
	if err != nil {
		return res, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	if len(reply) != 2 {
		return res, ErrUnexpectedReply
	}
	res.Recovered = toStrings(reply[0])
	res.Failed = toStrings(reply[1])
	return res, nil
}

// Subscribe implements queue.WorkerRepository using a pub/sub channel per queue
func (b *Broker) Subscribe(ctx context.Context, queueName string) (<-chan struct{}, error) {
	pubsub := b.rdb.Subscribe(ctx, b.wakeChannel(queueName))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to queue %q: %w", queueName, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("failed to close subscription",
					slog.String("queue", queueName),
					slog.String("error", err.Error()))
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// SaveRepeat implements queue.RepeatRepository. Saving releases a claim.
func (b *Broker) SaveRepeat(ctx context.Context, def *queue.RepeatDefinition) error {
	if def == nil || def.Key == "" {
		return queue.ErrInvalidRepeat
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode repeat %q: %w", def.Key, err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.repeatKey(def.Queue), def.Key, raw)
		pipe.ZAdd(ctx, b.repeatNextKey(def.Queue), redis.Z{Score: float64(ms(def.NextRunAt)), Member: def.Key})
		pipe.SAdd(ctx, b.queuesKey(), def.Queue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save repeat %q: %w", def.Key, err)
	}
	return nil
}

// GetRepeat implements queue.RepeatRepository
func (b *Broker) GetRepeat(ctx context.Context, queueName, key string) (*queue.RepeatDefinition, error) {
	raw, err := b.rdb.HGet(ctx, b.repeatKey(queueName), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrRepeatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repeat %q: %w", key, err)
	}
	return decodeRepeat(raw)
}

// ListRepeats implements queue.RepeatRepository
func (b *Broker) ListRepeats(ctx context.Context, queueName string) ([]*queue.RepeatDefinition, error) {
	raws, err := b.rdb.HVals(ctx, b.repeatKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list repeats: %w", err)
	}
	defs, err := decodeRepeats(raws)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(defs, func(a, c *queue.RepeatDefinition) int {
		return cmp.Or(a.NextRunAt.Compare(c.NextRunAt), cmp.Compare(a.Key, c.Key))
	})
	return defs, nil
}

// RemoveRepeat implements queue.RepeatRepository
func (b *Broker) RemoveRepeat(ctx context.Context, queueName, key string) error {
	var removed *redis.IntCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, b.repeatKey(queueName), key)
		pipe.ZRem(ctx, b.repeatNextKey(queueName), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove repeat %q: %w", key, err)
	}
	if removed.Val() == 0 {
		return queue.ErrRepeatNotFound
	}
	return nil
}

// ClaimDueRepeats implements queue.RepeatRepository
func (b *Broker) ClaimDueRepeats(ctx context.Context, queueName string, now time.Time) ([]*queue.RepeatDefinition, error) {
	raws, err := b.run(ctx, claimRepeatsScript, queueName, ms(now), b.claimTTL.Milliseconds()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim repeats: %w", err)
	}
	return decodeRepeats(raws)
}

func decodeRepeat(raw string) (*queue.RepeatDefinition, error) {
	var def queue.RepeatDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("failed to decode repeat definition: %w", err)
	}
	return &def, nil
}

func decodeRepeats(raws []string) ([]*queue.RepeatDefinition, error) {
	defs := make([]*queue.RepeatDefinition, 0, len(raws))
	for _, raw := range raws {
		def, err := decodeRepeat(raw)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
