// Package queue provides durable job queues with concurrent workers, retries with
// backoff, delayed and repeating jobs, and parent/child flows.
//
// The package is organised around a few components that talk to storage only
// through the Broker interface:
//
//   - Queue        adds, inspects and administers the jobs of one named queue
//   - Worker       leases jobs and runs them through a Processor
//   - FlowProducer writes a parent job together with the children it waits for
//   - Manager      owns the queues and workers of a process
//
// MemoryBroker keeps everything in process and is meant for tests and local
// development. The redisbroker subpackage provides the production broker.
//
// # Job lifecycle
//
// A job is created waiting, or delayed when it has a delay, or waiting-children
// when it is a flow parent. A worker lease moves it to active and counts an
// attempt. A successful attempt completes it; a failed one either schedules a
// retry after the job's backoff or fails it for good once the attempts are used
// up or the processor returned an error wrapped with Unrecoverable. Workers
// renew their lease while a job runs; jobs whose lease expires are recovered as
// stalled.
//
// # Usage
//
//	broker := queue.NewMemoryBroker()
//	manager, err := queue.NewManager(broker, queue.WithAllowedQueues("email"))
//	if err != nil {
//		return err
//	}
//	defer manager.Close(context.Background())
//
//	router := queue.NewRouter().
//		Handle("send-email", queue.NewTypedProcessor(func(ctx context.Context, job *queue.Job, p SendEmail) (any, error) {
//			_ = job.UpdateProgress(ctx, 50)
//			return nil, send(ctx, p)
//		}))
//	if _, err := manager.RegisterWorker("email", router, queue.WithConcurrency(5)); err != nil {
//		return err
//	}
//
//	q, _ := manager.Queue("email")
//	_, err = q.Add(ctx, "send-email", SendEmail{To: "user@example.com"},
//		queue.WithPriority(queue.PriorityHigh),
//		queue.WithAttempts(5),
//	)
//
// Repeating job:
//
//	_, err = q.AddRepeat(ctx, "daily-cleanup", nil, queue.DailyAt(2, 0))
//
// # Error Handling
//
// Package-level sentinel errors (e.g. ErrJobNotFound, ErrInvalidPriority) can be
// checked with errors.Is. AddBulk reports every rejected entry in a *BulkError.
package queue
