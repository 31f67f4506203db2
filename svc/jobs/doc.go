// Package jobs holds the workloads served by the job queue: email delivery,
// webhook delivery, file processing, database backups and recurring
// maintenance.
//
// Register starts one worker per queue with the concurrency and rate limits of
// its workload, and ScheduleRecurring installs the cron and interval
// schedules:
//
//	if err := jobs.Register(manager, deps); err != nil {
//		return err
//	}
//	if err := jobs.ScheduleRecurring(ctx, manager, jobs.Schedules(deps.Dumper != nil)); err != nil {
//		return err
//	}
//
// Producers enqueue through the helpers, which carry the default priority,
// attempts and backoff of each job type:
//
//	job, err := jobs.SendEmail(ctx, manager, jobs.EmailPayload{
//		SendTo:   "user@example.com",
//		Subject:  "Welcome",
//		BodyText: "Thanks for signing up",
//	})
//
// Processors return queue.Unrecoverable errors for input that cannot succeed
// on retry, so those jobs fail after a single attempt.
package jobs
