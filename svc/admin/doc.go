// Package admin is the operator HTTP API of the job queue.
//
// Routes:
//
//	GET    /queues/status                  metrics and pause flag of every queue
//	POST   /queues/{name}/pause            stop leasing jobs
//	POST   /queues/{name}/resume
//	POST   /queues/{name}/drain            {"delayed": true} also drops delayed jobs
//	POST   /queues/{name}/clean            {"grace": ms, "limit": n, "status": "completed"}
//	DELETE /queues/{name}?force=true       obliterate the queue
//	GET    /queues/{name}/jobs             ?status=waiting&start=0&end=49
//	GET    /queues/{name}/repeats
//	DELETE /queues/{name}/repeats/{key}    key is path escaped
//	GET    /jobs/{id}?queue=name           job with its log lines
//	DELETE /jobs/{id}?queue=name
//	POST   /jobs/{id}/retry?queue=name     failed jobs only
//	GET    /health/live
//	GET    /health/ready
//
// Successful responses are {"data": ...}. Errors are {"error", "details"};
// details are omitted in production. Unknown queue names answer 400, missing
// jobs and repeat definitions 404, state conflicts 409.
package admin
