// Package redisbroker implements queue.Broker on Redis.
//
// Each queue keeps its jobs in hashes and one sorted set per state under the
// "<prefix>:<queue>:" namespace:
//
//	jq:email:waiting            priority and enqueue order
//	jq:email:delayed            run time
//	jq:email:active             lock expiry
//	jq:email:completed          finish time
//	jq:email:failed             finish time
//	jq:email:waiting-children   enqueue order
//	jq:email:job:<id>           job hash
//	jq:email:logs:<id>          job log lines
//	jq:email:deps:<id>          unfinished children of a flow parent
//	jq:email:repeat             repeat definitions by key
//	jq:email:repeat:next        next run time per repeat key
//
// State transitions (add, lease, complete, retry, fail, stalled recovery)
// are Lua scripts, so they are atomic across any number of worker processes.
// Workers are woken through the "<prefix>:<queue>:wake" pub/sub channel and
// fall back to polling when a message is missed.
//
// Flow parents and children may live in different queues, and the scripts
// touch keys that are not declared up front. The broker therefore requires a
// single Redis node (or a primary with replicas), not Redis Cluster.
//
// Usage:
//
//	client, err := redis.NewProvider(cfg, logger).Get()
//	if err != nil {
//		return err
//	}
//	broker, err := redisbroker.New(client, redisbroker.WithPrefix("jq"))
//	if err != nil {
//		return err
//	}
//	manager, err := queue.NewManager(broker)
package redisbroker
