/*
Package worker implements the consumer-side runtime of the task queue: a
dispatcher loop that reserves batches of pending tasks from a store.Store
and launches one executor per task, bounded by a configurable concurrency
ceiling.

	w := worker.New(st, codec.NewJSONCodec(), registry, worker.Config{
		MaxConcurrency: 5,
		PollInterval:   time.Second,
		BatchSize:      10,
	})
	w.Start()
	defer w.Stop()

Shutdown is one-way and cooperative: Stop signals the dispatcher to stop
reserving, then blocks until every in-flight executor has recorded its
outcome. No executor is ever cancelled mid-task.
*/
package worker
