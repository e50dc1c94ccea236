// Package async provides panic-safe background execution for voicescribe.
//
// SafeGo runs a single task with a timeout and recovery:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "initial subscription gauge", func(ctx context.Context) error {
//		return refresh(ctx)
//	})
//
// WorkerPool runs submitted tasks on a fixed number of workers. The ingest
// coordinator uses it to hand accepted jobs to the transcription provider
// without holding the inbound request open:
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "transcription dispatch", time.Minute)
//	defer pool.Shutdown(10 * time.Second)
//
//	err := pool.Submit(func(ctx context.Context) error {
//		return submit(ctx, job)
//	})
//
// Task errors and panics are logged with the pool's task name and passed to
// the optional error handler.
package async
