package tasks

// TaskSchedulerInterface is what the HTTP surface uses to trigger
// background work (manual refresh, retention sweeps) without reaching
// into the worker pool.
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}
