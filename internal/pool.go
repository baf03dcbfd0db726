package internal

// WorkerPool runs up to N units of work concurrently. Session
// initialisations are queued here so a burst of connect requests cannot
// spawn an unbounded number of headless-browser clients at once.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. The size should be derived from
// whatever shared resource you are constrained by (browser processes,
// DB connections), not an arbitrary number. If more than N work is
// queued, Queue eventually blocks until some work is done.
//
// The channel buffer is also N: the amount of in-flight work is N, so
// allow up to N more to queue before applying backpressure to the
// producer. Larger buffers just consume memory up front.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
