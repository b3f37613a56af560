package systems

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
)

// JobTask describes a piece of work for the job system. OnStart is
// required; the other callbacks are optional and run on the worker after
// OnStart returns.
type JobTask struct {
	Name        string
	InputParams interface{}

	OnStart    func(params interface{}) (interface{}, error)
	OnComplete func(result interface{})
	OnFailure  func(err error)
	// OnCompletionCallback runs last, whatever the outcome.
	OnCompletionCallback func()
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}

	js.start()
	core.LogInfo("job system started with %d workers", numWorkers)

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(job)
			}
		}()
	}
}

func (js *JobSystem) run(job JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}
	result, err := job.OnStart(job.InputParams)
	if err != nil {
		core.LogError("job %q failed: %s", job.Name, err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

// Shutdown stops accepting jobs, runs the ones already queued and waits for
// the workers to exit.
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	core.LogInfo("job system shut down")
	return nil
}

// Submit queues the job for execution. It blocks while the queue is full.
func (js *JobSystem) Submit(jt JobTask) error {
	if jt.OnStart == nil {
		return errors.Wrapf(core.ErrInvalidArgument, "job %q has no entry point", jt.Name)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()

	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}

func (js *JobSystem) Workers() int { return js.numWorkers }
