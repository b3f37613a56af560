package engine

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/fencepost/engine/config"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/headless"
	"github.com/spaghettifunk/fencepost/engine/renderer/vulkan"
	"github.com/spaghettifunk/fencepost/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything it owned
	EngineStageShutdown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	case EngineStageShutdown:
		return "shut down"
	}
	return "unknown"
}

type Option func(*Engine)

// WithConfigFile makes the engine watch path and apply changes to the log
// level while it runs.
func WithConfigFile(path string) Option {
	return func(e *Engine) {
		e.configPath = path
	}
}

// WithDevice runs the engine on device instead of creating one for the
// configured backend.
func WithDevice(device gpu.Device) Option {
	return func(e *Engine) {
		e.device = device
	}
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	cfg          *config.Config
	configPath   string

	device   gpu.Device
	renderer *renderer.Renderer
	jobs     *systems.JobSystem
	watcher  *config.Watcher
	watching sync.WaitGroup

	clock    *core.Clock
	lastTime float64

	// frames bounds the frames whose GPU work is still pending.
	frames  *semaphore.Weighted
	pending sync.WaitGroup
	frame   uint64

	mu       sync.Mutex
	asyncErr error
	quit     context.CancelFunc
}

func New(g *Game, cfg *config.Config, opts ...Option) (*Engine, error) {
	if g == nil || g.FnRender == nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, "game needs a render callback")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		cfg:          cfg,
		clock:        core.NewClock(),
		frames:       semaphore.NewWeighted(int64(cfg.Engine.FramesInFlight)),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) Stage() Stage                  { return e.currentStage }
func (e *Engine) Renderer() *renderer.Renderer  { return e.renderer }
func (e *Engine) JobSystem() *systems.JobSystem { return e.jobs }

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return errors.Wrapf(core.ErrInvalidState, "engine is %s", e.currentStage)
	}
	e.currentStage = EngineStageInitializing
	core.SetLogLevel(e.cfg.Level())
	if err := core.MetricsInitialize(); err != nil {
		return err
	}
	core.EventInitialize()
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onQuit)

	if e.device == nil {
		d, err := e.createDevice()
		if err != nil {
			return err
		}
		e.device = d
	}

	r, err := renderer.New(e.device, e.cfg)
	if err != nil {
		e.device.Close()
		return err
	}
	e.renderer = r

	js, err := systems.NewJobSystem(e.cfg.Engine.Workers, e.cfg.Engine.Workers*4)
	if err != nil {
		return err
	}
	e.jobs = js

	if e.configPath != "" {
		w, err := config.NewWatcher(e.configPath)
		if err != nil {
			return err
		}
		e.watcher = w
		e.watching.Add(1)
		go e.watchConfig()
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e.renderer, e.jobs); err != nil {
			return errors.Wrap(err, "initializing game")
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("engine %q initialized on the %s backend", e.cfg.Engine.Name, e.device.Name())
	return nil
}

func (e *Engine) createDevice() (gpu.Device, error) {
	switch e.cfg.Engine.Backend {
	case config.BackendHeadless:
		return headless.New(&headless.Options{Latency: e.cfg.Headless.Latency.Duration}), nil
	case config.BackendVulkan:
		return vulkan.NewDevice(e.cfg.Engine.Name)
	}
	return nil, errors.Wrapf(core.ErrInvalidArgument, "unknown backend %q", e.cfg.Engine.Backend)
}

func (e *Engine) watchConfig() {
	defer e.watching.Done()
	for cfg := range e.watcher.Updates() {
		core.SetLogLevel(cfg.Level())
		core.LogInfo("config reloaded, log level %s", cfg.Engine.LogLevel)
		var data core.EventContext
		data.Data.C[0] = cfg.Engine.LogLevel
		core.EventFire(core.EVENT_CODE_CONFIG_RELOADED, e, data)
	}
}

// Run renders frames until ctx is cancelled or a quit event is fired, the
// configured frame limit is reached, or a frame fails. At most FramesInFlight frames have GPU work
// pending at any time; Run waits for all of them before returning.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return errors.Wrapf(core.ErrInvalidState, "engine is %s", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() { e.currentStage = EngineStageInitialized }()

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.quit = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.quit = nil
		e.mu.Unlock()
		cancel()
	}()

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	err := e.loop(ctx)
	e.pending.Wait()
	if err == nil {
		err = e.err()
	}
	if gpu.IsFatal(err) {
		var data core.EventContext
		data.Data.U64[0] = e.frame
		data.Err = err
		core.EventFire(core.EVENT_CODE_DEVICE_LOST, e, data)
	}
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	limit := uint64(e.cfg.Engine.FrameLimit)
	for limit == 0 || e.frame < limit {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.frames.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a frame to finish.
			return nil
		}
		if err := e.err(); err != nil {
			e.frames.Release(1)
			return err
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				e.frames.Release(1)
				return errors.Wrap(err, "game update failed")
			}
		}

		e.frame++
		f := &Frame{Number: e.frame, Renderer: e.renderer, Jobs: e.jobs}
		if err := e.gameInstance.FnRender(f, delta); err != nil {
			e.frames.Release(1)
			// What was submitted still has to finish before shutdown.
			_ = f.wait()
			return errors.Wrapf(err, "rendering frame %d", f.Number)
		}

		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			defer e.frames.Release(1)
			if err := f.wait(); err != nil {
				e.fail(errors.Wrapf(err, "waiting for frame %d", f.Number))
			}
		}()

		e.clock.Update()
		core.MetricsUpdate(e.clock.Elapsed() - currentTime)
		e.lastTime = currentTime
	}
	return nil
}

// Frames returns the number of frames rendered so far.
func (e *Engine) Frames() uint64 { return e.frame }

func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.asyncErr == nil {
		e.asyncErr = err
	}
}

// onQuit stops a running frame loop before its next frame.
func (e *Engine) onQuit(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.quit == nil {
		return false
	}
	core.LogInfo("quit requested")
	e.quit()
	return true
}

func (e *Engine) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asyncErr
}

// Shutdown stops the jobs, lets the game release what it holds and shuts
// the renderer down, which flushes every queue.
func (e *Engine) Shutdown() error {
	switch e.currentStage {
	case EngineStageShutdown, EngineStageShuttingDown:
		return nil
	case EngineStageRunning:
		return errors.Wrap(core.ErrInvalidState, "engine is still running")
	}
	e.currentStage = EngineStageShuttingDown

	core.EventUnregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	var errs error
	if e.watcher != nil {
		errs = errors.CombineErrors(errs, e.watcher.Close())
		e.watching.Wait()
	}
	e.pending.Wait()
	if e.jobs != nil {
		errs = errors.CombineErrors(errs, e.jobs.Shutdown())
	}
	if e.gameInstance.FnShutdown != nil {
		errs = errors.CombineErrors(errs, e.gameInstance.FnShutdown())
	}
	if e.renderer != nil {
		errs = errors.CombineErrors(errs, e.renderer.Shutdown())
	}

	e.currentStage = EngineStageShutdown
	core.LogInfo("engine shut down after %d frames", e.frame)
	return errs
}
