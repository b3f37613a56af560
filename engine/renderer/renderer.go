package renderer

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/fencepost/engine/config"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/descriptor"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/queue"
	"github.com/spaghettifunk/fencepost/engine/renderer/upload"
)

// Renderer owns a device together with everything that tracks the lifetime
// of GPU memory on it: one CommandQueue per queue type, one descriptor
// Allocator per heap type and the pools of shader-visible heaps and upload
// pages the recording contexts share.
type Renderer struct {
	device gpu.Device

	queues     [gpu.QueueTypeCount]*queue.CommandQueue
	allocators [gpu.HeapTypeCount]*descriptor.Allocator
	heapPools  []*descriptor.HeapPool
	uploads    *upload.PagePool

	mu       sync.Mutex
	shutdown bool
}

// New creates a renderer on device, sized by cfg. On success the renderer
// takes ownership of the device and closes it on Shutdown. On failure
// everything New created is released and the device stays with the
// caller, who must close it.
func New(device gpu.Device, cfg *config.Config) (*Renderer, error) {
	if device == nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, "renderer needs a device")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Renderer{device: device}

	// Everything created so far is released if a later step fails.
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, q := range r.queues {
			if q != nil {
				q.Shutdown()
			}
		}
		r.release()
	}()

	for _, t := range []gpu.HeapType{gpu.HeapCBVSRVUAV, gpu.HeapSampler} {
		pool, err := descriptor.NewHeapPool(device, t, cfg.Descriptors.DynamicHeapSize)
		if err != nil {
			return nil, err
		}
		r.heapPools = append(r.heapPools, pool)
	}

	uploads, err := upload.NewPagePool(device, cfg.Upload.PageSize)
	if err != nil {
		return nil, err
	}
	r.uploads = uploads

	for t := gpu.QueueType(0); t < gpu.QueueTypeCount; t++ {
		qcfg := &queue.CommandQueueConfig{
			Type:        t,
			MaxInFlight: cfg.Queues.MaxInFlight,
			HeapPools:   r.heapPools,
			UploadPool:  r.uploads,
		}
		if t == gpu.QueueDirect {
			qcfg.OnReclaim = func(v uint64) { r.releaseStale(v) }
		}
		q, err := queue.NewCommandQueue(device, qcfg)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s queue", t)
		}
		r.queues[t] = q
	}

	direct := r.queues[gpu.QueueDirect]
	for t := gpu.HeapType(0); t < gpu.HeapTypeCount; t++ {
		a, err := descriptor.NewAllocator(device, &descriptor.AllocatorConfig{
			Type:     t,
			PageSize: cfg.Descriptors.PageSize,
			Fence:    direct.NextValue,
		})
		if err != nil {
			return nil, err
		}
		r.allocators[t] = a
	}

	ok = true
	core.LogInfo("renderer initialized on %s device", device.Name())
	return r, nil
}

func (r *Renderer) Device() gpu.Device { return r.device }

// CommandQueue returns the queue of type t.
func (r *Renderer) CommandQueue(t gpu.QueueType) *queue.CommandQueue {
	if t < 0 || t >= gpu.QueueTypeCount {
		return nil
	}
	return r.queues[t]
}

// AllocateDescriptors reserves n contiguous CPU-visible descriptors of type
// t. Freed allocations become reusable once the direct queue has finished
// the work submitted up to the moment of the free.
func (r *Renderer) AllocateDescriptors(t gpu.HeapType, n uint32) (*descriptor.Allocation, error) {
	if t < 0 || t >= gpu.HeapTypeCount {
		return nil, errors.Wrapf(core.ErrInvalidArgument, "heap type %d", t)
	}
	return r.allocators[t].Allocate(n)
}

// ReleaseStaleDescriptors makes the descriptors freed before the direct
// queue's completed fence value available again and returns how many
// ranges were released. The direct queue does this on its own as it
// reclaims contexts; calling it is only needed to release earlier.
func (r *Renderer) ReleaseStaleDescriptors() int {
	return r.releaseStale(r.queues[gpu.QueueDirect].CompletedValue())
}

func (r *Renderer) releaseStale(completed uint64) int {
	n := 0
	for _, a := range r.allocators {
		if a != nil {
			n += a.ReleaseStaleDescriptors(completed)
		}
	}
	return n
}

// Flush waits until every queue has finished all work submitted to it and
// its contexts have been recycled. The queues are flushed concurrently.
func (r *Renderer) Flush() error {
	var g errgroup.Group
	for _, q := range r.queues {
		g.Go(q.Flush)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.ReleaseStaleDescriptors()
	return nil
}

// Shutdown stops the reclamation of every queue, drains and flushes the
// queues, then releases the pooled contexts, descriptor pages, heaps and
// upload pages, and finally closes the device. Descriptor allocations still
// alive are reported and released with their pages.
func (r *Renderer) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	var errs error
	var g errgroup.Group
	for _, q := range r.queues {
		g.Go(q.Shutdown)
	}
	if err := g.Wait(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}

	// Nothing can reference a freed descriptor anymore.
	r.releaseStale(^uint64(0))
	r.release()

	if err := r.device.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "closing device"))
	}
	core.LogInfo("renderer shut down")
	return errs
}

func (r *Renderer) release() {
	for _, a := range r.allocators {
		if a != nil {
			a.Destroy()
		}
	}
	for _, p := range r.heapPools {
		p.Destroy()
	}
	if r.uploads != nil {
		r.uploads.Destroy()
	}
}

type QueueStats struct {
	Type         gpu.QueueType
	LastSignaled uint64
	Completed    uint64
	Contexts     int
	Available    int
	InFlight     int
}

type PoolStats struct {
	Name      string
	Size      uint64
	Len       int
	Available int
}

type Stats struct {
	Queues      []QueueStats
	Descriptors []descriptor.AllocatorStats
	Pools       []PoolStats
	Counters    core.Counters
}

func (r *Renderer) Stats() Stats {
	var s Stats
	for _, q := range r.queues {
		s.Queues = append(s.Queues, QueueStats{
			Type:         q.Type(),
			LastSignaled: q.LastSignaled(),
			Completed:    q.CompletedValue(),
			Contexts:     q.Len(),
			Available:    q.AvailableCount(),
			InFlight:     q.InFlightCount(),
		})
	}
	for _, a := range r.allocators {
		if a != nil {
			s.Descriptors = append(s.Descriptors, a.Stats())
		}
	}
	for _, p := range r.heapPools {
		s.Pools = append(s.Pools, PoolStats{
			Name:      p.Type().String(),
			Size:      uint64(p.HeapSize()),
			Len:       p.Len(),
			Available: p.Available(),
		})
	}
	s.Pools = append(s.Pools, PoolStats{
		Name:      "upload",
		Size:      r.uploads.PageSize(),
		Len:       r.uploads.Len(),
		Available: r.uploads.Available(),
	})
	s.Counters = core.MetricsSnapshot()
	return s
}

// StatsJSON returns a detailed map of the renderer's queues, descriptor
// pages and pools as JSON.
func (r *Renderer) StatsJSON() ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()

	queues := obj.Name("Queues").Array()
	for _, q := range r.queues {
		qo := queues.Object()
		qo.Name("Type").String(q.Type().String())
		qo.Name("LastSignaled").Float64(float64(q.LastSignaled()))
		qo.Name("Completed").Float64(float64(q.CompletedValue()))
		qo.Name("Contexts").Int(q.Len())
		qo.Name("Available").Int(q.AvailableCount())
		qo.Name("InFlight").Int(q.InFlightCount())
		qo.End()
	}
	queues.End()

	allocators := obj.Name("Descriptors").Array()
	for _, a := range r.allocators {
		if a == nil {
			continue
		}
		ao := allocators.Object()
		a.WriteStats(ao)
		ao.End()
	}
	allocators.End()

	pools := obj.Name("Pools").Array()
	for _, p := range r.Stats().Pools {
		po := pools.Object()
		po.Name("Name").String(p.Name)
		po.Name("Size").Float64(float64(p.Size))
		po.Name("Len").Int(p.Len)
		po.Name("Available").Int(p.Available)
		po.End()
	}
	pools.End()

	c := core.MetricsSnapshot()
	counters := obj.Name("Counters").Object()
	counters.Name("Submissions").Float64(float64(c.Submissions))
	counters.Name("ContextsCreated").Float64(float64(c.ContextsCreated))
	counters.Name("ContextsReclaimed").Float64(float64(c.ContextsReclaimed))
	counters.Name("DescriptorPages").Float64(float64(c.DescriptorPages))
	counters.Name("UploadPages").Float64(float64(c.UploadPages))
	counters.Name("GPUHeaps").Float64(float64(c.GPUHeaps))
	counters.End()

	obj.End()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "writing renderer stats")
	}
	return w.Bytes(), nil
}
