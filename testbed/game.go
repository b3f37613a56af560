package testbed

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer"
	"github.com/spaghettifunk/fencepost/engine/renderer/descriptor"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/queue"
	"github.com/spaghettifunk/fencepost/engine/systems"
)

const (
	instanceCount   = 64
	instanceStride  = 16
	textureCount    = 4
	drawJobs        = 3
	drawsPerJob     = 8
	reallocInterval = 16
)

type TestGame struct {
	*engine.Game
	state *gameState
}

type gameState struct {
	renderer *renderer.Renderer
	jobs     *systems.JobSystem

	instances gpu.Buffer
	textures  []gpu.Buffer
	target    gpu.Buffer

	// views holds one SRV per texture plus the instance buffer; uav the
	// compute target.
	views *descriptor.Allocation
	uav   *descriptor.Allocation

	drawLayout    *gpu.BindingLayout
	computeLayout *gpu.BindingLayout

	time        float64
	reallocated int
}

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game:  &engine.Game{Name: "fencepost demo"},
		state: &gameState{},
	}
	tg.State = tg.state
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown
	return tg
}

// Reallocations returns how often the views were rebuilt.
func (g *TestGame) Reallocations() int { return g.state.reallocated }

// Target returns the buffer the compute pass clears every frame.
func (g *TestGame) Target() gpu.Buffer { return g.state.target }

func (g *TestGame) Initialize(r *renderer.Renderer, jobs *systems.JobSystem) error {
	core.LogInfo("initializing testbed...")
	s := g.state
	s.renderer, s.jobs = r, jobs

	d := r.Device()
	var err error
	if s.instances, err = d.CreateBuffer(gpu.BufferDesc{Size: instanceCount * instanceStride, Name: "instances"}); err != nil {
		return err
	}
	for i := 0; i < textureCount; i++ {
		tex, err := d.CreateBuffer(gpu.BufferDesc{Size: 4096, Name: "texture"})
		if err != nil {
			return err
		}
		s.textures = append(s.textures, tex)
	}
	if s.target, err = d.CreateBuffer(gpu.BufferDesc{Size: 256, Name: "compute-target"}); err != nil {
		return err
	}

	if s.views, err = g.createViews(); err != nil {
		return err
	}
	if s.uav, err = r.AllocateDescriptors(gpu.HeapCBVSRVUAV, 1); err != nil {
		return err
	}
	uavDesc := gpu.ViewDesc{Kind: gpu.ViewUAV, Address: s.target.Address(), Size: s.target.Size()}
	if err := d.CreateView(uavDesc, s.uav.Descriptor(0)); err != nil {
		return err
	}

	s.drawLayout = &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(
			gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: textureCount},
			gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 1},
		),
		gpu.InlineSlot(gpu.InlineCBV),
	}}
	s.computeLayout = &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 1}),
		gpu.InlineSlot(gpu.InlineCBV),
	}}

	// Fill the textures once through the copy queue.
	copyQ := r.CommandQueue(gpu.QueueCopy)
	c, err := copyQ.AcquireContext()
	if err != nil {
		return err
	}
	for i, tex := range s.textures {
		pixels := make([]byte, tex.Size())
		for j := range pixels {
			pixels[j] = byte(i)
		}
		if err := c.UploadToBuffer(tex, 0, pixels); err != nil {
			return err
		}
	}
	if _, err := copyQ.Submit(c); err != nil {
		return err
	}
	return r.CommandQueue(gpu.QueueDirect).Wait(copyQ)
}

// createViews writes one SRV per texture followed by the instance buffer's
// view into a fresh descriptor range.
func (g *TestGame) createViews() (*descriptor.Allocation, error) {
	s := g.state
	views, err := s.renderer.AllocateDescriptors(gpu.HeapCBVSRVUAV, textureCount+1)
	if err != nil {
		return nil, err
	}
	d := s.renderer.Device()
	for i, tex := range s.textures {
		if err := d.CreateView(gpu.ViewDesc{Kind: gpu.ViewSRV, Address: tex.Address(), Size: tex.Size()}, views.Descriptor(uint32(i))); err != nil {
			views.Free()
			return nil, err
		}
	}
	desc := gpu.ViewDesc{Kind: gpu.ViewSRV, Address: s.instances.Address(), Size: s.instances.Size()}
	if err := d.CreateView(desc, views.Descriptor(textureCount)); err != nil {
		views.Free()
		return nil, err
	}
	return views, nil
}

func (g *TestGame) Update(deltaTime float64) error {
	g.state.time += deltaTime
	return nil
}

func (g *TestGame) Render(f *engine.Frame, deltaTime float64) error {
	s := g.state

	if f.Number%reallocInterval == 0 {
		// The old range stays reserved until the GPU is past this frame.
		views, err := g.createViews()
		if err != nil {
			return err
		}
		old := s.views
		s.views = views
		if err := old.Free(); err != nil {
			return err
		}
		s.reallocated++
	}

	if err := g.uploadInstances(f); err != nil {
		return err
	}
	if err := g.recordDraws(f); err != nil {
		return err
	}
	return g.recordCompute(f)
}

func (g *TestGame) uploadInstances(f *engine.Frame) error {
	s := g.state
	copyQ := f.Renderer.CommandQueue(gpu.QueueCopy)
	c, err := copyQ.AcquireContext()
	if err != nil {
		return err
	}
	data := make([]byte, instanceCount*instanceStride)
	for i := 0; i < instanceCount; i++ {
		angle := s.time + float64(i)*2*math.Pi/instanceCount
		off := i * instanceStride
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(math.Cos(angle))))
		binary.LittleEndian.PutUint32(data[off+4:], math.Float32bits(float32(math.Sin(angle))))
		binary.LittleEndian.PutUint32(data[off+8:], uint32(i))
		binary.LittleEndian.PutUint32(data[off+12:], uint32(f.Number))
	}
	if err := c.UploadToBuffer(s.instances, 0, data); err != nil {
		return err
	}
	if _, err := f.Submit(gpu.QueueCopy, c); err != nil {
		return err
	}
	return f.Renderer.CommandQueue(gpu.QueueDirect).Wait(copyQ)
}

// recordDraws records the frame's draws on the job system, one context per
// job, and waits for all of them to be submitted.
func (g *TestGame) recordDraws(f *engine.Frame) error {
	s := g.state
	views := s.views

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	for job := 0; job < drawJobs; job++ {
		wg.Add(1)
		err := f.Jobs.Submit(systems.JobTask{
			Name:        "draw",
			InputParams: job,
			OnStart: func(params interface{}) (interface{}, error) {
				return nil, g.recordDrawJob(f, views, params.(int))
			},
			OnFailure: func(err error) {
				mu.Lock()
				errs = errors.CombineErrors(errs, err)
				mu.Unlock()
			},
			OnCompletionCallback: wg.Done,
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = errors.CombineErrors(errs, err)
			mu.Unlock()
			break
		}
	}
	wg.Wait()
	return errs
}

func (g *TestGame) recordDrawJob(f *engine.Frame, views *descriptor.Allocation, job int) error {
	direct := f.Renderer.CommandQueue(gpu.QueueDirect)
	c, err := direct.AcquireContext()
	if err != nil {
		return err
	}
	if err := g.recordDrawsInto(c, views, job, f.Number); err != nil {
		direct.Discard(c)
		return err
	}
	_, err = f.Submit(gpu.QueueDirect, c)
	return err
}

func (g *TestGame) recordDrawsInto(c *queue.RecordingContext, views *descriptor.Allocation, job int, frame uint64) error {
	s := g.state
	if err := c.SetBindingLayout(s.drawLayout); err != nil {
		return err
	}
	if err := c.SetDescriptors(gpu.HeapCBVSRVUAV, 0, 0, views.Descriptor(0), views.Count()); err != nil {
		return err
	}
	constants := make([]byte, 16)
	for i := 0; i < drawsPerJob; i++ {
		binary.LittleEndian.PutUint32(constants[0:], math.Float32bits(float32(s.time)))
		binary.LittleEndian.PutUint32(constants[4:], uint32(job))
		binary.LittleEndian.PutUint32(constants[8:], uint32(i))
		binary.LittleEndian.PutUint32(constants[12:], uint32(frame))
		if err := c.SetDynamicConstantBuffer(1, constants); err != nil {
			return err
		}
		if err := c.Draw(3, instanceCount/drawsPerJob); err != nil {
			return err
		}
	}
	return nil
}

func (g *TestGame) recordCompute(f *engine.Frame) error {
	s := g.state
	compute := f.Renderer.CommandQueue(gpu.QueueCompute)
	c, err := compute.AcquireContext()
	if err != nil {
		return err
	}
	record := func() error {
		if err := c.ClearUnorderedAccessView(s.uav.Descriptor(0), [4]uint32{uint32(f.Number)}); err != nil {
			return err
		}
		if err := c.SetBindingLayout(s.computeLayout); err != nil {
			return err
		}
		if err := c.SetDescriptors(gpu.HeapCBVSRVUAV, 0, 0, s.uav.Descriptor(0), 1); err != nil {
			return err
		}
		var params [4]byte
		binary.LittleEndian.PutUint32(params[:], uint32(f.Number))
		if err := c.SetDynamicConstantBuffer(1, params[:]); err != nil {
			return err
		}
		return c.Dispatch(instanceCount/8, 1, 1)
	}
	if err := record(); err != nil {
		compute.Discard(c)
		return err
	}
	_, err = f.Submit(gpu.QueueCompute, c)
	return err
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed...")
	s := g.state
	if s.renderer == nil {
		return nil
	}
	if err := s.renderer.Flush(); err != nil {
		return err
	}
	var errs error
	for _, a := range []*descriptor.Allocation{s.views, s.uav} {
		if err := a.Free(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, b := range append(s.textures, s.instances, s.target) {
		if b != nil {
			b.Destroy()
		}
	}
	s.textures = nil
	return errs
}
