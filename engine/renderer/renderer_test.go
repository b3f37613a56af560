package renderer

import (
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/config"
	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/headless"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func newRenderer(t *testing.T) (*Renderer, *headless.Device) {
	t.Helper()
	d := headless.New(nil)
	r, err := New(d, config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r, d
}

func TestNewWithoutDevice(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("New(nil):\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
}

func TestFailedNewLeavesDeviceWithCaller(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()

	cfg := config.Default()
	cfg.Descriptors.PageSize = 0
	if _, err := New(d, cfg); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("New with a bad config:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
	if d.LiveDescriptorHeaps() != 0 || d.LiveCommandLists() != 0 {
		t.Fatalf("after failed New:\nhave %d heaps, %d command lists\nwant 0, 0", d.LiveDescriptorHeaps(), d.LiveCommandLists())
	}
	b, err := d.CreateBuffer(gpu.BufferDesc{Size: 64, Name: "after-failed-new"})
	if err != nil {
		t.Fatalf("device closed by failed New: %v", err)
	}
	b.Destroy()
}

func TestFreedDescriptorsWaitForDirectQueue(t *testing.T) {
	r, d := newRenderer(t)
	direct := r.CommandQueue(gpu.QueueDirect)
	hq := d.HeadlessQueue(gpu.QueueDirect)

	alloc, err := r.AllocateDescriptors(gpu.HeapCBVSRVUAV, 10)
	if err != nil {
		t.Fatalf("AllocateDescriptors: %v", err)
	}
	if err := d.CreateView(gpu.ViewDesc{Kind: gpu.ViewCBV, Address: 0x1000, Size: 256}, alloc.Descriptor(0)); err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	hq.Pause()
	c, err := direct.AcquireContext()
	if err != nil {
		t.Fatalf("AcquireContext: %v", err)
	}
	// The context being recorded may still reference the range.
	if err := alloc.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := direct.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if n := r.ReleaseStaleDescriptors(); n != 0 {
		t.Fatalf("released before the GPU finished: %d", n)
	}
	cbv := r.Stats().Descriptors[gpu.HeapCBVSRVUAV]
	if cbv.Free() != 246 || cbv.Pages[0].PendingRelease != 1 {
		t.Fatalf("while in flight:\nhave %d free, %d pending\nwant 246, 1", cbv.Free(), cbv.Pages[0].PendingRelease)
	}

	hq.Resume()
	if err := direct.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	cbv = r.Stats().Descriptors[gpu.HeapCBVSRVUAV]
	if cbv.Free() != cbv.Capacity() || cbv.Pages[0].FreeBlocks != 1 {
		t.Fatalf("after the direct queue finished:\nhave %d of %d free in %d blocks\nwant all free in 1 block",
			cbv.Free(), cbv.Capacity(), cbv.Pages[0].FreeBlocks)
	}
}

func TestAllocateDescriptorsValidation(t *testing.T) {
	r, _ := newRenderer(t)

	if _, err := r.AllocateDescriptors(gpu.HeapTypeCount, 1); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("unknown heap type:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
	if _, err := r.AllocateDescriptors(gpu.HeapRTV, 0); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("zero descriptors:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
	if q := r.CommandQueue(gpu.QueueTypeCount); q != nil {
		t.Fatal("CommandQueue returned a queue for an unknown type")
	}
}

func TestFlushWaitsForEveryQueue(t *testing.T) {
	r, d := newRenderer(t)

	var pending []gpu.QueueType
	for _, typ := range []gpu.QueueType{gpu.QueueCopy, gpu.QueueCompute} {
		d.HeadlessQueue(typ).Pause()
		q := r.CommandQueue(typ)
		c, err := q.AcquireContext()
		if err != nil {
			t.Fatalf("AcquireContext: %v", err)
		}
		if _, err := q.Submit(c); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		pending = append(pending, typ)
	}

	done := make(chan error, 1)
	go func() { done <- r.Flush() }()
	for _, typ := range pending {
		select {
		case err := <-done:
			t.Fatalf("Flush returned while the %s queue was paused: %v", typ, err)
		case <-time.After(10 * time.Millisecond):
		}
		d.HeadlessQueue(typ).Resume()
	}
	if err := <-done; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, s := range r.Stats().Queues {
		if s.InFlight != 0 || s.Completed != s.LastSignaled {
			t.Fatalf("%s queue after Flush: %+v", s.Type, s)
		}
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	r, d := newRenderer(t)
	direct := r.CommandQueue(gpu.QueueDirect)
	hq := d.HeadlessQueue(gpu.QueueDirect)

	srv, err := r.AllocateDescriptors(gpu.HeapCBVSRVUAV, 2)
	if err != nil {
		t.Fatalf("AllocateDescriptors: %v", err)
	}
	for i := uint32(0); i < srv.Count(); i++ {
		desc := gpu.ViewDesc{Kind: gpu.ViewSRV, Address: gpu.DeviceAddress(0x1000 * (i + 1)), Size: 64}
		if err := d.CreateView(desc, srv.Descriptor(i)); err != nil {
			t.Fatalf("CreateView: %v", err)
		}
	}

	layout := &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 2}),
		gpu.InlineSlot(gpu.InlineCBV),
	}}
	hq.Pause()
	for i := 0; i < 3; i++ {
		c, err := direct.AcquireContext()
		if err != nil {
			t.Fatalf("AcquireContext: %v", err)
		}
		if err := c.SetBindingLayout(layout); err != nil {
			t.Fatalf("SetBindingLayout: %v", err)
		}
		if err := c.SetDescriptors(gpu.HeapCBVSRVUAV, 0, 0, srv.Descriptor(0), 2); err != nil {
			t.Fatalf("SetDescriptors: %v", err)
		}
		if err := c.SetDynamicConstantBuffer(1, []byte{byte(i), 0, 0, 0}); err != nil {
			t.Fatalf("SetDynamicConstantBuffer: %v", err)
		}
		if err := c.Draw(3, 1); err != nil {
			t.Fatalf("Draw: %v", err)
		}
		if _, err := direct.Submit(c); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if d.LiveBuffers() == 0 || d.LiveDescriptorHeaps() == 0 {
		t.Fatal("nothing was allocated on the device")
	}

	done := make(chan error, 1)
	go func() { done <- r.Shutdown() }()
	select {
	case err := <-done:
		t.Fatalf("Shutdown returned while work was in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	hq.Resume()
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := d.LiveBuffers(); n != 0 {
		t.Fatalf("buffers after Shutdown:\nhave %d\nwant 0", n)
	}
	if n := d.LiveDescriptorHeaps(); n != 0 {
		t.Fatalf("descriptor heaps after Shutdown:\nhave %d\nwant 0", n)
	}
	if faults := d.Faults(); len(faults) != 0 {
		t.Fatalf("device faults: %v", faults)
	}
	if _, err := r.AllocateDescriptors(gpu.HeapCBVSRVUAV, 1); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("AllocateDescriptors after Shutdown:\nhave %v\nwant %v", err, core.ErrInvalidState)
	}
	if _, err := direct.AcquireContext(); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("AcquireContext after Shutdown:\nhave %v\nwant %v", err, core.ErrQueueClosed)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStatsJSON(t *testing.T) {
	r, _ := newRenderer(t)
	if _, err := r.AllocateDescriptors(gpu.HeapSampler, 4); err != nil {
		t.Fatalf("AllocateDescriptors: %v", err)
	}

	data, err := r.StatsJSON()
	if err != nil {
		t.Fatalf("StatsJSON: %v", err)
	}
	var out struct {
		Queues []struct {
			Type     string
			Contexts int
		}
		Descriptors []struct {
			Type  string
			Pages []struct{ Capacity, Free int }
		}
		Pools []struct {
			Name string
			Size int
		}
		Counters map[string]float64
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	if len(out.Queues) != int(gpu.QueueTypeCount) || len(out.Descriptors) != int(gpu.HeapTypeCount) {
		t.Fatalf("stats:\nhave %d queues, %d allocators\nwant %d, %d", len(out.Queues), len(out.Descriptors), gpu.QueueTypeCount, gpu.HeapTypeCount)
	}
	sampler := out.Descriptors[gpu.HeapSampler]
	if sampler.Type != gpu.HeapSampler.String() || len(sampler.Pages) != 1 || sampler.Pages[0].Free != sampler.Pages[0].Capacity-4 {
		t.Fatalf("sampler allocator:\nhave %+v", sampler)
	}
	if len(out.Pools) != 3 || out.Pools[2].Name != "upload" || out.Pools[2].Size != 2*1024*1024 {
		t.Fatalf("pools:\nhave %+v", out.Pools)
	}
	if _, ok := out.Counters["Submissions"]; !ok {
		t.Fatalf("counters missing from %s", data)
	}
}
