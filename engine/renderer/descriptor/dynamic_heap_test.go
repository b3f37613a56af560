package descriptor

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/headless"
)

type testRecorder struct {
	list  *headless.CommandList
	heaps [gpu.HeapTypeCount]gpu.DescriptorHeap
}

func (r *testRecorder) BindDescriptorHeap(t gpu.HeapType, h gpu.DescriptorHeap) error {
	r.heaps[t] = h
	var set []gpu.DescriptorHeap
	for _, h := range r.heaps {
		if h != nil {
			set = append(set, h)
		}
	}
	r.list.SetDescriptorHeaps(set...)
	return nil
}

func (r *testRecorder) Native() gpu.CommandList { return r.list }

func (r *testRecorder) count(op headless.CommandOp) int {
	n := 0
	for _, c := range r.list.Commands() {
		if c.Op == op {
			n++
		}
	}
	return n
}

type dynamicFixture struct {
	dev  *headless.Device
	pool *HeapPool
	heap *DynamicHeap
	rec  *testRecorder
	src  *Allocation
}

// newDynamicFixture returns a dynamic heap over shader-visible heaps of
// heapSize descriptors, and 8 CBVs at addresses 0x1000, 0x2000 and so on.
func newDynamicFixture(t *testing.T, heapSize uint32) *dynamicFixture {
	t.Helper()
	d := headless.New(nil)
	t.Cleanup(func() { d.Close() })

	a := newAllocator(t, d, 64, nil)
	src := mustAllocate(t, a, 8)
	for i := uint32(0); i < src.Count(); i++ {
		view := gpu.ViewDesc{Kind: gpu.ViewCBV, Address: gpu.DeviceAddress(0x1000 * (i + 1)), Size: 256}
		if err := d.CreateView(view, src.Descriptor(i)); err != nil {
			t.Fatalf("CreateView: %v", err)
		}
	}

	pool, err := NewHeapPool(d, gpu.HeapCBVSRVUAV, heapSize)
	if err != nil {
		t.Fatalf("NewHeapPool: %v", err)
	}
	t.Cleanup(pool.Destroy)

	l, _ := d.CreateCommandList(gpu.QueueDirect)
	if err := l.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	return &dynamicFixture{
		dev:  d,
		pool: pool,
		heap: NewDynamicHeap(d, pool),
		rec:  &testRecorder{list: l.(*headless.CommandList)},
		src:  src,
	}
}

func testLayout() *gpu.BindingLayout {
	return &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 4}),
		gpu.InlineSlot(gpu.InlineCBV),
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 1}, gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 1}),
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapSampler, Count: 1}),
	}}
}

func TestCommitCopiesOnlyStaleTables(t *testing.T) {
	f := newDynamicFixture(t, 64)
	if err := f.heap.ParseBindingLayout(testLayout()); err != nil {
		t.Fatalf("ParseBindingLayout: %v", err)
	}
	if err := f.heap.StageDescriptors(0, 0, 4, f.src.Descriptor(0)); err != nil {
		t.Fatalf("StageDescriptors: %v", err)
	}
	if err := f.heap.StageDescriptors(2, 0, 2, f.src.Descriptor(4)); err != nil {
		t.Fatalf("StageDescriptors: %v", err)
	}
	if have := f.heap.StaleTables(); have != 0b101 {
		t.Fatalf("StaleTables:\nhave %b\nwant 101", have)
	}

	if err := f.heap.CommitForDraw(f.rec); err != nil {
		t.Fatalf("CommitForDraw: %v", err)
	}
	if n := f.rec.count(headless.CmdSetTable); n != 2 {
		t.Fatalf("tables bound by the first commit:\nhave %d\nwant 2", n)
	}
	if f.heap.StaleTables() != 0 {
		t.Fatalf("StaleTables after commit:\nhave %b\nwant 0", f.heap.StaleTables())
	}

	// The bound tables hold copies of the staged descriptors.
	for _, c := range f.rec.list.Commands() {
		if c.Op != headless.CmdSetTable {
			continue
		}
		first := uint32(0)
		if c.Slot == 2 {
			first = 4
		}
		v, err := f.dev.ViewAtGPU(c.Table, gpu.HeapCBVSRVUAV)
		if err != nil {
			t.Fatalf("ViewAtGPU: %v", err)
		}
		if want := gpu.DeviceAddress(0x1000 * (first + 1)); v.Address != want {
			t.Fatalf("slot %d first descriptor:\nhave %#x\nwant %#x", c.Slot, v.Address, want)
		}
		if c.BindPoint != gpu.BindGraphics {
			t.Fatalf("bind point:\nhave %s\nwant %s", c.BindPoint, gpu.BindGraphics)
		}
	}

	before := len(f.rec.list.Commands())
	if err := f.heap.CommitForDraw(f.rec); err != nil {
		t.Fatalf("CommitForDraw: %v", err)
	}
	if after := len(f.rec.list.Commands()); after != before {
		t.Fatalf("second commit recorded %d commands, want none", after-before)
	}

	if err := f.heap.StageDescriptors(2, 1, 1, f.src.Descriptor(7)); err != nil {
		t.Fatalf("StageDescriptors: %v", err)
	}
	if err := f.heap.CommitForDispatch(f.rec); err != nil {
		t.Fatalf("CommitForDispatch: %v", err)
	}
	cmds := f.rec.list.Commands()[before:]
	if len(cmds) != 1 || cmds[0].Op != headless.CmdSetTable || cmds[0].Slot != 2 || cmds[0].BindPoint != gpu.BindCompute {
		t.Fatalf("commit after restaging slot 2:\nhave %+v\nwant one compute table bind at slot 2", cmds)
	}
}

func TestCommitInlineAddresses(t *testing.T) {
	f := newDynamicFixture(t, 64)
	if err := f.heap.ParseBindingLayout(testLayout()); err != nil {
		t.Fatalf("ParseBindingLayout: %v", err)
	}
	if err := f.heap.StageInlineAddress(gpu.InlineCBV, 1, 0xabc00); err != nil {
		t.Fatalf("StageInlineAddress: %v", err)
	}
	if f.heap.StaleInline(gpu.InlineCBV) != 1<<1 {
		t.Fatalf("StaleInline:\nhave %b\nwant 10", f.heap.StaleInline(gpu.InlineCBV))
	}
	if err := f.heap.CommitForDraw(f.rec); err != nil {
		t.Fatalf("CommitForDraw: %v", err)
	}

	cmds := f.rec.list.Commands()
	if len(cmds) != 1 || cmds[0].Op != headless.CmdSetInline || cmds[0].Address != 0xabc00 || cmds[0].Slot != 1 {
		t.Fatalf("commands:\nhave %+v\nwant one inline bind", cmds)
	}
	if f.pool.Len() != 0 {
		t.Fatalf("inline-only commit requested %d heaps", f.pool.Len())
	}

	// A new layout drops inline addresses staged for the old one.
	f.heap.StageInlineAddress(gpu.InlineSRV, 3, 0x1000)
	if err := f.heap.ParseBindingLayout(testLayout()); err != nil {
		t.Fatalf("ParseBindingLayout: %v", err)
	}
	if f.heap.StaleInline(gpu.InlineSRV) != 0 {
		t.Fatal("ParseBindingLayout kept stale inline addresses")
	}
}

func TestNewHeapMarksTablesStale(t *testing.T) {
	f := newDynamicFixture(t, 8)
	layout := &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 4}),
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 4}),
	}}
	if err := f.heap.ParseBindingLayout(layout); err != nil {
		t.Fatalf("ParseBindingLayout: %v", err)
	}
	f.heap.StageDescriptors(0, 0, 4, f.src.Descriptor(0))
	f.heap.StageDescriptors(1, 0, 4, f.src.Descriptor(4))
	if err := f.heap.CommitForDraw(f.rec); err != nil {
		t.Fatalf("CommitForDraw: %v", err)
	}

	// The heap is full, so restaging one table forces a new heap and both
	// tables are copied again.
	before := f.rec.count(headless.CmdSetTable)
	f.heap.StageDescriptors(0, 0, 4, f.src.Descriptor(4))
	if err := f.heap.CommitForDraw(f.rec); err != nil {
		t.Fatalf("CommitForDraw: %v", err)
	}
	if n := f.rec.count(headless.CmdSetTable) - before; n != 2 {
		t.Fatalf("tables bound after a heap switch:\nhave %d\nwant 2", n)
	}
	if n := f.rec.count(headless.CmdSetHeaps); n != 2 {
		t.Fatalf("heap binds:\nhave %d\nwant 2", n)
	}
	if f.pool.Len() != 2 || f.heap.HeapsUsed() != 2 {
		t.Fatalf("heaps:\nhave %d created, %d used\nwant 2, 2", f.pool.Len(), f.heap.HeapsUsed())
	}
	if err := f.rec.list.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f.heap.Reset()
	if f.pool.Available() != 2 || f.heap.HeapsUsed() != 0 {
		t.Fatalf("after Reset:\nhave %d available, %d used\nwant 2, 0", f.pool.Available(), f.heap.HeapsUsed())
	}
	if f.heap.StaleTables() != 0 {
		t.Fatal("Reset kept stale tables")
	}
	if err := f.heap.StageDescriptors(0, 0, 1, f.src.Descriptor(0)); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("StageDescriptors after Reset without a layout:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
}

func TestCopyAndBindSingle(t *testing.T) {
	f := newDynamicFixture(t, 16)
	g, err := f.heap.CopyAndBindSingle(f.rec, f.src.Descriptor(2))
	if err != nil {
		t.Fatalf("CopyAndBindSingle: %v", err)
	}
	v, err := f.dev.ViewAtGPU(g, gpu.HeapCBVSRVUAV)
	if err != nil {
		t.Fatalf("ViewAtGPU: %v", err)
	}
	if v.Address != 0x3000 {
		t.Fatalf("copied descriptor:\nhave %#x\nwant 0x3000", v.Address)
	}
	g2, _ := f.heap.CopyAndBindSingle(f.rec, f.src.Descriptor(3))
	if g2 == g {
		t.Fatal("two single copies share a descriptor")
	}
	if n := f.rec.count(headless.CmdSetHeaps); n != 1 {
		t.Fatalf("heap binds:\nhave %d\nwant 1", n)
	}
}

func TestStageValidation(t *testing.T) {
	f := newDynamicFixture(t, 8)
	if err := f.heap.ParseBindingLayout(testLayout()); err != nil {
		t.Fatalf("ParseBindingLayout: %v", err)
	}
	for _, tt := range []struct {
		name                string
		slot, offset, count uint32
	}{
		{"slot out of range", 40, 0, 1},
		{"inline slot", 1, 0, 1},
		{"sampler table", 3, 0, 1},
		{"past the table", 0, 2, 3},
		{"more than the heap", 0, 0, 9},
		{"offset wraps", 0, 0xFFFFFFFF, 2},
		{"offset past the table", 0, 5, 0},
	} {
		err := f.heap.StageDescriptors(tt.slot, tt.offset, tt.count, f.src.Descriptor(0))
		if !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("%s:\nhave %v\nwant %v", tt.name, err, core.ErrInvalidArgument)
		}
	}
	if err := f.heap.StageInlineAddress(gpu.InlineKindCount, 0, 1); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("bad inline kind:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}

	big := &gpu.BindingLayout{Slots: []gpu.BindingSlot{
		gpu.TableSlot(gpu.TableRange{Heap: gpu.HeapCBVSRVUAV, Count: 9}),
	}}
	if err := f.heap.ParseBindingLayout(big); !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("layout larger than the heap:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
}

func TestHeapPool(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()

	if _, err := NewHeapPool(d, gpu.HeapRTV, 8); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("RTV pool:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
	p, err := NewHeapPool(d, gpu.HeapSampler, 0)
	if err != nil {
		t.Fatalf("NewHeapPool: %v", err)
	}
	h1, _ := p.Request()
	h2, _ := p.Request()
	if h1.Len() != DefaultHeapSize || !h1.ShaderVisible() {
		t.Fatalf("heap:\nhave %d descriptors, visible %t\nwant %d, true", h1.Len(), h1.ShaderVisible(), DefaultHeapSize)
	}
	p.Return(h1, h2)
	if h, _ := p.Request(); h != h2 {
		t.Fatal("Request did not reuse a returned heap")
	}
	if p.Len() != 2 || p.Available() != 1 {
		t.Fatalf("pool:\nhave %d created, %d available\nwant 2, 1", p.Len(), p.Available())
	}
	p.Destroy()
	if n := d.LiveDescriptorHeaps(); n != 0 {
		t.Fatalf("heaps after Destroy:\nhave %d\nwant 0", n)
	}
	if _, err := p.Request(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Request after Destroy:\nhave %v\nwant %v", err, core.ErrInvalidState)
	}
}
