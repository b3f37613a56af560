package descriptor

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// CommandRecorder is what a DynamicHeap binds through.
type CommandRecorder interface {
	// BindDescriptorHeap makes heap the current shader-visible heap of its
	// type on the recorder's command list.
	BindDescriptorHeap(t gpu.HeapType, heap gpu.DescriptorHeap) error
	Native() gpu.CommandList
}

type tableCache struct {
	// first entry in the handle cache
	base  uint32
	count uint32
}

// DynamicHeap stages descriptor tables for one recording context and copies
// them into shader-visible memory when a draw or dispatch needs them. It is
// not safe for concurrent use.
type DynamicHeap struct {
	device gpu.Device
	pool   *HeapPool
	typ    gpu.HeapType
	stride uint32

	handles     []gpu.CPUDescriptor
	tables      [gpu.MaxBindingSlots]tableCache
	tableMask   uint32
	staleTables uint32

	inline      [gpu.InlineKindCount][gpu.MaxBindingSlots]gpu.DeviceAddress
	staleInline [gpu.InlineKindCount]uint32

	current gpu.DescriptorHeap
	nextCPU gpu.CPUDescriptor
	nextGPU gpu.GPUDescriptor
	numFree uint32
	// heaps filled by this context since the last Reset
	retired []gpu.DescriptorHeap
}

func NewDynamicHeap(device gpu.Device, pool *HeapPool) *DynamicHeap {
	return &DynamicHeap{
		device:  device,
		pool:    pool,
		typ:     pool.Type(),
		stride:  device.DescriptorStride(pool.Type()),
		handles: make([]gpu.CPUDescriptor, pool.HeapSize()),
	}
}

func (d *DynamicHeap) Type() gpu.HeapType { return d.typ }

// StaleTables returns the bit mask of tables that the next commit copies.
func (d *DynamicHeap) StaleTables() uint32 { return d.staleTables }

// StaleInline returns the bit mask of inline views of the given kind that
// the next commit binds.
func (d *DynamicHeap) StaleInline(kind gpu.InlineKind) uint32 { return d.staleInline[kind] }

// ParseBindingLayout lays out the handle cache for the tables of layout and
// forgets everything staged for the previous layout.
func (d *DynamicHeap) ParseBindingLayout(layout *gpu.BindingLayout) error {
	if err := layout.Validate(); err != nil {
		return err
	}

	var tables [gpu.MaxBindingSlots]tableCache
	mask := layout.TableMask(d.typ)
	var offset uint32
	for m := mask; m != 0; m &= m - 1 {
		slot := bits.TrailingZeros32(m)
		n := layout.DescriptorCount(slot)
		tables[slot] = tableCache{base: offset, count: n}
		offset += n
	}
	if offset > uint32(len(d.handles)) {
		return errors.Wrapf(core.ErrInvalidArgument,
			"layout needs %d %s descriptors, staging holds %d", offset, d.typ, len(d.handles))
	}

	d.tables = tables
	d.tableMask = mask
	d.staleTables = 0
	d.staleInline = [gpu.InlineKindCount]uint32{}
	clear(d.handles)
	return nil
}

// StageDescriptors caches count descriptors starting at src for the table
// at slot, beginning offset entries into the table. Only the handles are
// recorded; nothing is copied until the next commit.
func (d *DynamicHeap) StageDescriptors(slot, offset, count uint32, src gpu.CPUDescriptor) error {
	if slot >= gpu.MaxBindingSlots {
		return errors.Wrapf(core.ErrInvalidArgument, "slot %d out of range", slot)
	}
	if d.tableMask&(1<<slot) == 0 {
		return errors.Wrapf(core.ErrInvalidArgument, "slot %d holds no %s table", slot, d.typ)
	}
	if count > uint32(len(d.handles)) {
		return errors.Wrapf(core.ErrInvalidArgument, "%d descriptors exceed the staging size %d", count, len(d.handles))
	}
	t := d.tables[slot]
	if offset > t.count || count > t.count-offset {
		return errors.Wrapf(core.ErrInvalidArgument,
			"%d descriptors at offset %d outside table of %d at slot %d", count, offset, t.count, slot)
	}

	dst := d.handles[t.base+offset : t.base+offset+count]
	for i := range dst {
		dst[i] = src.Offset(uint32(i), d.stride)
	}
	d.staleTables |= 1 << slot
	return nil
}

// StageInlineAddress records a buffer address bound straight to slot.
func (d *DynamicHeap) StageInlineAddress(kind gpu.InlineKind, slot uint32, addr gpu.DeviceAddress) error {
	if slot >= gpu.MaxBindingSlots {
		return errors.Wrapf(core.ErrInvalidArgument, "slot %d out of range", slot)
	}
	if kind < 0 || kind >= gpu.InlineKindCount {
		return errors.Wrapf(core.ErrInvalidArgument, "inline kind %d", kind)
	}
	d.inline[kind][slot] = addr
	d.staleInline[kind] |= 1 << slot
	return nil
}

func (d *DynamicHeap) CommitForDraw(rec CommandRecorder) error {
	return d.CommitStagedDescriptors(rec, gpu.BindGraphics)
}

func (d *DynamicHeap) CommitForDispatch(rec CommandRecorder) error {
	return d.CommitStagedDescriptors(rec, gpu.BindCompute)
}

// CommitStagedDescriptors copies every stale table into the current
// shader-visible heap and binds it at bp, then binds the stale inline views.
// Tables staged before a previous commit and not touched since are left
// alone.
func (d *DynamicHeap) CommitStagedDescriptors(rec CommandRecorder, bp gpu.BindPoint) error {
	list := rec.Native()

	if need := d.staleCount(); need > 0 {
		if d.current == nil || d.numFree < need {
			if err := d.switchHeap(rec); err != nil {
				return err
			}
		}

		for m := d.staleTables; m != 0; m &= m - 1 {
			slot := bits.TrailingZeros32(m)
			t := d.tables[slot]
			if t.count == 0 {
				continue
			}
			src := spans(d.handles[t.base:t.base+t.count], d.stride)
			dst := []gpu.DescriptorSpan{{Start: d.nextCPU, Count: t.count}}
			if err := d.device.CopyDescriptors(dst, src, d.typ); err != nil {
				return errors.Wrapf(err, "copying table at slot %d", slot)
			}
			list.SetDescriptorTable(bp, uint32(slot), d.nextGPU)
			d.advance(t.count)
		}
		d.staleTables = 0
	}

	for kind := range d.staleInline {
		for m := d.staleInline[kind]; m != 0; m &= m - 1 {
			slot := bits.TrailingZeros32(m)
			list.SetInlineView(bp, gpu.InlineKind(kind), uint32(slot), d.inline[kind][slot])
		}
		d.staleInline[kind] = 0
	}
	return nil
}

// CopyAndBindSingle copies one descriptor into shader-visible memory right
// away and returns its GPU address. Staged tables are not affected, except
// that a heap switch makes them all stale.
func (d *DynamicHeap) CopyAndBindSingle(rec CommandRecorder, cpu gpu.CPUDescriptor) (gpu.GPUDescriptor, error) {
	if d.current == nil || d.numFree < 1 {
		if err := d.switchHeap(rec); err != nil {
			return 0, err
		}
	}
	if err := d.device.CopyDescriptorsSimple(1, d.nextCPU, cpu, d.typ); err != nil {
		return 0, err
	}
	g := d.nextGPU
	d.advance(1)
	return g, nil
}

// Reset forgets all staged state and returns the heaps this context used to
// the pool. Call it only once the GPU has finished with the context's work.
func (d *DynamicHeap) Reset() {
	if d.current != nil {
		d.retired = append(d.retired, d.current)
	}
	if len(d.retired) > 0 {
		d.pool.Return(d.retired...)
	}
	d.retired = d.retired[:0]
	d.current = nil
	d.nextCPU, d.nextGPU, d.numFree = 0, 0, 0

	d.tables = [gpu.MaxBindingSlots]tableCache{}
	d.tableMask = 0
	d.staleTables = 0
	d.inline = [gpu.InlineKindCount][gpu.MaxBindingSlots]gpu.DeviceAddress{}
	d.staleInline = [gpu.InlineKindCount]uint32{}
	clear(d.handles)
}

// HeapsUsed returns the number of shader-visible heaps held since the last
// Reset.
func (d *DynamicHeap) HeapsUsed() int {
	n := len(d.retired)
	if d.current != nil {
		n++
	}
	return n
}

func (d *DynamicHeap) staleCount() uint32 {
	var n uint32
	for m := d.staleTables; m != 0; m &= m - 1 {
		n += d.tables[bits.TrailingZeros32(m)].count
	}
	return n
}

// switchHeap moves to a fresh heap. Tables copied into the old heap are
// marked stale so the next commit copies them again.
func (d *DynamicHeap) switchHeap(rec CommandRecorder) error {
	h, err := d.pool.Request()
	if err != nil {
		return err
	}
	if err := rec.BindDescriptorHeap(d.typ, h); err != nil {
		d.pool.Return(h)
		return err
	}
	if d.current != nil {
		d.retired = append(d.retired, d.current)
	}
	d.current = h
	d.nextCPU = h.CPUStart()
	d.nextGPU = h.GPUStart()
	d.numFree = h.Len()
	d.staleTables |= d.tableMask
	return nil
}

func (d *DynamicHeap) advance(n uint32) {
	d.nextCPU = d.nextCPU.Offset(n, d.stride)
	d.nextGPU = d.nextGPU.Offset(n, d.stride)
	d.numFree -= n
}

// spans folds a list of handles into runs of contiguous descriptors.
func spans(handles []gpu.CPUDescriptor, stride uint32) []gpu.DescriptorSpan {
	out := make([]gpu.DescriptorSpan, 0, 4)
	for _, h := range handles {
		if n := len(out); n > 0 {
			last := &out[n-1]
			switch {
			case h.IsNull() && last.Start.IsNull():
				last.Count++
				continue
			case !h.IsNull() && !last.Start.IsNull() && last.Start.Offset(last.Count, stride) == h:
				last.Count++
				continue
			}
		}
		out = append(out, gpu.DescriptorSpan{Start: h, Count: 1})
	}
	return out
}
