package gpu

import "github.com/cockroachdb/errors"

// MaxBindingSlots is the number of slots a BindingLayout may declare.
const MaxBindingSlots = 32

type SlotKind int

const (
	// SlotTable binds a contiguous range of descriptors in a
	// shader-visible heap.
	SlotTable SlotKind = iota
	// SlotInline binds a buffer address directly.
	SlotInline
	// SlotConstants holds literal constants and uses no descriptors.
	SlotConstants
)

// TableRange is one range of a descriptor table.
type TableRange struct {
	Heap  HeapType
	Count uint32
}

type BindingSlot struct {
	Kind SlotKind
	// Inline is the view kind of a SlotInline slot.
	Inline InlineKind
	// Ranges make up a SlotTable slot.
	Ranges []TableRange
}

// BindingLayout declares, slot by slot, what a pipeline reads.
type BindingLayout struct {
	Slots []BindingSlot
}

func TableSlot(ranges ...TableRange) BindingSlot {
	return BindingSlot{Kind: SlotTable, Ranges: ranges}
}

func InlineSlot(kind InlineKind) BindingSlot {
	return BindingSlot{Kind: SlotInline, Inline: kind}
}

func (l *BindingLayout) Validate() error {
	if len(l.Slots) > MaxBindingSlots {
		return errors.Wrapf(ErrInvalidLayout, "%d slots, at most %d allowed", len(l.Slots), MaxBindingSlots)
	}
	for i, s := range l.Slots {
		switch s.Kind {
		case SlotTable:
			if len(s.Ranges) == 0 {
				return errors.Wrapf(ErrInvalidLayout, "slot %d: empty table", i)
			}
			heap := s.Ranges[0].Heap
			if !heap.ShaderVisible() {
				return errors.Wrapf(ErrInvalidLayout, "slot %d: %s tables cannot be bound", i, heap)
			}
			for _, r := range s.Ranges[1:] {
				// Sampler and non-sampler descriptors live in different heaps.
				if r.Heap != heap {
					return errors.Wrapf(ErrInvalidLayout, "slot %d: table mixes %s and %s ranges", i, heap, r.Heap)
				}
			}
		case SlotInline:
			if s.Inline < 0 || s.Inline >= InlineKindCount {
				return errors.Wrapf(ErrInvalidLayout, "slot %d: bad inline kind %d", i, s.Inline)
			}
		case SlotConstants:
		default:
			return errors.Wrapf(ErrInvalidLayout, "slot %d: bad kind %d", i, s.Kind)
		}
	}
	return nil
}

// TableMask returns a bit per slot holding a descriptor table of heap
// type t.
func (l *BindingLayout) TableMask(t HeapType) uint32 {
	var mask uint32
	for i, s := range l.Slots {
		if i >= MaxBindingSlots {
			break
		}
		if s.Kind == SlotTable && len(s.Ranges) > 0 && s.Ranges[0].Heap == t {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// DescriptorCount returns the number of descriptors in the table at slot.
func (l *BindingLayout) DescriptorCount(slot int) uint32 {
	if slot < 0 || slot >= len(l.Slots) {
		return 0
	}
	var n uint32
	for _, r := range l.Slots[slot].Ranges {
		n += r.Count
	}
	return n
}
