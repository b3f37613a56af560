package headless

import (
	"encoding/binary"
	"maps"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu/hostdesc"
)

type listState int

const (
	listClosed listState = iota
	listRecording
	listDestroyed
)

type CommandOp int

const (
	CmdSetHeaps CommandOp = iota
	CmdSetTable
	CmdSetInline
	CmdDraw
	CmdDispatch
	CmdCopyBuffer
	CmdClearUAV
)

func (o CommandOp) String() string {
	switch o {
	case CmdSetHeaps:
		return "set_heaps"
	case CmdSetTable:
		return "set_table"
	case CmdSetInline:
		return "set_inline"
	case CmdDraw:
		return "draw"
	case CmdDispatch:
		return "dispatch"
	case CmdCopyBuffer:
		return "copy_buffer"
	case CmdClearUAV:
		return "clear_uav"
	}
	return "unknown"
}

// Command is one recorded command.
type Command struct {
	Op        CommandOp
	BindPoint gpu.BindPoint
	Slot      uint32
	Inline    gpu.InlineKind
	Table     gpu.GPUDescriptor
	Address   gpu.DeviceAddress
	Heaps     []gpu.DescriptorHeap
	// vertex/instance counts for draws, group counts for dispatches
	Counts    [3]uint32
	Dst, Src  *Buffer
	DstOffset uint64
	SrcOffset uint64
	Size      uint64
	CPU       gpu.CPUDescriptor
	Values    [4]uint32
}

// Execution describes the binding state observed by a draw, dispatch or
// clear at the time the queue executed it.
type Execution struct {
	Queue     gpu.QueueType
	Op        CommandOp
	BindPoint gpu.BindPoint
	Tables    map[uint32]gpu.GPUDescriptor
	Inline    map[uint32]gpu.DeviceAddress
}

type CommandList struct {
	dev *Device
	typ gpu.QueueType

	mu       sync.Mutex
	state    listState
	pending  int
	commands []Command
	heaps    [gpu.HeapTypeCount]*hostdesc.Heap
	err      error
}

func (l *CommandList) Type() gpu.QueueType { return l.typ }

func (l *CommandList) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state == listDestroyed:
		return errors.Wrap(core.ErrInvalidState, "command list destroyed")
	case l.pending > 0:
		return errors.Wrap(core.ErrInvalidState, "command list is pending execution")
	}
	l.state = listRecording
	l.commands = l.commands[:0]
	l.heaps = [gpu.HeapTypeCount]*hostdesc.Heap{}
	l.err = nil
	return nil
}

func (l *CommandList) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listRecording {
		return errors.Wrap(core.ErrInvalidState, "command list is not recording")
	}
	l.state = listClosed
	return l.err
}

func (l *CommandList) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == listDestroyed {
		return
	}
	l.state = listDestroyed
	l.commands = nil
	l.dev.lists.Add(-1)
}

// Commands returns a copy of the recorded commands.
func (l *CommandList) Commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.commands...)
}

func (l *CommandList) SetDescriptorHeaps(heaps ...gpu.DescriptorHeap) {
	l.record(func() (Command, error) {
		var set [gpu.HeapTypeCount]*hostdesc.Heap
		for _, h := range heaps {
			hh, ok := h.(*hostdesc.Heap)
			if !ok {
				return Command{}, errors.Wrap(gpu.ErrInvalidCommand, "foreign descriptor heap")
			}
			if !hh.ShaderVisible() {
				return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "%s heap is not shader-visible", hh.Type())
			}
			if set[hh.Type()] != nil {
				return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "two %s heaps set", hh.Type())
			}
			set[hh.Type()] = hh
		}
		l.heaps = set
		return Command{Op: CmdSetHeaps, Heaps: append([]gpu.DescriptorHeap(nil), heaps...)}, nil
	})
}

func (l *CommandList) SetDescriptorTable(bp gpu.BindPoint, slot uint32, base gpu.GPUDescriptor) {
	l.record(func() (Command, error) {
		if err := l.checkBindPoint(bp); err != nil {
			return Command{}, err
		}
		if !l.inSetHeap(base) {
			return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "table %#x is not in a set descriptor heap", uint64(base))
		}
		return Command{Op: CmdSetTable, BindPoint: bp, Slot: slot, Table: base}, nil
	})
}

func (l *CommandList) SetInlineView(bp gpu.BindPoint, kind gpu.InlineKind, slot uint32, addr gpu.DeviceAddress) {
	l.record(func() (Command, error) {
		if err := l.checkBindPoint(bp); err != nil {
			return Command{}, err
		}
		return Command{Op: CmdSetInline, BindPoint: bp, Inline: kind, Slot: slot, Address: addr}, nil
	})
}

func (l *CommandList) Draw(vertexCount, instanceCount uint32) {
	l.record(func() (Command, error) {
		if l.typ != gpu.QueueDirect {
			return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "draw on a %s command list", l.typ)
		}
		return Command{Op: CmdDraw, BindPoint: gpu.BindGraphics, Counts: [3]uint32{vertexCount, instanceCount}}, nil
	})
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	l.record(func() (Command, error) {
		if l.typ == gpu.QueueCopy {
			return Command{}, errors.Wrap(gpu.ErrInvalidCommand, "dispatch on a copy command list")
		}
		return Command{Op: CmdDispatch, BindPoint: gpu.BindCompute, Counts: [3]uint32{x, y, z}}, nil
	})
}

func (l *CommandList) CopyBufferRegion(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset uint64, size uint64) {
	l.record(func() (Command, error) {
		d, ok1 := dst.(*Buffer)
		s, ok2 := src.(*Buffer)
		if !ok1 || !ok2 {
			return Command{}, errors.Wrap(gpu.ErrInvalidCommand, "foreign buffer")
		}
		if dstOffset+size > d.Size() || srcOffset+size > s.Size() {
			return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "copy of %d bytes out of bounds", size)
		}
		return Command{Op: CmdCopyBuffer, Dst: d, DstOffset: dstOffset, Src: s, SrcOffset: srcOffset, Size: size}, nil
	})
}

func (l *CommandList) ClearUnorderedAccessView(g gpu.GPUDescriptor, cpu gpu.CPUDescriptor, values [4]uint32) {
	l.record(func() (Command, error) {
		if l.typ == gpu.QueueCopy {
			return Command{}, errors.Wrap(gpu.ErrInvalidCommand, "clear on a copy command list")
		}
		if !l.inSetHeap(g) {
			return Command{}, errors.Wrapf(gpu.ErrInvalidCommand, "descriptor %#x is not in a set descriptor heap", uint64(g))
		}
		v, err := l.dev.space.View(cpu, gpu.HeapCBVSRVUAV)
		if err != nil {
			return Command{}, err
		}
		if v.Kind != gpu.ViewUAV {
			return Command{}, errors.Wrap(gpu.ErrInvalidCommand, "clear of a descriptor that is not a UAV")
		}
		return Command{Op: CmdClearUAV, Table: g, CPU: cpu, Values: values}, nil
	})
}

// record appends a command, keeping the first error for Close.
func (l *CommandList) record(fn func() (Command, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listRecording {
		if l.err == nil {
			l.err = errors.Wrap(core.ErrInvalidState, "command recorded while not recording")
		}
		return
	}
	c, err := fn()
	if err != nil {
		if l.err == nil {
			l.err = err
		}
		return
	}
	l.commands = append(l.commands, c)
}

func (l *CommandList) checkBindPoint(bp gpu.BindPoint) error {
	switch {
	case l.typ == gpu.QueueCopy:
		return errors.Wrap(gpu.ErrInvalidCommand, "binding on a copy command list")
	case l.typ == gpu.QueueCompute && bp == gpu.BindGraphics:
		return errors.Wrap(gpu.ErrInvalidCommand, "graphics binding on a compute command list")
	}
	return nil
}

func (l *CommandList) inSetHeap(g gpu.GPUDescriptor) bool {
	for _, h := range l.heaps {
		if h == nil {
			continue
		}
		if g >= h.GPUStart() && g < h.GPUStart().Offset(h.Len(), l.dev.space.Stride(h.Type())) {
			return true
		}
	}
	return false
}

func (l *CommandList) markPending() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != listClosed {
		return errors.Wrap(core.ErrInvalidState, "submitted command list is not closed")
	}
	l.pending++
	return nil
}

func (l *CommandList) finish() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}

type bindState struct {
	tables map[uint32]gpu.GPUDescriptor
	inline map[uint32]gpu.DeviceAddress
}

// execute runs the recorded commands on q.
func (l *CommandList) execute(q *Queue) error {
	l.mu.Lock()
	commands := l.commands
	l.mu.Unlock()

	state := [2]bindState{}
	for i := range state {
		state[i] = bindState{tables: map[uint32]gpu.GPUDescriptor{}, inline: map[uint32]gpu.DeviceAddress{}}
	}
	var heaps []gpu.DescriptorHeap

	for _, c := range commands {
		switch c.Op {
		case CmdSetHeaps:
			heaps = c.Heaps
		case CmdSetTable:
			state[c.BindPoint].tables[c.Slot] = c.Table
		case CmdSetInline:
			state[c.BindPoint].inline[c.Slot] = c.Address
		case CmdDraw, CmdDispatch:
			bs := state[c.BindPoint]
			// Every bound table must still live in a descriptor heap.
			for slot, base := range bs.tables {
				if !l.resolves(base, heaps) {
					return errors.Wrapf(gpu.ErrInvalidHandle, "%s slot %d table %#x no longer resolves", c.Op, slot, uint64(base))
				}
			}
			l.report(q, Execution{Queue: q.typ, Op: c.Op, BindPoint: c.BindPoint, Tables: bs.tables, Inline: bs.inline})
			state[c.BindPoint] = bindState{tables: maps.Clone(bs.tables), inline: maps.Clone(bs.inline)}
		case CmdCopyBuffer:
			if !c.Dst.alive() || !c.Src.alive() {
				return errors.Wrap(gpu.ErrInvalidHandle, "copy with a destroyed buffer")
			}
			copyBuffer(c.Dst, c.DstOffset, c.Src, c.SrcOffset, c.Size)
		case CmdClearUAV:
			if !l.resolves(c.Table, heaps) {
				return errors.Wrapf(gpu.ErrInvalidHandle, "clear descriptor %#x no longer resolves", uint64(c.Table))
			}
			v, err := l.dev.ViewAtGPU(c.Table, gpu.HeapCBVSRVUAV)
			if err != nil {
				return err
			}
			if b, off, ok := l.dev.bufferAt(v.Address); ok {
				fill(b, off, v.Size, c.Values[0])
			}
			l.report(q, Execution{Queue: q.typ, Op: c.Op, Tables: map[uint32]gpu.GPUDescriptor{0: c.Table}})
		}
	}
	return nil
}

func (l *CommandList) resolves(g gpu.GPUDescriptor, heaps []gpu.DescriptorHeap) bool {
	for _, h := range heaps {
		if _, _, err := l.dev.space.ResolveGPU(g, h.Type()); err == nil {
			return true
		}
	}
	return false
}

func (l *CommandList) report(q *Queue, e Execution) {
	if fn := q.dev.opts.OnExecute; fn != nil {
		fn(e)
	}
}

func copyBuffer(dst *Buffer, dstOff uint64, src *Buffer, srcOff uint64, size uint64) {
	if dst == src {
		dst.mu.Lock()
		copy(dst.mem[dstOff:dstOff+size], dst.mem[srcOff:srcOff+size])
		dst.mu.Unlock()
		return
	}
	src.mu.Lock()
	data := append([]byte(nil), src.mem[srcOff:srcOff+size]...)
	src.mu.Unlock()
	dst.mu.Lock()
	copy(dst.mem[dstOff:], data)
	dst.mu.Unlock()
}

func fill(b *Buffer, off, size uint64, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + size
	if size == 0 || end > uint64(len(b.mem)) {
		end = uint64(len(b.mem))
	}
	for i := off; i+4 <= end; i += 4 {
		binary.LittleEndian.PutUint32(b.mem[i:], value)
	}
}
