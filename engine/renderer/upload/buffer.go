package upload

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/math"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// Allocation is a range of an upload page.
type Allocation struct {
	// CPU is the mapped memory of the range, len(CPU) == Size.
	CPU []byte
	// GPU is the device address of the first byte.
	GPU gpu.DeviceAddress
	// Buffer and Offset locate the range for copy commands.
	Buffer gpu.Buffer
	Offset uint64
	Size   uint64
}

// Buffer is a linear allocator over pages from a PagePool. Allocations are
// only valid until Reset, which must wait until the GPU is done reading
// them. A Buffer is not safe for concurrent use.
type Buffer struct {
	pool    *PagePool
	current *Page
	used    []*Page
}

func NewBuffer(pool *PagePool) *Buffer {
	return &Buffer{pool: pool}
}

// Allocate returns size bytes aligned to alignment. A request that does not
// fit in what is left of the current page moves on to a fresh page. Requests
// larger than a page fail with core.ErrUploadTooLarge.
func (b *Buffer) Allocate(size, alignment uint64) (Allocation, error) {
	if size == 0 {
		return Allocation{}, errors.Wrap(core.ErrInvalidArgument, "upload size must be positive")
	}
	if !math.IsPowerOfTwo(alignment) {
		return Allocation{}, errors.Wrapf(core.ErrInvalidArgument, "alignment %d is not a power of two", alignment)
	}
	pageSize := b.pool.PageSize()
	alignedSize := math.AlignUp(size, alignment)
	if alignedSize > pageSize || alignedSize < size {
		return Allocation{}, errors.Wrapf(core.ErrUploadTooLarge, "%d bytes (aligned to %d) in %d byte pages", size, alignment, pageSize)
	}

	if b.current == nil || !fits(b.current, alignedSize, alignment, pageSize) {
		page, err := b.pool.request()
		if err != nil {
			return Allocation{}, err
		}
		b.current = page
		b.used = append(b.used, page)
	}

	p := b.current
	offset := math.AlignUp(p.offset, alignment)
	p.offset = offset + alignedSize
	return Allocation{
		CPU:    p.mem[offset : offset+size : offset+size],
		GPU:    p.base + gpu.DeviceAddress(offset),
		Buffer: p.buffer,
		Offset: offset,
		Size:   size,
	}, nil
}

// Reset returns every page used since the last Reset to the pool.
func (b *Buffer) Reset() {
	if len(b.used) > 0 {
		b.pool.release(b.used)
	}
	b.used = b.used[:0]
	b.current = nil
}

// PagesUsed returns the number of pages held since the last Reset.
func (b *Buffer) PagesUsed() int { return len(b.used) }

func fits(p *Page, size, alignment, pageSize uint64) bool {
	return math.AlignUp(p.offset, alignment)+size <= pageSize
}
