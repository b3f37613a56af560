// Package upload provides linear allocation of transient CPU-written memory
// that the GPU reads, such as per-draw constants and staging data for
// buffer copies.
package upload

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

// DefaultPageSize is 2 MiB.
const DefaultPageSize uint64 = 2 << 20

// Page is a host-visible buffer that allocations are bumped out of.
type Page struct {
	name   string
	buffer gpu.Buffer
	mem    []byte
	base   gpu.DeviceAddress
	offset uint64
}

func (p *Page) Name() string       { return p.name }
func (p *Page) Buffer() gpu.Buffer { return p.buffer }

// Used returns how many bytes have been handed out since the last reset.
func (p *Page) Used() uint64 { return p.offset }

// PagePool hands out upload pages to Buffers and takes them back when
// their contents are no longer read. It is safe for concurrent use.
type PagePool struct {
	device   gpu.Device
	pageSize uint64

	mu        sync.Mutex
	pages     []*Page
	available []*Page
	destroyed bool
}

func NewPagePool(device gpu.Device, pageSize uint64) (*PagePool, error) {
	if device == nil {
		return nil, errors.Wrap(core.ErrInvalidArgument, "upload pool needs a device")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &PagePool{device: device, pageSize: pageSize}, nil
}

func (p *PagePool) PageSize() uint64 { return p.pageSize }

// Len returns the number of pages the pool has created.
func (p *PagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

func (p *PagePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *PagePool) request() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, errors.Wrap(core.ErrInvalidState, "upload pool is destroyed")
	}
	if n := len(p.available); n > 0 {
		page := p.available[n-1]
		p.available = p.available[:n-1]
		return page, nil
	}

	name := fmt.Sprintf("upload-page-%s", uuid.NewString())
	buf, err := p.device.CreateBuffer(gpu.BufferDesc{Size: p.pageSize, HostVisible: true, Name: name})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "creating %s", name), core.ErrAllocationFailed)
	}
	mem := buf.Bytes()
	if uint64(len(mem)) < p.pageSize {
		buf.Destroy()
		return nil, errors.Newf("%s is not mapped", name)
	}
	page := &Page{name: name, buffer: buf, mem: mem, base: buf.Address()}
	p.pages = append(p.pages, page)
	core.MetricsCountUploadPage()
	core.LogDebug("created %s (%d bytes)", name, p.pageSize)
	return page, nil
}

func (p *PagePool) release(pages []*Page) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	for _, page := range pages {
		page.offset = 0
		p.available = append(p.available, page)
	}
}

// Destroy frees every page, including pages still held by a Buffer.
func (p *PagePool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true
	if out := len(p.pages) - len(p.available); out > 0 {
		core.LogWarn("upload pool destroyed with %d pages in use", out)
	}
	for _, page := range p.pages {
		page.buffer.Destroy()
	}
	p.pages = nil
	p.available = nil
}
