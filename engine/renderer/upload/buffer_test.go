package upload

import (
	"io"
	"os"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
	"github.com/spaghettifunk/fencepost/engine/renderer/headless"
)

const mib = 1 << 20

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func newPool(t *testing.T, d *headless.Device, pageSize uint64) *PagePool {
	t.Helper()
	p, err := NewPagePool(d, pageSize)
	if err != nil {
		t.Fatalf("NewPagePool: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func TestTooLarge(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()
	pool := newPool(t, d, 0)
	b := NewBuffer(pool)

	if _, err := b.Allocate(3*mib, 256); !errors.Is(err, core.ErrUploadTooLarge) {
		t.Fatalf("Allocate(3 MiB):\nhave %v\nwant %v", err, core.ErrUploadTooLarge)
	}
	if pool.Len() != 0 || b.PagesUsed() != 0 || d.LiveBuffers() != 0 {
		t.Fatalf("failed request created pages: pool %d, used %d, buffers %d", pool.Len(), b.PagesUsed(), d.LiveBuffers())
	}

	// A failed request leaves the current page alone too.
	a, err := b.Allocate(100, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := b.Allocate(DefaultPageSize+1, 1); !errors.Is(err, core.ErrUploadTooLarge) {
		t.Fatalf("Allocate past the page size:\nhave %v\nwant %v", err, core.ErrUploadTooLarge)
	}
	next, _ := b.Allocate(100, 16)
	if next.Offset != a.Offset+112 || pool.Len() != 1 {
		t.Fatalf("allocation after a rejected request:\nhave offset %d on %d pages\nwant %d on 1", next.Offset, pool.Len(), a.Offset+112)
	}
}

func TestAllocateValidation(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()
	b := NewBuffer(newPool(t, d, 4096))

	for _, tt := range []struct {
		name            string
		size, alignment uint64
	}{
		{"zero size", 0, 16},
		{"zero alignment", 16, 0},
		{"alignment not a power of two", 16, 24},
	} {
		if _, err := b.Allocate(tt.size, tt.alignment); !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("%s:\nhave %v\nwant %v", tt.name, err, core.ErrInvalidArgument)
		}
	}
}

func TestAlignmentAndOverlap(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()
	pool := newPool(t, d, 4096)
	b := NewBuffer(pool)

	type span struct {
		buf        gpu.Buffer
		start, end uint64
	}
	var spans []span
	sizes := []uint64{1, 3, 64, 200, 17, 1000, 5, 256, 700, 33, 2048, 9}
	aligns := []uint64{1, 4, 256, 16, 8, 512, 2, 256, 64, 4, 1024, 16}
	for i := range sizes {
		a, err := b.Allocate(sizes[i], aligns[i])
		if err != nil {
			t.Fatalf("Allocate(%d, %d): %v", sizes[i], aligns[i], err)
		}
		if a.Offset%aligns[i] != 0 || uint64(a.GPU)%aligns[i] != 0 {
			t.Fatalf("Allocate(%d, %d): offset %d, address %#x not aligned", sizes[i], aligns[i], a.Offset, a.GPU)
		}
		if uint64(len(a.CPU)) != sizes[i] || a.Size != sizes[i] {
			t.Fatalf("Allocate(%d, %d): %d bytes mapped", sizes[i], aligns[i], len(a.CPU))
		}
		if a.GPU != a.Buffer.Address()+gpu.DeviceAddress(a.Offset) {
			t.Fatalf("Allocate(%d, %d): address %#x does not match offset %d", sizes[i], aligns[i], a.GPU, a.Offset)
		}
		for _, s := range spans {
			if s.buf == a.Buffer && a.Offset < s.end && s.start < a.Offset+a.Size {
				t.Fatalf("[%d, %d) overlaps [%d, %d)", a.Offset, a.Offset+a.Size, s.start, s.end)
			}
		}
		spans = append(spans, span{a.Buffer, a.Offset, a.Offset + a.Size})
	}
	if pool.Len() < 2 {
		t.Fatalf("pages:\nhave %d\nwant at least 2", pool.Len())
	}
}

func TestWritesReachTheBuffer(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()
	b := NewBuffer(newPool(t, d, 4096))

	a, _ := b.Allocate(4, 4)
	copy(a.CPU, []byte{1, 2, 3, 4})
	got := a.Buffer.(*headless.Buffer).Contents()[a.Offset : a.Offset+4]
	if string(got) != "\x01\x02\x03\x04" {
		t.Fatalf("buffer contents:\nhave %v\nwant [1 2 3 4]", got)
	}
	if cap(a.CPU) != 4 {
		t.Fatalf("allocation capacity:\nhave %d\nwant 4", cap(a.CPU))
	}
}

func TestResetReusesPages(t *testing.T) {
	d := headless.New(&headless.Options{})
	defer d.Close()
	pool := newPool(t, d, 2*mib)
	b := NewBuffer(pool)

	// Wire the reset to a real fence the way a frame would.
	q, _ := d.Queue(gpu.QueueCopy)
	if _, err := b.Allocate(1536*1024, 256); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := b.Allocate(1536*1024, 256); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("pages:\nhave %d\nwant 2", pool.Len())
	}
	if err := q.Signal(1); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := q.WaitValue(1); err != nil {
		t.Fatalf("WaitValue: %v", err)
	}

	b.Reset()
	if pool.Available() != 2 || b.PagesUsed() != 0 {
		t.Fatalf("after Reset:\nhave %d available, %d used\nwant 2, 0", pool.Available(), b.PagesUsed())
	}
	a, err := b.Allocate(1536*1024, 256)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pool.Len() != 2 || a.Offset != 0 {
		t.Fatalf("allocation after Reset:\nhave offset %d, %d pages\nwant offset 0, 2 pages", a.Offset, pool.Len())
	}
}

func TestSharedPool(t *testing.T) {
	d := headless.New(nil)
	defer d.Close()
	pool := newPool(t, d, 1024)
	x, y := NewBuffer(pool), NewBuffer(pool)

	ax, _ := x.Allocate(512, 16)
	ay, _ := y.Allocate(512, 16)
	if ax.Buffer == ay.Buffer {
		t.Fatal("two buffers share a page")
	}
	x.Reset()
	az, _ := y.Allocate(1024, 16)
	if az.Buffer != ax.Buffer {
		t.Fatal("page returned by one buffer was not reused by the other")
	}
	pool.Destroy()
	if n := d.LiveBuffers(); n != 0 {
		t.Fatalf("buffers after Destroy:\nhave %d\nwant 0", n)
	}
	if _, err := x.Allocate(16, 16); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Allocate after Destroy:\nhave %v\nwant %v", err, core.ErrInvalidState)
	}
}
