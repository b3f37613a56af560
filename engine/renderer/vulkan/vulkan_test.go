package vulkan

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/fencepost/engine/core"
	"github.com/spaghettifunk/fencepost/engine/renderer/gpu"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestResultError(t *testing.T) {
	if err := resultError(vk.Success, "vkQueueSubmit"); err != nil {
		t.Fatalf("success:\nhave %v\nwant nil", err)
	}
	tests := []struct {
		res  vk.Result
		want error
	}{
		{vk.ErrorDeviceLost, gpu.ErrDeviceLost},
		{vk.ErrorOutOfDeviceMemory, gpu.ErrOutOfDeviceMemory},
		{vk.ErrorOutOfHostMemory, gpu.ErrOutOfHostMemory},
	}
	for _, tt := range tests {
		if err := resultError(tt.res, "vkQueueSubmit"); !errors.Is(err, tt.want) {
			t.Errorf("%s:\nhave %v\nwant %v", VulkanResultString(tt.res), err, tt.want)
		}
	}
	if err := resultError(vk.ErrorTooManyObjects, "vkCreateFence"); err == nil || gpu.IsFatal(err) {
		t.Fatalf("too many objects:\nhave %v\nwant a non-fatal error", err)
	}
}

func TestSafeQueueCallSerializesFamily(t *testing.T) {
	pool := NewVulkanLockPool()
	pool.SetQueueFamily(0)

	var wg sync.WaitGroup
	inside, maxInside := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.SafeQueueCall(0, func() error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				inside--
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("concurrent calls on one family:\nhave %d\nwant 1", maxInside)
	}
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := NewDevice("fencepost-test")
	if errors.Is(err, gpu.ErrNoDevice) {
		t.Skipf("no Vulkan device: %v", err)
	}
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d.(*Device)
}

func TestCopyAcrossQueues(t *testing.T) {
	d := newTestDevice(t)

	src, err := d.CreateBuffer(gpu.BufferDesc{Size: 256, HostVisible: true, Name: "src"})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer src.Destroy()
	mid, err := d.CreateBuffer(gpu.BufferDesc{Size: 256, Name: "mid"})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer mid.Destroy()
	dst, err := d.CreateBuffer(gpu.BufferDesc{Size: 256, HostVisible: true, Name: "dst"})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer dst.Destroy()

	want := bytes.Repeat([]byte{0xab}, 256)
	copy(src.Bytes(), want)

	copyQ, _ := d.Queue(gpu.QueueCopy)
	direct, _ := d.Queue(gpu.QueueDirect)

	upload, err := d.CreateCommandList(gpu.QueueCopy)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	defer upload.Destroy()
	if err := upload.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	upload.CopyBufferRegion(mid, 0, src, 0, 256)
	if err := upload.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := copyQ.Submit([]gpu.CommandList{upload}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := copyQ.Signal(1); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	readback, err := d.CreateCommandList(gpu.QueueDirect)
	if err != nil {
		t.Fatalf("CreateCommandList: %v", err)
	}
	defer readback.Destroy()
	if err := readback.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	readback.CopyBufferRegion(dst, 0, mid, 0, 256)
	if err := readback.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := direct.Wait(copyQ, 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := direct.Submit([]gpu.CommandList{readback}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := readback.Reset(); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Reset of a pending list:\nhave %v\nwant %v", err, core.ErrInvalidState)
	}
	if err := direct.Signal(1); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := direct.WaitValue(1); err != nil {
		t.Fatalf("WaitValue: %v", err)
	}

	if v, err := direct.CompletedValue(); err != nil || v != 1 {
		t.Fatalf("CompletedValue:\nhave %d, %v\nwant 1", v, err)
	}
	if !bytes.Equal(dst.Bytes(), want) {
		t.Fatal("copied bytes differ")
	}
}

func TestSignalMustIncrease(t *testing.T) {
	d := newTestDevice(t)
	q, _ := d.Queue(gpu.QueueCompute)
	if err := q.Signal(5); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if err := q.Signal(5); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("repeated Signal:\nhave %v\nwant %v", err, core.ErrInvalidArgument)
	}
	if err := q.WaitValue(5); err != nil {
		t.Fatalf("WaitValue: %v", err)
	}
}
