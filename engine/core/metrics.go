package core

import (
	"sync"
	"sync/atomic"
)

const AVG_COUNT uint8 = 30

type MetricsState struct {
	mu                 sync.Mutex
	FrameAVGCounter    uint8
	MStimes            [AVG_COUNT]float64
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64

	Submissions       atomic.Uint64
	ContextsCreated   atomic.Uint64
	ContextsReclaimed atomic.Uint64
	DescriptorPages   atomic.Uint64
	UploadPages       atomic.Uint64
	GPUHeaps          atomic.Uint64
}

// Counters is a point-in-time copy of the resource counters.
type Counters struct {
	Submissions       uint64
	ContextsCreated   uint64
	ContextsReclaimed uint64
	DescriptorPages   uint64
	UploadPages       uint64
	GPUHeaps          uint64
}

var onceMetrics sync.Once
var metricsState *MetricsState = nil

func MetricsInitialize() error {
	metrics()
	return nil
}

func metrics() *MetricsState {
	onceMetrics.Do(func() {
		metricsState = &MetricsState{
			MStimes: [AVG_COUNT]float64{0},
		}
	})
	return metricsState
}

func MetricsUpdate(frame_elapsed_time float64) {
	m := metrics()
	m.mu.Lock()
	defer m.mu.Unlock()

	// Calculate frame ms average
	frame_ms := (frame_elapsed_time * 1000.0)
	m.MStimes[m.FrameAVGCounter] = frame_ms
	if m.FrameAVGCounter == AVG_COUNT-1 {
		m.MSavg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			m.MSavg += m.MStimes[i]
		}

		m.MSavg /= float64(AVG_COUNT)
	}
	m.FrameAVGCounter++
	m.FrameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	m.AccumulatedFrameMS += frame_ms
	if m.AccumulatedFrameMS > 1000 {
		m.FPS = float64(m.Frames)
		m.AccumulatedFrameMS -= 1000
		m.Frames = 0
	}

	// Count all Frames.
	m.Frames++
}

func MetricsFPS() float64 {
	m := metrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FPS
}

func MetricsFrameTime() float64 {
	m := metrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MSavg
}

func MetricsFrame() (float64, float64) {
	m := metrics()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FPS, m.MSavg
}

func MetricsCountSubmission()       { metrics().Submissions.Add(1) }
func MetricsCountContextCreated()   { metrics().ContextsCreated.Add(1) }
func MetricsCountContextReclaimed() { metrics().ContextsReclaimed.Add(1) }
func MetricsCountDescriptorPage()   { metrics().DescriptorPages.Add(1) }
func MetricsCountUploadPage()       { metrics().UploadPages.Add(1) }
func MetricsCountGPUHeap()          { metrics().GPUHeaps.Add(1) }

func MetricsSnapshot() Counters {
	m := metrics()
	return Counters{
		Submissions:       m.Submissions.Load(),
		ContextsCreated:   m.ContextsCreated.Load(),
		ContextsReclaimed: m.ContextsReclaimed.Load(),
		DescriptorPages:   m.DescriptorPages.Load(),
		UploadPages:       m.UploadPages.Load(),
		GPUHeaps:          m.GPUHeaps.Load(),
	}
}
