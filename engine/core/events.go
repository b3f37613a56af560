package core

import "sync"

type EventContext struct {
	Data struct {
		I64 [2]int64
		U64 [2]uint64
		F64 [2]float64
		C   [2]string
	}
	// Err carries the failure behind error events.
	Err error
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Stops the frame loop before the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// The watched config file was reloaded.
	/* Context usage:
	 * string log_level = data.Data.C[0];
	 */
	EVENT_CODE_CONFIG_RELOADED SystemEventCode = 0x02

	// The GPU device was lost. No more work completes.
	/* Context usage:
	 * u64 frame = data.Data.U64[0];
	 * error cause = data.Err;
	 */
	EVENT_CODE_DEVICE_LOST SystemEventCode = 0x03

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventSystemState struct {
	mu sync.RWMutex
	// Lookup table for event codes.
	registered [MAX_MESSAGE_CODES][]registeredEvent
}

var (
	eventMu    sync.Mutex
	eventState *eventSystemState
)

// EventInitialize sets up the event system. It returns false when it was
// already initialized.
func EventInitialize() bool {
	eventMu.Lock()
	defer eventMu.Unlock()
	if eventState != nil {
		return false
	}
	eventState = &eventSystemState{}
	return true
}

func EventShutdown() error {
	eventMu.Lock()
	defer eventMu.Unlock()
	eventState = nil
	return nil
}

func events() *eventSystemState {
	eventMu.Lock()
	defer eventMu.Unlock()
	return eventState
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener/callback combos will not be registered again and will cause this to return FALSE.
 */
func EventRegister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	s := events()
	if s == nil || code < 0 || code >= MAX_MESSAGE_CODES || onEvent == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.registered[code] {
		if e.listener == listener {
			LogWarn("listener already registered for event %d", code)
			return false
		}
	}
	s.registered[code] = append(s.registered[code], registeredEvent{listener: listener, callback: onEvent})
	return true
}

// EventUnregister stops listener from receiving code. It returns false when
// no such registration exists.
func EventUnregister(code SystemEventCode, listener interface{}) bool {
	s := events()
	if s == nil || code < 0 || code >= MAX_MESSAGE_CODES {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.registered[code] {
		if e.listener == listener {
			s.registered[code] = append(s.registered[code][:i:i], s.registered[code][i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * TRUE, the event is considered handled and is not passed on to any more listeners.
 * Handlers run on the firing goroutine.
 */
func EventFire(code SystemEventCode, sender interface{}, context EventContext) bool {
	s := events()
	if s == nil || code < 0 || code >= MAX_MESSAGE_CODES {
		return false
	}
	// Handlers may register or unregister, so iterate over a snapshot.
	s.mu.RLock()
	listeners := append([]registeredEvent(nil), s.registered[code]...)
	s.mu.RUnlock()
	for _, e := range listeners {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}
