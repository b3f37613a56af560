package core

import (
	"testing"
)

func TestEventFireStopsAtHandler(t *testing.T) {
	EventInitialize()

	var calls []string
	first, second := "first", "second"
	handler := func(handled bool) FnOnEvent {
		return func(code SystemEventCode, _ interface{}, listener interface{}, _ EventContext) bool {
			calls = append(calls, listener.(string))
			return handled
		}
	}
	if !EventRegister(EVENT_CODE_CONFIG_RELOADED, first, handler(true)) {
		t.Fatal("first registration refused")
	}
	defer EventUnregister(EVENT_CODE_CONFIG_RELOADED, first)
	if EventRegister(EVENT_CODE_CONFIG_RELOADED, first, handler(false)) {
		t.Fatal("duplicate registration accepted")
	}
	EventRegister(EVENT_CODE_CONFIG_RELOADED, second, handler(false))
	defer EventUnregister(EVENT_CODE_CONFIG_RELOADED, second)

	if !EventFire(EVENT_CODE_CONFIG_RELOADED, nil, EventContext{}) {
		t.Fatal("event not reported as handled")
	}
	if len(calls) != 1 || calls[0] != first {
		t.Fatalf("listeners called:\nhave %v\nwant [first]", calls)
	}

	if !EventUnregister(EVENT_CODE_CONFIG_RELOADED, first) {
		t.Fatal("unregister of a registered listener failed")
	}
	if EventUnregister(EVENT_CODE_CONFIG_RELOADED, first) {
		t.Fatal("second unregister succeeded")
	}
	calls = nil
	if EventFire(EVENT_CODE_CONFIG_RELOADED, nil, EventContext{}) {
		t.Fatal("unhandled event reported as handled")
	}
	if len(calls) != 1 || calls[0] != second {
		t.Fatalf("listeners called after unregister:\nhave %v\nwant [second]", calls)
	}
}

func TestEventContextData(t *testing.T) {
	EventInitialize()

	var got EventContext
	listener := new(int)
	EventRegister(EVENT_CODE_DEVICE_LOST, listener, func(_ SystemEventCode, _ interface{}, _ interface{}, data EventContext) bool {
		got = data
		return true
	})
	defer EventUnregister(EVENT_CODE_DEVICE_LOST, listener)

	var ctx EventContext
	ctx.Data.U64[0] = 42
	ctx.Err = ErrInvalidState
	EventFire(EVENT_CODE_DEVICE_LOST, nil, ctx)
	if got.Data.U64[0] != 42 || got.Err != ErrInvalidState {
		t.Fatalf("event data:\nhave %d, %v\nwant 42, %v", got.Data.U64[0], got.Err, ErrInvalidState)
	}
}

func TestEventsBeforeInitialize(t *testing.T) {
	EventShutdown()
	defer EventInitialize()
	if EventRegister(EVENT_CODE_APPLICATION_QUIT, t, func(SystemEventCode, interface{}, interface{}, EventContext) bool { return true }) {
		t.Fatal("registered without an event system")
	}
	if EventFire(EVENT_CODE_APPLICATION_QUIT, nil, EventContext{}) {
		t.Fatal("fired without an event system")
	}
}
