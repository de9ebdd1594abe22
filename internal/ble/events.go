package ble

import "sync"

// StopReason says why a scan session ended.
type StopReason int

const (
	StopManual StopReason = iota
	StopTimeout
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopManual:
		return "manual"
	case StopTimeout:
		return "timeout"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

// ScanListener is notified of scan session changes.
type ScanListener interface {
	// OnDeviceAdded is called once per device, the first time it is seen.
	OnDeviceAdded(dev DiscoveredDevice)
	// OnScanStopped is called once per session. err is non-nil only for StopError.
	OnScanStopped(reason StopReason, err error)
}

// ConnListener is notified of connection session changes.
type ConnListener interface {
	// OnConnectionStateChanged reports every transition. err carries the
	// cause when state is StateFailed.
	OnConnectionStateChanged(state ConnState, err error)
	OnServicesReady(serviceIDs []string)
	// OnProtocolViolation reports an event the state machine rejected.
	OnProtocolViolation(err error)
}

// EventType identifies the payload of an Event.
type EventType int

const (
	EventDeviceAdded EventType = iota
	EventScanStopped
	EventStateChanged
	EventServicesReady
	EventProtocolViolation
)

// Event is emitted on the channel returned by EventStream.Events.
type Event struct {
	Type       EventType
	Device     DiscoveredDevice // EventDeviceAdded
	StopReason StopReason       // EventScanStopped
	State      ConnState        // EventStateChanged
	ServiceIDs []string         // EventServicesReady
	Err        error
}

// EventStream turns listener callbacks into a channel of Events. It
// implements both ScanListener and ConnListener.
//
// Sends block when the buffer is full so no terminal state is lost; the
// consumer must keep draining Events until it calls Close.
type EventStream struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

var (
	_ ScanListener = (*EventStream)(nil)
	_ ConnListener = (*EventStream)(nil)
)

// NewEventStream creates an EventStream with the given buffer size.
func NewEventStream(size int) *EventStream {
	if size <= 0 {
		size = 16
	}
	return &EventStream{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives events.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Close stops delivery. Callbacks after Close are discarded. The channel
// is left open so a late producer can never panic on a closed channel.
func (s *EventStream) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *EventStream) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

func (s *EventStream) OnDeviceAdded(dev DiscoveredDevice) {
	s.emit(Event{Type: EventDeviceAdded, Device: dev})
}

func (s *EventStream) OnScanStopped(reason StopReason, err error) {
	s.emit(Event{Type: EventScanStopped, StopReason: reason, Err: err})
}

func (s *EventStream) OnConnectionStateChanged(state ConnState, err error) {
	s.emit(Event{Type: EventStateChanged, State: state, Err: err})
}

func (s *EventStream) OnServicesReady(serviceIDs []string) {
	s.emit(Event{Type: EventServicesReady, ServiceIDs: serviceIDs})
}

func (s *EventStream) OnProtocolViolation(err error) {
	s.emit(Event{Type: EventProtocolViolation, Err: err})
}
