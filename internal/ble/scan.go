package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ScanState is the lifecycle state of a scan session.
type ScanState int

const (
	ScanIdle ScanState = iota
	ScanScanning
	ScanStopped
)

func (s ScanState) String() string {
	switch s {
	case ScanIdle:
		return "idle"
	case ScanScanning:
		return "scanning"
	case ScanStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ScanState(%d)", int(s))
	}
}

// ScanOptions configures a ScanController.
type ScanOptions struct {
	Timeout   time.Duration // auto-stop delay (default 10s)
	Filter    ScanFilter
	Mode      ScanMode
	Now       func() time.Time // clock for timestamps (default time.Now)
	AfterFunc AfterFunc        // timer factory (default time.AfterFunc)
}

// DefaultScanOptions returns a ten second low-latency scan with no filter.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout: DefaultScanTimeout,
		Mode:    ScanModeLowLatency,
	}
}

// ScanController owns the single active scan session. Observations are
// de-duplicated by device ID; the first sighting appends a device and
// notifies the listener, later sightings update it in place silently.
//
// Listener callbacks run with no controller lock held and in the order the
// session changed, so a listener may call back into the controller (for
// example StopScan from OnDeviceAdded, or StartScan from OnScanStopped).
type ScanController struct {
	radio    Radio
	listener ScanListener
	opts     ScanOptions

	// opMu serializes StartScan, StopScan and the auto-stop so radio
	// commands are issued in operation order.
	opMu sync.Mutex

	mu        sync.Mutex
	state     ScanState
	token     uint64
	startedAt time.Time
	results   []DiscoveredDevice
	index     map[string]int // device ID -> position in results
	timer     Timer
	notes     notifier
}

// NewScanController creates a controller driving radio. listener may be nil.
func NewScanController(radio Radio, listener ScanListener, opts ScanOptions) *ScanController {
	if radio == nil {
		panic("ble: NewScanController called with nil radio")
	}
	if listener == nil {
		listener = nopListener{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultScanTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &ScanController{
		radio:    radio,
		listener: listener,
		opts:     opts,
		index:    make(map[string]int),
	}
}

// StartScan begins a new scan session. It fails with ErrAlreadyScanning
// while a session is running, and with the radio's error when the scanner
// cannot be acquired; in both cases the previous results are kept.
func (c *ScanController) StartScan() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ScanScanning {
		return ErrAlreadyScanning
	}
	if err := c.radio.AcquireScanner(); err != nil {
		return fmt.Errorf("ble: acquire scanner: %w", err)
	}

	// Burn a token even if the request fails so a sink handed to a failed
	// request can never match a later session.
	c.token++
	token := c.token
	if err := c.radio.RequestScan(c.opts.Filter, c.opts.Mode, &scanSink{c: c, token: token}); err != nil {
		return fmt.Errorf("ble: request scan: %w", err)
	}

	c.state = ScanScanning
	c.startedAt = c.opts.Now()
	c.results = nil
	c.index = make(map[string]int)
	c.timer = c.opts.AfterFunc(c.opts.Timeout, func() { c.autoStop(token) })

	slog.Info("[BLE] scan started", "timeout", c.opts.Timeout, "mode", c.opts.Mode)
	return nil
}

// StopScan ends the running session. It fails with ErrNotScanning when no
// session is running, which includes losing the race against the auto-stop.
func (c *ScanController) StopScan() error {
	c.opMu.Lock()
	c.mu.Lock()
	if c.state != ScanScanning {
		c.mu.Unlock()
		c.opMu.Unlock()
		return ErrNotScanning
	}
	c.stopLocked()
	c.notes.push(func() { c.listener.OnScanStopped(StopManual, nil) })
	c.mu.Unlock()

	c.cancelRadioScan()
	c.opMu.Unlock()

	slog.Info("[BLE] scan stopped", "reason", StopManual)
	c.notes.flush(&c.mu)
	return nil
}

// autoStop runs when the session's timer fires.
func (c *ScanController) autoStop(token uint64) {
	c.opMu.Lock()
	c.mu.Lock()
	if token != c.token || c.state != ScanScanning {
		c.mu.Unlock()
		c.opMu.Unlock()
		return
	}
	c.stopLocked()
	found := len(c.results)
	c.notes.push(func() { c.listener.OnScanStopped(StopTimeout, nil) })
	c.mu.Unlock()

	c.cancelRadioScan()
	c.opMu.Unlock()

	slog.Info("[BLE] scan stopped", "reason", StopTimeout, "devices", found)
	c.notes.flush(&c.mu)
}

// stopLocked moves the session to Stopped (caller must hold mu).
func (c *ScanController) stopLocked() {
	c.state = ScanStopped
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *ScanController) cancelRadioScan() {
	if err := c.radio.CancelScan(); err != nil {
		slog.Warn("[BLE] cancel scan failed", "error", err)
	}
}

// deviceObserved applies one raw observation to the session identified by token.
func (c *ScanController) deviceObserved(token uint64, id, name string, rssi int) {
	if id == "" {
		return
	}

	c.mu.Lock()
	if token != c.token || c.state != ScanScanning {
		c.mu.Unlock()
		slog.Debug("[BLE] dropping observation outside scan session", "id", id)
		return
	}

	now := c.opts.Now()
	if i, ok := c.index[id]; ok {
		dev := &c.results[i]
		if name != "" {
			dev.Name = name
		}
		dev.RSSI = rssi
		dev.LastSeenAt = now
		c.mu.Unlock()
		return
	}

	dev := DiscoveredDevice{
		ID:          id,
		Name:        name,
		RSSI:        rssi,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	c.index[id] = len(c.results)
	c.results = append(c.results, dev)
	c.notes.push(func() { c.listener.OnDeviceAdded(dev) })
	c.mu.Unlock()

	slog.Debug("[BLE] device added", "id", id, "name", name, "rssi", rssi)
	c.notes.flush(&c.mu)
}

// scanFailed ends the session after the radio aborted it. The radio has
// already stopped scanning, so no cancel request is issued.
func (c *ScanController) scanFailed(token uint64, code int) {
	c.mu.Lock()
	if token != c.token || c.state != ScanScanning {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	err := &ScanFailedError{Code: code}
	c.notes.push(func() { c.listener.OnScanStopped(StopError, err) })
	c.mu.Unlock()

	slog.Warn("[BLE] scan failed", "code", code)
	c.notes.flush(&c.mu)
}

// State returns the current session state.
func (c *ScanController) State() ScanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt returns when the current or last session started.
func (c *ScanController) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Results returns a copy of the session's devices in first-seen order.
func (c *ScanController) Results() []DiscoveredDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DiscoveredDevice, len(c.results))
	copy(out, c.results)
	return out
}

// Lookup returns the device with the given ID from the current session.
func (c *ScanController) Lookup(id string) (DiscoveredDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[id]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return c.results[i], true
}

// scanSink binds radio notifications to one scan session.
type scanSink struct {
	c     *ScanController
	token uint64
}

func (s *scanSink) DeviceObserved(id, name string, rssi int) {
	s.c.deviceObserved(s.token, id, name, rssi)
}

func (s *scanSink) ScanFailed(code int) {
	s.c.scanFailed(s.token, code)
}

type nopListener struct{}

func (nopListener) OnDeviceAdded(DiscoveredDevice)           {}
func (nopListener) OnScanStopped(StopReason, error)          {}
func (nopListener) OnConnectionStateChanged(ConnState, error) {}
func (nopListener) OnServicesReady([]string)                 {}
func (nopListener) OnProtocolViolation(error)                {}
