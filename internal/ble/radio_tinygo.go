package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/blescout/internal/bluez"
	"tinygo.org/x/bluetooth"
)

var errUnknownHandle = errors.New("ble: unknown connection handle")

// TinygoRadio implements Radio on top of tinygo-org/bluetooth, which uses
// BlueZ on Linux, CoreBluetooth on macOS and WinRT on Windows. On macOS
// device IDs are CoreBluetooth UUIDs rather than MAC addresses.
type TinygoRadio struct {
	adapter tinygoAdapter
	probe   func() error

	mu         sync.Mutex
	enabled    bool
	scan       *tinygoScan // nil when no scan is requested
	lastDone   chan struct{}
	nextHandle ConnHandle
	conns      map[ConnHandle]*tinygoConn
}

// tinygoAdapter is the part of *bluetooth.Adapter the radio uses.
type tinygoAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// tinygoScan is one requested scan. done is closed when its goroutine exits.
type tinygoScan struct {
	done     chan struct{}
	started  bool
	canceled bool
}

type tinygoConn struct {
	id     string
	sink   ConnSink
	device *bluetooth.Device // nil until the link is up
}

// NewTinygoRadio creates a radio using the default adapter. probe, if
// non-nil, runs before every scanner acquisition and may return
// ErrRadioUnavailable or ErrRadioDisabled.
func NewTinygoRadio(probe func() error) *TinygoRadio {
	return newTinygoRadio(bluetooth.DefaultAdapter, probe)
}

func newTinygoRadio(adapter tinygoAdapter, probe func() error) *TinygoRadio {
	return &TinygoRadio{
		adapter: adapter,
		probe:   probe,
		conns:   make(map[ConnHandle]*tinygoConn),
	}
}

// BlueZProbe returns a probe that checks the named BlueZ adapter over D-Bus
// and maps the result onto the ble error taxonomy.
func BlueZProbe(adapterName string) func() error {
	return func() error {
		err := bluez.Probe(adapterName)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bluez.ErrAdapterNotFound):
			return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
		case errors.Is(err, bluez.ErrAdapterOff):
			return fmt.Errorf("%w: %v", ErrRadioDisabled, err)
		case errors.Is(err, bluez.ErrAccessDenied):
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		default:
			return err
		}
	}
}

func (r *TinygoRadio) AcquireScanner() error {
	if r.probe != nil {
		if err := r.probe(); err != nil {
			return err
		}
	}
	return r.enable()
}

// enable powers up the adapter stack once and installs the disconnect handler.
func (r *TinygoRadio) enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.dispatchDisconnect(device.Address.String())
	})
	r.enabled = true
	return nil
}

// dispatchDisconnect reports a dropped link to every session on that device.
func (r *TinygoRadio) dispatchDisconnect(addr string) {
	type target struct {
		h    ConnHandle
		sink ConnSink
	}
	var targets []target

	r.mu.Lock()
	for h, c := range r.conns {
		if c.device != nil && strings.EqualFold(c.id, addr) {
			targets = append(targets, target{h, c.sink})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		t.sink.ConnectionStateChanged(t.h, LinkDisconnected, nil)
	}
}

func (r *TinygoRadio) RequestScan(filter ScanFilter, mode ScanMode, sink ScanSink) error {
	uuids := make([]bluetooth.UUID, 0, len(filter.ServiceUUIDs))
	for _, s := range filter.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}

	r.mu.Lock()
	if r.scan != nil {
		r.mu.Unlock()
		return &ScanFailedError{Code: ScanFailureAlreadyStarted}
	}
	scan := &tinygoScan{done: make(chan struct{})}
	prev := r.lastDone
	r.scan, r.lastDone = scan, scan.done
	r.mu.Unlock()

	// tinygo/bluetooth has no scan mode knob; the platform default applies.
	slog.Debug("[BLE] radio scan requested", "mode", mode, "filtered", !filter.Empty())

	go func() {
		defer close(scan.done)
		// The adapter runs one scan at a time; let a canceled one unwind first.
		if prev != nil {
			<-prev
		}
		if !r.begin(scan) {
			return
		}

		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if r.canceled(scan) {
				// Cancel raced with the start of Scan.
				_ = r.adapter.StopScan()
				return
			}
			name := result.LocalName()
			if !matchAdvertisement(result, uuids, filter.NamePrefix, name) {
				return
			}
			sink.DeviceObserved(result.Address.String(), name, int(result.RSSI))
		})

		r.mu.Lock()
		canceled := scan.canceled
		if r.scan == scan {
			r.scan = nil
		}
		r.mu.Unlock()

		if err != nil && !canceled {
			slog.Warn("[BLE] radio scan ended with error", "error", err)
			sink.ScanFailed(ScanFailureInternal)
		}
	}()
	return nil
}

// begin marks scan as started unless it was canceled while queued.
func (r *TinygoRadio) begin(scan *tinygoScan) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scan.canceled {
		return false
	}
	scan.started = true
	return true
}

func (r *TinygoRadio) canceled(scan *tinygoScan) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return scan.canceled
}

func matchAdvertisement(result bluetooth.ScanResult, uuids []bluetooth.UUID, prefix, name string) bool {
	if prefix != "" && !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(uuids) == 0 {
		return true
	}
	for _, u := range uuids {
		if result.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

// CancelScan stops the running scan. A new scan may be requested as soon as
// it returns; that scan starts once the adapter has wound down.
func (r *TinygoRadio) CancelScan() error {
	r.mu.Lock()
	scan := r.scan
	if scan == nil {
		r.mu.Unlock()
		return nil
	}
	scan.canceled = true
	r.scan = nil
	started := scan.started
	r.mu.Unlock()
	if !started {
		return nil
	}
	return r.adapter.StopScan()
}

func (r *TinygoRadio) RequestConnect(deviceID string, sink ConnSink) (ConnHandle, error) {
	if err := r.enable(); err != nil {
		return 0, err
	}

	// On macOS Address wraps a UUID; Set parses either form.
	var addr bluetooth.Address
	addr.Set(deviceID)

	r.mu.Lock()
	r.nextHandle++
	h := r.nextHandle
	r.conns[h] = &tinygoConn{id: deviceID, sink: sink}
	r.mu.Unlock()

	go func() {
		// Connect blocks with the platform's own timeout.
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})

		r.mu.Lock()
		c, ok := r.conns[h]
		if ok && err == nil {
			c.device = &device
		}
		r.mu.Unlock()

		if !ok {
			// Released while connecting.
			if err == nil {
				_ = device.Disconnect()
			}
			return
		}
		if err != nil {
			sink.ConnectionStateChanged(h, LinkFailed, err)
			return
		}
		sink.ConnectionStateChanged(h, LinkConnected, nil)
	}()
	return h, nil
}

func (r *TinygoRadio) RequestServiceDiscovery(h ConnHandle) error {
	r.mu.Lock()
	var device *bluetooth.Device
	var sink ConnSink
	if c, ok := r.conns[h]; ok {
		device, sink = c.device, c.sink
	}
	r.mu.Unlock()
	if device == nil {
		return errUnknownHandle
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			sink.ServiceDiscoveryFailed(h, err)
			return
		}
		ids := make([]string, 0, len(svcs))
		for _, svc := range svcs {
			ids = append(ids, svc.UUID().String())
		}
		sink.ServicesDiscovered(h, ids)
	}()
	return nil
}

func (r *TinygoRadio) ReleaseConnection(h ConnHandle) error {
	r.mu.Lock()
	c, ok := r.conns[h]
	delete(r.conns, h)
	r.mu.Unlock()

	if !ok || c.device == nil {
		return nil
	}
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.id, err)
	}
	return nil
}

// Compile-time check that TinygoRadio implements Radio.
var _ Radio = (*TinygoRadio)(nil)
