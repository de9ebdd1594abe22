// Package ble provides the device discovery and connection core for
// Bluetooth Low Energy peripherals. A ScanController runs one bounded scan
// session at a time and de-duplicates what the radio reports; a
// ConnectionController drives one GATT connection attempt through its
// lifecycle. Both talk to the platform through the Radio interface.
package ble

import (
	"fmt"
	"strings"
	"time"
)

// DefaultScanTimeout is how long a scan session runs before it stops itself.
const DefaultScanTimeout = 10 * time.Second

// DefaultConnectTimeout bounds the Connecting state.
const DefaultConnectTimeout = 10 * time.Second

// ScanMode trades discovery latency against power use. The zero value is
// ScanModeLowLatency.
type ScanMode int

const (
	ScanModeLowLatency ScanMode = iota
	ScanModeBalanced
	ScanModeLowPower
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeLowPower:
		return "low_power"
	case ScanModeBalanced:
		return "balanced"
	case ScanModeLowLatency:
		return "low_latency"
	default:
		return fmt.Sprintf("ScanMode(%d)", int(m))
	}
}

// ParseScanMode converts a config value such as "low_latency" to a ScanMode.
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(s) {
	case "low_power":
		return ScanModeLowPower, nil
	case "balanced":
		return ScanModeBalanced, nil
	case "low_latency", "":
		return ScanModeLowLatency, nil
	default:
		return 0, fmt.Errorf("ble: unknown scan mode %q", s)
	}
}

// ScanFilter narrows which advertisements the radio reports. The zero value
// matches everything.
type ScanFilter struct {
	ServiceUUIDs []string // match if any advertised service is listed
	NamePrefix   string
}

// Empty reports whether the filter matches every advertisement.
func (f ScanFilter) Empty() bool {
	return len(f.ServiceUUIDs) == 0 && f.NamePrefix == ""
}

// DiscoveredDevice is one peripheral seen during a scan session.
type DiscoveredDevice struct {
	ID          string // hardware address (CoreBluetoothUUID on macOS)
	Name        string // empty when the peripheral never advertised a name
	RSSI        int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// ConnHandle identifies one connection inside the radio.
type ConnHandle uint64

// LinkState is the link-level state reported by the radio.
type LinkState int

const (
	LinkConnected LinkState = iota
	LinkDisconnected
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// ScanSink receives asynchronous scan notifications from a Radio.
type ScanSink interface {
	// DeviceObserved is called for every advertisement, duplicates included.
	DeviceObserved(id, name string, rssi int)
	// ScanFailed reports that the radio aborted the scan.
	ScanFailed(code int)
}

// ConnSink receives asynchronous connection notifications from a Radio.
type ConnSink interface {
	ConnectionStateChanged(h ConnHandle, state LinkState, err error)
	ServicesDiscovered(h ConnHandle, serviceIDs []string)
	ServiceDiscoveryFailed(h ConnHandle, err error)
}

// Radio abstracts the platform BLE adapter.
//
// Request methods return once the request has been issued. Outcomes arrive
// later through the sink passed with the request, and implementations must
// never call a sink from inside a request method.
type Radio interface {
	// AcquireScanner prepares the adapter for scanning. It returns
	// ErrRadioUnavailable, ErrRadioDisabled or ErrPermissionDenied (possibly
	// wrapped) when the adapter cannot be used.
	AcquireScanner() error
	// RequestScan starts delivering observations to sink until CancelScan.
	RequestScan(filter ScanFilter, mode ScanMode, sink ScanSink) error
	// CancelScan stops the running scan. It is a no-op when idle.
	CancelScan() error
	// RequestConnect starts connecting to deviceID.
	RequestConnect(deviceID string, sink ConnSink) (ConnHandle, error)
	// RequestServiceDiscovery asks the peripheral for its GATT services.
	RequestServiceDiscovery(h ConnHandle) error
	// ReleaseConnection disconnects and frees the handle.
	ReleaseConnection(h ConnHandle) error
}
