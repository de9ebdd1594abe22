package ble

import (
	"errors"
	"fmt"
)

var (
	ErrRadioUnavailable       = errors.New("ble: radio unavailable")
	ErrRadioDisabled          = errors.New("ble: radio disabled")
	ErrPermissionDenied       = errors.New("ble: permission denied")
	ErrAlreadyScanning        = errors.New("ble: already scanning")
	ErrNotScanning            = errors.New("ble: not scanning")
	ErrAlreadyConnecting      = errors.New("ble: connection already in progress")
	ErrConnectionTimeout      = errors.New("ble: connection timed out")
	ErrUnexpectedEvent        = errors.New("ble: unexpected event")
	ErrServiceDiscoveryFailed = errors.New("ble: service discovery failed")
	ErrInvalidDeviceID        = errors.New("ble: invalid device id")
)

// Scan failure codes carried by ScanFailedError. The values follow the
// Android ScanCallback codes so a platform radio can pass them through.
const (
	ScanFailureAlreadyStarted        = 1
	ScanFailureAppRegistration       = 2
	ScanFailureInternal              = 3
	ScanFailureFeatureUnsupported    = 4
	ScanFailureOutOfHardwareResource = 5
)

// ScanFailedError is reported when the radio aborts a running scan.
type ScanFailedError struct {
	Code int
}

func (e *ScanFailedError) Error() string {
	return fmt.Sprintf("ble: scan failed with code %d", e.Code)
}

// UnexpectedEventError describes an event that arrived in a state where the
// connection state machine does not accept it.
type UnexpectedEventError struct {
	Event string
	State ConnState
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("ble: unexpected event %s in state %s", e.Event, e.State)
}

func (e *UnexpectedEventError) Unwrap() error { return ErrUnexpectedEvent }
