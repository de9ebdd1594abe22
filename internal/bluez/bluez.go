// Package bluez inspects the BlueZ daemon over the D-Bus system bus. It only
// answers whether an adapter exists and is powered; scanning and connecting
// go through the ble package's radio.
package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	adapterPrefix = "/org/bluez/"

	// DefaultAdapter is the adapter BlueZ creates for the first controller.
	DefaultAdapter = "hci0"
)

var (
	ErrAdapterNotFound = errors.New("bluez: adapter not found")
	ErrAdapterOff      = errors.New("bluez: adapter powered off")
	ErrAccessDenied    = errors.New("bluez: access denied")
)

// AdapterPath returns the object path of the named adapter, e.g. /org/bluez/hci0.
func AdapterPath(name string) dbus.ObjectPath {
	if name == "" {
		name = DefaultAdapter
	}
	return dbus.ObjectPath(adapterPrefix + name)
}

// DevicePath converts a MAC address to the device object path under an adapter.
// Example: "AA:BB:CC:DD:EE:FF" -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func DevicePath(adapter, mac string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(adapter), dev))
}

// classify maps a D-Bus failure onto the package errors.
func classify(err error) error {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.UnknownInterface",
		"org.freedesktop.DBus.Error.InvalidArgs":
		return fmt.Errorf("%w: %v", ErrAdapterNotFound, err)
	case "org.freedesktop.DBus.Error.AccessDenied":
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}

func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}
