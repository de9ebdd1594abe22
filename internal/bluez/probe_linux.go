//go:build linux

package bluez

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Probe checks that the named adapter exists and is powered. It returns
// ErrAdapterNotFound when the system bus, bluetoothd or the adapter is
// missing, and ErrAdapterOff when the adapter exists but is not powered.
func Probe(adapter string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("%w: connect system bus: %v", ErrAdapterNotFound, err)
	}
	// SystemBus returns a shared connection; it is not ours to close.

	powered, err := property[bool](conn, AdapterPath(adapter), adapterIface, "Powered")
	if err != nil {
		return classify(err)
	}
	if !powered {
		return ErrAdapterOff
	}
	return nil
}

// property reads one property of a BlueZ object.
func property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := conn.Object(busName, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluez: property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return val, nil
}
