//go:build !linux

package bluez

// Probe always succeeds off Linux, where BlueZ is not the Bluetooth stack.
func Probe(adapter string) error {
	return nil
}
