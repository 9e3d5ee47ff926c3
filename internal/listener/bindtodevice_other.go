//go:build !linux

package listener

// bindToDevice is a no-op outside Linux: SO_BINDTODEVICE has no portable
// equivalent, and binding to a specific interface by name is not
// supported on this platform.
func bindToDevice(fd int, device string) error {
	return nil
}
