//go:build linux

package listener

import "golang.org/x/sys/unix"

// bindToDevice restricts the socket to a single network interface via
// SO_BINDTODEVICE, which is Linux-specific.
func bindToDevice(fd int, device string) error {
	return unix.BindToDevice(fd, device)
}
