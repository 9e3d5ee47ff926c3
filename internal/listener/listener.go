// Package listener builds TCP listen sockets with the exact socket
// options and fixed backlog the relay daemon requires, then hands them
// back as ordinary net.Listener values so the rest of the code never
// touches a raw file descriptor.
package listener

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// backlog is fixed, matching the original daemon's listen(2) call.
const backlog = 5

// Config describes one listen address.
type Config struct {
	// Address is "host:port"; host may be empty, an IPv4, or an IPv6
	// literal (optionally bracketed).
	Address string
	// Device, if non-empty, binds the socket to a specific network
	// interface via SO_BINDTODEVICE (Linux only; ignored elsewhere).
	Device string
}

// Listen resolves cfg.Address and returns a bound, listening net.Listener
// with SO_REUSEADDR set, IPV6_V6ONLY set on IPv6 sockets, and the fixed
// backlog applied directly via listen(2).
func Listen(cfg Config) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve %s: %w", cfg.Address, err)
	}

	domain := unix.AF_INET
	sockaddr, isV6, err := toSockaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("listener: %s: %w", cfg.Address, err)
	}
	if isV6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}
	// Closed via the returned net.Listener once wrapped; on any error
	// path below we are still responsible for it.
	closeFD := true
	defer func() {
		if closeFD {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("listener: SO_REUSEADDR: %w", err)
	}
	if isV6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return nil, fmt.Errorf("listener: IPV6_V6ONLY: %w", err)
		}
	}
	if cfg.Device != "" {
		if err := bindToDevice(fd, cfg.Device); err != nil {
			return nil, fmt.Errorf("listener: SO_BINDTODEVICE %s: %w", cfg.Device, err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("listener: set non-blocking: %w", err)
	}

	if err := unix.Bind(fd, sockaddr); err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", cfg.Address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listener: listen %s: %w", cfg.Address, err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("sockslink-listener-%s", cfg.Address))
	ln, err := net.FileListener(file)
	// net.FileListener dup()s the fd internally, so file (and our fd) must
	// be closed regardless of success; errors from Close here are not
	// actionable.
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("listener: wrap fd as net.Listener: %w", err)
	}
	closeFD = false

	return ln, nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, bool, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, false, nil
	}
	if addr.IP == nil {
		// Unspecified address: bind to the IPv4 wildcard, matching the
		// net package's own default when no host is given.
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		return &sa, false, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, false, fmt.Errorf("unrecognized IP %v", addr.IP)
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip16)
	return &sa, true, nil
}
