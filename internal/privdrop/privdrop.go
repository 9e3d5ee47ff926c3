// Package privdrop drops root privileges by switching to a named user
// and/or group after listeners are bound.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Drop resolves username and groupname (either may be empty) and switches
// the process to them, group before user so the process retains
// permission to change its group membership until the last possible
// moment. A zero-value username or groupname is a no-op for that half of
// the drop.
func Drop(username, groupname string) error {
	var uid, gid int
	haveUID, haveGID := false, false

	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return fmt.Errorf("privdrop: lookup group %q: %w", groupname, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("privdrop: group %q has non-numeric gid %q: %w", groupname, g.Gid, err)
		}
		haveGID = true
	}

	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return fmt.Errorf("privdrop: lookup user %q: %w", username, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return fmt.Errorf("privdrop: user %q has non-numeric uid %q: %w", username, u.Uid, err)
		}
		haveUID = true

		if !haveGID {
			gid, err = strconv.Atoi(u.Gid)
			if err != nil {
				return fmt.Errorf("privdrop: user %q has non-numeric gid %q: %w", username, u.Gid, err)
			}
			haveGID = true
		}
	}

	if haveGID {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("privdrop: setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
		}
	}

	if haveUID {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
		}
	}

	return nil
}

// RaiseNofileLimit raises RLIMIT_NOFILE to at least want file descriptors,
// capped at the kernel-reported hard limit. Intended to run while still
// root, before Drop.
func RaiseNofileLimit(want uint64) error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return fmt.Errorf("privdrop: getrlimit NOFILE: %w", err)
	}

	target := want
	if target > rlimit.Max {
		target = rlimit.Max
	}
	if target <= rlimit.Cur {
		return nil
	}

	rlimit.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return fmt.Errorf("privdrop: setrlimit NOFILE to %d: %w", target, err)
	}
	return nil
}
