// Package config loads, normalizes and validates SocksLink's
// configuration: CLI flags plus an optional legacy "key = value" file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sockslink/sockslink/internal/wire"
)

// maxListenAddresses bounds --listen repetitions, matching the original
// daemon's fixed SOCKSLINK_LISTEN_FD_MAX array.
const maxListenAddresses = 256

// Config is SocksLink's complete runtime configuration, assembled from
// CLI flags and an optional config file (flags take precedence — see
// ParseLegacy for the merge order).
type Config struct {
	Listen     []string // addresses, host only or host:port; Port fills in a bare host
	Port       int
	Interface  string
	NextHop    string
	Helper     string
	HelpersMax int
	Methods    []string // "none" and/or "username", in preference order

	Pipe bool

	MaxFDs int

	Foreground bool
	PidFile    string

	User  string
	Group string

	LogLevel string // debug, info, warn, error

	ConfFile string

	MetricsAddr string
}

// Default returns a Config with the original daemon's documented
// defaults: port 1080, pid-file /var/run/sockslinkd.pid, info logging.
func Default() Config {
	return Config{
		Port:     1080,
		PidFile:  "/var/run/sockslinkd.pid",
		LogLevel: "info",
	}
}

// Normalize fills in the method-list/helpers-max coupling and the
// wildcard listen-address default, matching args.c's parse_args tail.
// It returns the normalized copy; callers chain it before Validate.
func (c Config) Normalize() Config {
	if len(c.Listen) == 0 {
		c.Listen = []string{"0.0.0.0", "::"}
	}
	if len(c.Methods) == 0 {
		c.Methods = []string{"none"}
		if c.Helper != "" {
			c.Methods = append(c.Methods, "username")
		}
	}
	if c.Helper != "" && c.HelpersMax == 0 {
		c.HelpersMax = 1
	}
	return c
}

// Validate reports the first configuration error found, matching the
// mutual-exclusion and mandatory-option rules in the original's
// "Configuration errors" kind.
func (c Config) Validate() error {
	if len(c.Listen) > maxListenAddresses {
		return fmt.Errorf("config: can't listen on more than %d addresses", maxListenAddresses)
	}
	if c.Pipe && c.Helper != "" {
		return errors.New("config: --pipe cannot be combined with --helper")
	}
	if c.Pipe && c.NextHop == "" {
		return errors.New("config: --pipe requires --next-hop")
	}
	if c.Pipe && !(len(c.Methods) == 0 || (len(c.Methods) == 1 && c.Methods[0] == "none")) {
		return errors.New("config: --pipe cannot be combined with --method")
	}
	if c.Helper == "" && c.NextHop == "" {
		return errors.New("config: must specify --helper or --next-hop")
	}
	if c.Helper != "" {
		info, err := os.Stat(c.Helper)
		if err != nil {
			return fmt.Errorf("config: stat helper %s: %w", c.Helper, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("config: helper %s is not a regular file", c.Helper)
		}
	}
	if c.NextHop != "" {
		if _, _, err := net.SplitHostPort(c.NextHop); err != nil {
			return fmt.Errorf("config: invalid --next-hop %q: %w", c.NextHop, err)
		}
	}
	for _, m := range c.Methods {
		if m != "none" && m != "username" {
			return fmt.Errorf("config: unknown method %q (available: none, username)", m)
		}
	}
	if c.MaxFDs < 0 {
		return errors.New("config: --max-fds must be non-negative")
	}
	if c.HelpersMax < 0 {
		return errors.New("config: --helpers-max must be non-negative")
	}
	return nil
}

// WireMethods translates the ordered method names into the RFC 1928
// byte codes the session state machine negotiates with.
func (c Config) WireMethods() []byte {
	out := make([]byte, 0, len(c.Methods))
	for _, m := range c.Methods {
		switch m {
		case "none":
			out = append(out, wire.MethodNone)
		case "username":
			out = append(out, wire.MethodUsernamePass)
		}
	}
	return out
}

// ListenAddresses expands c.Listen into host:port pairs, applying c.Port
// to any bare host.
func (c Config) ListenAddresses() []string {
	out := make([]string, len(c.Listen))
	for i, addr := range c.Listen {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			out[i] = addr
			continue
		}
		out[i] = net.JoinHostPort(addr, strconv.Itoa(c.Port))
	}
	return out
}

// AuthTimeout and IOTimeout aren't CLI-configurable in the original
// daemon; they're fixed session-level constants shared with
// internal/session's defaults.
const (
	AuthTimeout = 30 * time.Second
	IOTimeout   = 10 * time.Minute
)

// knownOptions is the set of "key" names ParseLegacy accepts, mirroring
// args.c's long_options table so an unrecognized key is silently
// skipped rather than merged in, just like the original's linear scan.
var knownOptions = map[string]bool{
	"conf": true, "foreground": true, "pidfile": true,
	"verbose": true, "quiet": true, "user": true, "group": true,
	"listen": true, "interface": true, "port": true, "max-fds": true,
	"pipe": true, "helper": true, "helpers-max": true, "method": true,
	"next-hop": true,
}

// ParseLegacy reads a "key = value" config file: one option per line,
// blank-valued for no-argument flags, "#"-prefixed comment lines
// ignored. It applies options onto c and returns the result; fields c
// already carries (i.e. a CLI flag supplied a value) are left
// untouched, matching the original's "flag already set" precedence. A
// field still holding its Default() value counts as unset.
func ParseLegacy(c Config, r io.Reader) (Config, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, hasVal := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if hasVal {
			val = strings.TrimSpace(val)
		}

		if !knownOptions[key] {
			continue
		}

		if err := applyLegacyOption(&c, key, val); err != nil {
			return c, err
		}
	}
	if err := scanner.Err(); err != nil {
		return c, fmt.Errorf("config: read conf file: %w", err)
	}
	return c, nil
}

func applyLegacyOption(c *Config, key, val string) error {
	switch key {
	case "foreground":
		c.Foreground = true
	case "pipe":
		c.Pipe = true
	case "verbose":
		c.LogLevel = "debug"
	case "quiet":
		c.LogLevel = "error"
	case "pidfile":
		if c.PidFile == "" || c.PidFile == Default().PidFile {
			c.PidFile = val
		}
	case "user":
		if c.User == "" {
			c.User = val
		}
	case "group":
		if c.Group == "" {
			c.Group = val
		}
	case "listen":
		if len(c.Listen) < maxListenAddresses {
			c.Listen = append(c.Listen, val)
		}
	case "interface":
		if c.Interface == "" {
			c.Interface = val
		}
	case "port":
		if c.Port == 0 || c.Port == Default().Port {
			port, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: invalid port %q: %w", val, err)
			}
			c.Port = port
		}
	case "max-fds":
		if c.MaxFDs == 0 {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: invalid max-fds %q: %w", val, err)
			}
			c.MaxFDs = n
		}
	case "helper":
		if c.Helper == "" {
			c.Helper = val
		}
	case "helpers-max":
		if c.HelpersMax == 0 {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: invalid helpers-max %q: %w", val, err)
			}
			c.HelpersMax = n
		}
	case "method":
		c.Methods = append(c.Methods, val)
	case "next-hop":
		if c.NextHop == "" {
			c.NextHop = val
		}
	}
	return nil
}
