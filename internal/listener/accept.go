package listener

import (
	"errors"
	"log/slog"
	"net"

	"github.com/sockslink/sockslink/internal/logging"
)

// Accept runs an accept loop against ln, invoking handle for each
// accepted connection on its own goroutine via spawn. Accept errors are
// logged and ignored (the listener keeps accepting) except when ln has
// been closed, which ends the loop silently.
func Accept(ln net.Listener, logger *slog.Logger, spawn func(fn func()), handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("accept failed", logging.KeyComponent, "listener", logging.KeyError, err)
			continue
		}
		spawn(func() { handle(conn) })
	}
}
