//go:build !linux

package connector

import (
	"net"
	"time"
)

// tuneKeepalive on non-Linux platforms falls back to the portable
// keepalive knobs net.TCPConn exposes; TCP_KEEPINTVL/TCP_KEEPCNT are
// Linux-specific socket options.
func tuneKeepalive(tc *net.TCPConn) {
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
}
