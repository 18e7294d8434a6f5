//go:build linux

package connector

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepalive shortens the dead-peer detection window below Go's
// net package default (which exposes only a single keepalive period,
// not the probe interval or count). A chunkserver wedged behind a
// black-holed route should be evicted from the idle pool well before
// the OS's stock two-hour keepalive timer would notice.
func tuneKeepalive(tc *net.TCPConn) {
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)

	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	})
}
