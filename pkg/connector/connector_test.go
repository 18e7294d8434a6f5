package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoListener(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestStartUsingConnectionDialsAndPools(t *testing.T) {
	addr, closeFn := startEchoListener(t)
	defer closeFn()

	c := New(Config{}, nil)
	conn, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)
	require.NotNil(t, conn)

	c.EndUsingConnection(addr, conn, false)
	c.mu.Lock()
	assert.Len(t, c.idle[addr], 1)
	c.mu.Unlock()

	// a second acquire should reuse the pooled connection rather than
	// dialing again.
	conn2, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)
	c.mu.Lock()
	assert.Len(t, c.idle[addr], 0)
	c.mu.Unlock()
	conn2.Close()
}

func TestEndUsingConnectionClosedDoesNotPool(t *testing.T) {
	addr, closeFn := startEchoListener(t)
	defer closeFn()

	c := New(Config{}, nil)
	conn, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)

	conn.Close()
	c.EndUsingConnection(addr, conn, true)

	c.mu.Lock()
	assert.Empty(t, c.idle[addr])
	c.mu.Unlock()
}

func TestEndUsingConnectionRespectsMaxIdlePerAddr(t *testing.T) {
	addr, closeFn := startEchoListener(t)
	defer closeFn()

	c := New(Config{MaxIdlePerAddr: 1}, nil)
	a, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)
	b, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)

	c.EndUsingConnection(addr, a, false)
	c.EndUsingConnection(addr, b, false)

	c.mu.Lock()
	assert.Len(t, c.idle[addr], 1)
	c.mu.Unlock()
}

func TestScoreReflectsErrorsAndRTT(t *testing.T) {
	c := New(Config{}, nil)
	before := c.Score("10.0.0.1:9422")

	c.RecordError("10.0.0.1:9422")
	after := c.Score("10.0.0.1:9422")

	assert.Greater(t, after, before)
}

func TestStartUsingConnectionFailsOnUnroutableAddress(t *testing.T) {
	c := New(Config{ConnectTimeout: 50 * time.Millisecond}, nil)
	_, err := c.StartUsingConnection(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)

	// a dial failure must still be reflected in the address's score.
	assert.Greater(t, c.Score("127.0.0.1:1"), 0.0)
}

func TestSweepClosesStaleIdleConnections(t *testing.T) {
	addr, closeFn := startEchoListener(t)
	defer closeFn()

	c := New(Config{IdleTimeout: time.Millisecond}, nil)
	conn, err := c.StartUsingConnection(context.Background(), addr)
	require.NoError(t, err)
	c.EndUsingConnection(addr, conn, false)

	time.Sleep(5 * time.Millisecond)
	c.Sweep()

	c.mu.Lock()
	assert.Empty(t, c.idle[addr])
	c.mu.Unlock()
}
