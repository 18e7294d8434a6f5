// Package connector implements the chunkserver connector (C10, §4.10):
// a pooled-socket client used by the client chunk writer, the read
// planner's fetch step, and the chunkserver replicator to reach other
// chunkservers.
package connector

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/viki-org/dnscache"

	"github.com/lizardfs/lizardfs/pkg/utils"
)

var logger = utils.GetLogger("connector")

// Stats is the per-server aggregated view consumed by the read planner
// as a score (§4.2, §4.10): a smoothed RTT estimate and a running error
// count.
type Stats struct {
	mu       sync.Mutex
	rttEMA   float64
	errCount int64
}

const rttEMAWeight = 0.2

func (s *Stats) observeRTT(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := float64(d.Milliseconds())
	if s.rttEMA == 0 {
		s.rttEMA = ms
		return
	}
	s.rttEMA = rttEMAWeight*ms + (1-rttEMAWeight)*s.rttEMA
}

func (s *Stats) observeError() {
	s.mu.Lock()
	s.errCount++
	s.mu.Unlock()
}

// Score returns a single comparable figure of merit for the read
// planner: a higher score means a worse (slower / more error-prone)
// server.
func (s *Stats) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rttEMA + float64(s.errCount)*50
}

// Config bounds the connect timeout, idle-connection lifetime and pool
// size, and backpressure, per §5/§6; it sets no read or write timeout.
type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxIdlePerAddr int
	// RateLimitBytesPerSec throttles bytes/sec per connection when > 0
	// (§5 "Backpressure").
	RateLimitBytesPerSec int64
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxIdlePerAddr == 0 {
		c.MaxIdlePerAddr = 4
	}
	return c
}

type pooledConn struct {
	net.Conn
	addr     string
	returned time.Time
}

// Connector maintains a pool of address -> idle sockets (§4.10). It is
// the one genuinely shared mutable structure in the concurrency model
// (§5): its idle lists are protected by mu regardless of whether callers
// are single-threaded (master) or parallel (client chunk session).
type Connector struct {
	cfg     Config
	dns     *dnscache.Resolver
	mu      sync.Mutex
	idle    map[string][]*pooledConn
	stats   map[string]*Stats
	buckets map[string]*ratelimit.Bucket

	rttHist *prometheus.HistogramVec
	errs    *prometheus.CounterVec
}

// New constructs a Connector. reg may be nil to skip metrics
// registration (e.g. in tests).
func New(cfg Config, reg prometheus.Registerer) *Connector {
	c := &Connector{
		cfg:     cfg.withDefaults(),
		dns:     dnscache.New(time.Minute),
		idle:    map[string][]*pooledConn{},
		stats:   map[string]*Stats{},
		buckets: map[string]*ratelimit.Bucket{},
		rttHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lizardfs",
			Subsystem: "connector",
			Name:      "rtt_seconds",
			Help:      "round-trip time observed per chunkserver address",
		}, []string{"addr"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lizardfs",
			Subsystem: "connector",
			Name:      "errors_total",
			Help:      "connection errors observed per chunkserver address",
		}, []string{"addr"}),
	}
	if reg != nil {
		reg.MustRegister(c.rttHist, c.errs)
	}
	return c
}

// StartUsingConnection returns a live socket to addr, reusing an idle
// one if available, dialing otherwise, and failing if ctx's deadline
// passes first (§4.10).
func (c *Connector) StartUsingConnection(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	list := c.idle[addr]
	if n := len(list); n > 0 {
		conn := list[n-1]
		c.idle[addr] = list[:n-1]
		c.mu.Unlock()
		return c.wrap(addr, conn.Conn), nil
	}
	c.mu.Unlock()

	start := time.Now()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "split address %q", addr)
	}
	ips, err := c.dns.Fetch(host)
	if err != nil || len(ips) == 0 {
		ips = []net.IP{net.ParseIP(host)}
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	deadline, ok := ctx.Deadline()
	if ok {
		if remaining := time.Until(deadline); remaining < c.cfg.ConnectTimeout {
			dialer.Timeout = remaining
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ips[0].String(), port))
	if err != nil {
		c.statsFor(addr).observeError()
		if c.errs != nil {
			c.errs.WithLabelValues(addr).Inc()
		}
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		tuneKeepalive(tc)
	}
	c.statsFor(addr).observeRTT(time.Since(start))
	if c.rttHist != nil {
		c.rttHist.WithLabelValues(addr).Observe(time.Since(start).Seconds())
	}
	return c.wrap(addr, conn), nil
}

func (c *Connector) wrap(addr string, conn net.Conn) net.Conn {
	c.mu.Lock()
	bucket, ok := c.buckets[addr]
	if !ok && c.cfg.RateLimitBytesPerSec > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(c.cfg.RateLimitBytesPerSec), c.cfg.RateLimitBytesPerSec)
		c.buckets[addr] = bucket
	}
	c.mu.Unlock()
	if bucket == nil {
		return conn
	}
	return &throttledConn{Conn: conn, bucket: bucket}
}

// EndUsingConnection returns fd to the pool unless closed is true, in
// which case the caller has already closed it (§4.10).
func (c *Connector) EndUsingConnection(addr string, conn net.Conn, closed bool) {
	if closed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.idle[addr]
	if len(list) >= c.cfg.MaxIdlePerAddr {
		_ = conn.Close()
		return
	}
	if tc, ok := conn.(*throttledConn); ok {
		conn = tc.Conn
	}
	c.idle[addr] = append(list, &pooledConn{Conn: conn, addr: addr, returned: time.Now()})
}

// RecordError attributes an I/O failure to addr's stats, feeding the
// read planner's score map (§4.2).
func (c *Connector) RecordError(addr string) {
	c.statsFor(addr).observeError()
	if c.errs != nil {
		c.errs.WithLabelValues(addr).Inc()
	}
}

// Score returns addr's current figure of merit (lower is better, ties
// broken by stable part ordering in the planner).
func (c *Connector) Score(addr string) float64 {
	return c.statsFor(addr).Score()
}

func (c *Connector) statsFor(addr string) *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[addr]
	if !ok {
		s = &Stats{}
		c.stats[addr] = s
	}
	return s
}

// Sweep closes idle connections that have been idle longer than
// IdleTimeout; intended to be called periodically by the owning daemon.
func (c *Connector) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for addr, list := range c.idle {
		kept := list[:0]
		for _, pc := range list {
			if now.Sub(pc.returned) > c.cfg.IdleTimeout {
				_ = pc.Close()
				continue
			}
			kept = append(kept, pc)
		}
		c.idle[addr] = kept
	}
}

type throttledConn struct {
	net.Conn
	bucket *ratelimit.Bucket
}

func (t *throttledConn) Write(p []byte) (int, error) {
	t.bucket.Wait(int64(len(p)))
	return t.Conn.Write(p)
}
