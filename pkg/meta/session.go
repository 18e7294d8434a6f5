package meta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SessionInfo describes one mounted client, as reported by the
// `mfsmaster` session list and used to scope flock/posix lock owners
// (§4.5, §4.7).
type SessionInfo struct {
	ID         uint64
	Hostname   string
	MountPoint string
	Started    time.Time
	LastSeen   time.Time
	Version    string
}

// SessionRegistry tracks live sessions and reaps ones that stop sending
// heartbeats, per §4.8's CleanStaleSessions sweep.
type SessionRegistry struct {
	mu      sync.Mutex
	timeout time.Duration
	next    uint64
	byID    map[uint64]*SessionInfo

	// mirror, when set, is written to on every heartbeat/new/remove so a
	// promoted shadow can answer ListSessions/GetSession immediately
	// after failover, without waiting for the next changelog-driven
	// rebuild (SPEC_FULL domain stack).
	mirror *redis.Client
}

// NewSessionRegistry constructs a registry with the given staleness
// timeout in seconds; a non-positive value falls back to the teacher's
// own 300-second convention.
func NewSessionRegistry(timeoutSeconds int64) *SessionRegistry {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &SessionRegistry{
		timeout: time.Duration(timeoutSeconds) * time.Second,
		next:    1,
		byID:    map[uint64]*SessionInfo{},
	}
}

// WithRedisMirror attaches an optional mirror client; nil disables
// mirroring (the default, used by shadows not acting as failover
// targets).
func (r *SessionRegistry) WithRedisMirror(client *redis.Client) *SessionRegistry {
	r.mirror = client
	return r
}

func (r *SessionRegistry) mirrorHeartbeat(s *SessionInfo) {
	if r.mirror == nil {
		return
	}
	key := fmt.Sprintf("lizardfs:session:%d", s.ID)
	if err := r.mirror.Set(context.Background(), key, s.LastSeen.Unix(), r.timeout).Err(); err != nil {
		logger.Warnf("session mirror set %s: %s", key, err)
	}
}

func (r *SessionRegistry) mirrorRemove(id uint64) {
	if r.mirror == nil {
		return
	}
	r.mirror.Del(context.Background(), fmt.Sprintf("lizardfs:session:%d", id))
}

// New registers a freshly connected client and returns its session id.
func (r *SessionRegistry) New(hostname, mountPoint, version string, now time.Time) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	s := &SessionInfo{
		ID:         id,
		Hostname:   hostname,
		MountPoint: mountPoint,
		Version:    version,
		Started:    now,
		LastSeen:   now,
	}
	r.byID[id] = s
	r.mirrorHeartbeat(s)
	return id
}

// Heartbeat refreshes a session's LastSeen, reporting false if the
// session id is unknown (already reaped or never registered).
func (r *SessionRegistry) Heartbeat(id uint64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	s.LastSeen = now
	r.mirrorHeartbeat(s)
	return true
}

// Get returns a copy of a session's info.
func (r *SessionRegistry) Get(id uint64) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// Remove explicitly drops a session (clean unmount, §4.5 "release").
func (r *SessionRegistry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	r.mirrorRemove(id)
}

// List returns every currently registered session.
func (r *SessionRegistry) List() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, *s)
	}
	return out
}

// CleanStale removes every session whose last heartbeat is older than
// the registry's timeout as of now, returning the reaped ids so the
// caller can release their locks and open-file state (§4.8).
func (r *SessionRegistry) CleanStale(now time.Time) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []uint64
	for id, s := range r.byID {
		if now.Sub(s.LastSeen) > r.timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.byID, id)
		r.mirrorRemove(id)
	}
	return stale
}
