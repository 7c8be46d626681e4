package mesh

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buhuipao/anymesh/pkg/common/monitoring"
	"github.com/buhuipao/anymesh/pkg/common/protocol"
	"github.com/buhuipao/anymesh/pkg/logger"
)

// Registry maps node identities to their live session. At most one session per identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// probeWindow bounds how long an incumbent may leave a ping unanswered before a new upgrade evicts it
	probeWindow time.Duration

	// seq is shared by every session the registry creates, so a late response from an
	// evicted session can never match a call on its replacement.
	seq atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry(probeWindow time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		probeWindow: probeWindow,
	}
}

// Register allocates the session for id. A live incumbent rejects the call with
// ErrAlreadyConnected; an incumbent whose transport fails its probe is evicted first.
func (r *Registry) Register(id string) (*Session, error) {
	r.mu.RLock()
	incumbent := r.sessions[id]
	r.mu.RUnlock()

	// Probe outside the lock, it writes to the network
	if incumbent != nil && incumbent.alive(r.probeWindow) {
		return nil, ErrAlreadyConnected
	}

	r.mu.Lock()
	if r.sessions[id] != incumbent {
		// Another upgrade for the same identity won the race
		r.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	s := newSession(id, &r.seq)
	r.sessions[id] = s
	r.mu.Unlock()

	if incumbent != nil {
		logger.Info("Evicting dead session", "node_id", id, "conn_id", incumbent.ConnID)
		monitoring.DecrementActiveSessions()
		incumbent.Close()
	}

	monitoring.IncrementActiveSessions()
	logger.Debug("Session registered", "node_id", id, "conn_id", s.ConnID)
	return s, nil
}

// Lookup returns the live session for id
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unlinks id and closes its session, waking every blocked caller
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		monitoring.DecrementActiveSessions()
		s.Close()
	}
}

// RemoveSession unlinks s only if it is still the registered session for its identity,
// so the teardown of an evicted session never unlinks its replacement. s is closed either way.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	removed := r.sessions[s.ID] == s
	if removed {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if removed {
		monitoring.DecrementActiveSessions()
	}
	s.Close()
	return removed
}

// Resolve routes a response to the call waiting on (id, resp.Seq)
func (r *Registry) Resolve(id string, resp *protocol.Message) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	return s.Resolve(resp)
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by node id
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].NodeID < infos[j].NodeID
	})
	return infos
}

// CloseAll removes and closes every session
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		monitoring.DecrementActiveSessions()
		s.Close()
	}
}
