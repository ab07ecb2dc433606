package notify

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const registryShards = 16

// Session is one connected real-time client. Send must not block; a session
// that cannot accept a payload returns an error and is dropped.
type Session interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close() error
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// registry indexes sessions by id and by user id. Each index is split into
// shards so connect and disconnect never block a broadcast over other shards.
type registry struct {
	sessions [registryShards]sessionShard
	users    [registryShards]userShard
	count    atomic.Int64
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.sessions {
		r.sessions[i].sessions = make(map[string]Session)
		r.users[i].users = make(map[string]map[string]struct{})
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

// reserve claims one slot of the count unless limit is reached. A limit of
// zero means unlimited.
func (r *registry) reserve(limit int) bool {
	for {
		n := r.count.Load()
		if limit > 0 && n >= int64(limit) {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// add registers s within limit.
func (r *registry) add(s Session, limit int) error {
	if !r.reserve(limit) {
		return ErrTooManySessions
	}
	ss := &r.sessions[shardOf(s.ID())]
	ss.mu.Lock()
	if _, ok := ss.sessions[s.ID()]; ok {
		ss.mu.Unlock()
		r.count.Add(-1)
		return ErrDuplicateSession
	}
	ss.sessions[s.ID()] = s
	ss.mu.Unlock()

	if uid := s.UserID(); uid != "" {
		us := &r.users[shardOf(uid)]
		us.mu.Lock()
		set, ok := us.users[uid]
		if !ok {
			set = make(map[string]struct{})
			us.users[uid] = set
		}
		set[s.ID()] = struct{}{}
		us.mu.Unlock()
	}
	return nil
}

func (r *registry) remove(id string) (Session, bool) {
	ss := &r.sessions[shardOf(id)]
	ss.mu.Lock()
	s, ok := ss.sessions[id]
	if ok {
		delete(ss.sessions, id)
	}
	ss.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.count.Add(-1)

	if uid := s.UserID(); uid != "" {
		us := &r.users[shardOf(uid)]
		us.mu.Lock()
		if set, ok := us.users[uid]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(us.users, uid)
			}
		}
		us.mu.Unlock()
	}
	return s, true
}

func (r *registry) get(id string) (Session, bool) {
	ss := &r.sessions[shardOf(id)]
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.sessions[id]
	return s, ok
}

func (r *registry) forUser(userID string) []Session {
	us := &r.users[shardOf(userID)]
	us.mu.RLock()
	ids := make([]string, 0, len(us.users[userID]))
	for id := range us.users[userID] {
		ids = append(ids, id)
	}
	us.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.get(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// all returns a snapshot. Locks are taken one shard at a time.
func (r *registry) all() []Session {
	out := make([]Session, 0, r.count.Load())
	for i := range r.sessions {
		ss := &r.sessions[i]
		ss.mu.RLock()
		for _, s := range ss.sessions {
			out = append(out, s)
		}
		ss.mu.RUnlock()
	}
	return out
}

func (r *registry) len() int {
	return int(r.count.Load())
}
