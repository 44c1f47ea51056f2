package dispatcher

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"bitbucket.org/yellowmessenger/callcontrol/contracts"
)

// Callback receives a dispatched event. It runs on the dispatcher's worker
// pool, never on the transport's read loop.
type Callback func(e *contracts.Event)

// listener is one registration in the registry. Liveness is checked at
// delivery time, so an unsubscribed listener never fires even if an event for
// it was already queued.
type listener struct {
	eventType string
	scope     string
	cb        Callback
	once      bool
	alive     atomic.Bool
	fired     atomic.Bool

	// Private delivery queue, drained sequentially so this listener sees its
	// events in publish order.
	mu    sync.Mutex
	queue []*contracts.Event
	busy  bool
}

// Handle is the opaque token a subscriber uses to unsubscribe.
type Handle struct {
	l *listener
}

// shardCount must stay a power of two so the hash can be masked.
const shardCount = 32

// scopeState holds the listeners and the pending event queue for one dispatch
// scope (one channel/bridge ID, or the global scope "").
type scopeState struct {
	mu        sync.Mutex
	listeners []*listener
	pending   []*contracts.Event
	draining  bool
}

type shard struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState
}

type registry struct {
	shards [shardCount]*shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &shard{scopes: make(map[string]*scopeState)}
	}
	return r
}

func (r *registry) shardFor(scope string) *shard {
	h := fnv.New32a()
	h.Write([]byte(scope))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// get returns the scope state, or nil when the scope is unknown.
func (r *registry) get(scope string) *scopeState {
	sh := r.shardFor(scope)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.scopes[scope]
}

// getOrCreate returns the scope state, creating it when absent.
func (r *registry) getOrCreate(scope string) *scopeState {
	sh := r.shardFor(scope)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.scopes[scope]
	if !ok {
		s = &scopeState{}
		sh.scopes[scope] = s
	}
	return s
}

// dropIfEmpty removes a scope entry that has neither listeners nor queued
// events, so per-call scopes disappear with the call. The state mutex must
// not be held by the caller.
func (r *registry) dropIfEmpty(scope string, s *scopeState) {
	if scope == globalScope {
		return
	}
	sh := r.shardFor(scope)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 && len(s.pending) == 0 && !s.draining {
		if sh.scopes[scope] == s {
			delete(sh.scopes, scope)
		}
	}
}

// remove drops one listener from its scope's list.
func (r *registry) remove(l *listener) {
	s := r.get(l.scope)
	if s == nil {
		return
	}
	s.mu.Lock()
	for i, cand := range s.listeners {
		if cand == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	r.dropIfEmpty(l.scope, s)
}
