package relay

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/logging"
)

const registryShards = 32

// registryShard holds the secondary and tertiary indices for the users that
// hash to it. All indices of one user live in the same shard.
type registryShard struct {
	mu      sync.RWMutex
	users   map[string]map[string]*Connection
	threads map[events.Key]map[string]*Connection
	subs    map[string]map[string]struct{}
}

// Registry tracks registered connections by id, by user and by
// (user, thread). Lookups return snapshots; entries are purged synchronously
// on Unregister. It is safe for concurrent use.
type Registry struct {
	// idsMu guards the primary map and serializes membership changes.
	// Lock order: idsMu, then a shard lock.
	idsMu sync.RWMutex
	ids   map[string]*Connection

	shards [registryShards]*registryShard
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		ids:    make(map[string]*Connection),
		logger: logging.Registry(),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{
			users:   make(map[string]map[string]*Connection),
			threads: make(map[events.Key]map[string]*Connection),
			subs:    make(map[string]map[string]struct{}),
		}
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%registryShards]
}

// Register adds an Authenticated (or Active) connection. It returns a
// *DuplicateConnectionError when the id is already present.
func (r *Registry) Register(c *Connection) error {
	state, userID := c.State(), c.UserID()
	if !state.Registered() {
		return &TransitionError{From: state, To: StateAuthenticated}
	}
	if userID == "" {
		return ErrConnectionNotReady
	}

	r.idsMu.Lock()
	defer r.idsMu.Unlock()

	if _, exists := r.ids[c.id]; exists {
		r.logger.Error("Duplicate connection id", "connection_id", c.id, "user_id", userID)
		return &DuplicateConnectionError{ConnectionID: c.id}
	}
	r.ids[c.id] = c

	s := r.shard(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]*Connection)
		s.users[userID] = conns
	}
	conns[c.id] = c
	s.subs[c.id] = make(map[string]struct{})
	s.mu.Unlock()

	r.logger.Debug("Connection registered", "connection_id", c.id, "user_id", userID)
	return nil
}

// Unregister removes a connection from every index. Unknown ids and repeated
// calls are no-ops.
func (r *Registry) Unregister(connectionID string) {
	r.unregister(connectionID, nil)
}

// unregister removes connectionID. When only is set, the entry is removed
// only if it is that exact connection, so a connection that lost an id
// collision cannot evict the owner of the id.
func (r *Registry) unregister(connectionID string, only *Connection) {
	r.idsMu.Lock()
	defer r.idsMu.Unlock()

	c, ok := r.ids[connectionID]
	if !ok || (only != nil && c != only) {
		return
	}
	userID := c.UserID()

	// Secondary indices go first so they never reference an id missing from
	// the primary map.
	s := r.shard(userID)
	s.mu.Lock()
	for threadID := range s.subs[connectionID] {
		key := events.Key{UserID: userID, ThreadID: threadID}
		if conns := s.threads[key]; conns != nil {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(s.threads, key)
			}
		}
	}
	delete(s.subs, connectionID)
	if conns := s.users[userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(s.users, userID)
		}
	}
	s.mu.Unlock()

	delete(r.ids, connectionID)
	r.logger.Debug("Connection unregistered", "connection_id", connectionID, "user_id", userID)
}

// Get returns the registered connection with the given id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	c, ok := r.ids[connectionID]
	return c, ok
}

// ConnectionsForUser returns a snapshot of the user's connections.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	if userID == "" {
		return nil
	}
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.users[userID], userID)
}

// ConnectionsForThread returns a snapshot of the connections of userID that
// are subscribed to threadID. Connections of other users are never returned.
func (r *Registry) ConnectionsForThread(userID, threadID string) []*Connection {
	if userID == "" || threadID == "" {
		return nil
	}
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.threads[events.Key{UserID: userID, ThreadID: threadID}], userID)
}

func snapshot(conns map[string]*Connection, userID string) []*Connection {
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if c.UserID() != userID {
			continue
		}
		if !c.State().Registered() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Subscribe adds threadID to the connection's subscriptions. Subscribing twice
// is a no-op.
func (r *Registry) Subscribe(connectionID, threadID string) error {
	return r.updateSubscription(connectionID, threadID, true)
}

// Unsubscribe removes threadID from the connection's subscriptions.
// Unsubscribing a thread that was never subscribed is a no-op.
func (r *Registry) Unsubscribe(connectionID, threadID string) error {
	return r.updateSubscription(connectionID, threadID, false)
}

func (r *Registry) updateSubscription(connectionID, threadID string, subscribe bool) error {
	if threadID == "" {
		return ErrNotSubscribed
	}

	r.idsMu.RLock()
	defer r.idsMu.RUnlock()

	c, ok := r.ids[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	userID := c.UserID()
	key := events.Key{UserID: userID, ThreadID: threadID}

	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[connectionID]
	if subscribe {
		if _, already := subs[threadID]; already {
			return nil
		}
		subs[threadID] = struct{}{}
		conns, ok := s.threads[key]
		if !ok {
			conns = make(map[string]*Connection)
			s.threads[key] = conns
		}
		conns[connectionID] = c
		return nil
	}

	if _, subscribed := subs[threadID]; !subscribed {
		return nil
	}
	delete(subs, threadID)
	if conns := s.threads[key]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(s.threads, key)
		}
	}
	return nil
}

// IsSubscribed reports whether the connection currently observes threadID.
func (r *Registry) IsSubscribed(c *Connection, threadID string) bool {
	s := r.shard(c.UserID())
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[c.id][threadID]
	return ok
}

// Threads returns the sorted thread subscriptions of a connection.
func (r *Registry) Threads(connectionID string) []string {
	c, ok := r.Get(connectionID)
	if !ok {
		return nil
	}
	s := r.shard(c.UserID())
	s.mu.RLock()
	threads := make([]string, 0, len(s.subs[connectionID]))
	for t := range s.subs[connectionID] {
		threads = append(threads, t)
	}
	s.mu.RUnlock()
	sort.Strings(threads)
	return threads
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	out := make([]*Connection, 0, len(r.ids))
	for _, c := range r.ids {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	return len(r.ids)
}

// Users returns the number of users with at least one registered connection.
func (r *Registry) Users() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
