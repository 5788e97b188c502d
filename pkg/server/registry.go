package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// ConnID identifies a connection for its whole lifetime. IDs are never reused.
type ConnID uint64

// NoConn is the zero ConnID; it never names a live connection.
const NoConn ConnID = 0

var (
	ErrHandleTaken       = errors.New("handle already taken")
	ErrAlreadyRegistered = errors.New("connection already has a handle")
	ErrNotRegistered     = errors.New("connection has no handle")
)

// registration is the display form of a handle plus its folded key.
type registration struct {
	handle string
	key    string
}

// Registry maps connections to handles and case-folded handles back to
// connections. Both directions are guarded by one lock so they never disagree.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[ConnID]registration
	byHandle map[string]ConnID // folded handle -> connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byConn:   make(map[ConnID]registration),
		byHandle: make(map[string]ConnID),
	}
}

// Claim binds handle to id. Exactly one of several concurrent claims for
// handles that fold to the same key succeeds.
func (r *Registry) Claim(id ConnID, handle string) error {
	key := protocol.FoldHandle(handle)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[id]; ok {
		return ErrAlreadyRegistered
	}
	if _, ok := r.byHandle[key]; ok {
		return ErrHandleTaken
	}

	r.byConn[id] = registration{handle: handle, key: key}
	r.byHandle[key] = id
	return nil
}

// Rename atomically replaces the handle of a registered connection and
// returns the previous one. On error both mappings are unchanged.
// Renaming to another casing of the current handle succeeds.
func (r *Registry) Rename(id ConnID, handle string) (string, error) {
	key := protocol.FoldHandle(handle)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byConn[id]
	if !ok {
		return "", ErrNotRegistered
	}
	if owner, taken := r.byHandle[key]; taken && owner != id {
		return "", ErrHandleTaken
	}

	delete(r.byHandle, cur.key)
	r.byConn[id] = registration{handle: handle, key: key}
	r.byHandle[key] = id
	return cur.handle, nil
}

// Lookup resolves a handle case-insensitively
func (r *Registry) Lookup(handle string) (ConnID, bool) {
	key := protocol.FoldHandle(handle)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHandle[key]
	return id, ok
}

// HandleOf returns the display handle of id
func (r *Registry) HandleOf(id ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byConn[id]
	return reg.handle, ok
}

// Remove drops id and its handle. Removing an unknown id is a no-op.
func (r *Registry) Remove(id ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byConn[id]
	if !ok {
		return "", false
	}
	delete(r.byConn, id)
	delete(r.byHandle, reg.key)
	return reg.handle, true
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Handles returns the display handles of the given connections, ordered
// case-insensitively. Connections without a handle are skipped. With no ids,
// every handle is returned.
func (r *Registry) Handles(ids ...ConnID) []string {
	r.mu.RLock()
	var regs []registration
	if len(ids) == 0 {
		regs = make([]registration, 0, len(r.byConn))
		for _, reg := range r.byConn {
			regs = append(regs, reg)
		}
	} else {
		regs = make([]registration, 0, len(ids))
		for _, id := range ids {
			if reg, ok := r.byConn[id]; ok {
				regs = append(regs, reg)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].key < regs[j].key })
	handles := make([]string, len(regs))
	for i, reg := range regs {
		handles[i] = reg.handle
	}
	return handles
}
