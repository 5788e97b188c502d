package server

import (
	"sort"
	"sync"
)

// DefaultGroupName is used when no default group is configured
const DefaultGroupName = "public"

// GroupSummary describes one group for listings
type GroupSummary struct {
	Name    string
	Members int
}

// Directory tracks group membership. Every connection is in exactly one
// group; membership and the reverse index change together under one lock.
type Directory struct {
	mu           sync.RWMutex
	groups       map[string]map[ConnID]struct{}
	memberOf     map[ConnID]string
	defaultGroup string
	evictEmpty   bool
}

// NewDirectory creates a directory whose default group always exists.
// When evictEmpty is set, a non-default group is dropped as soon as its
// last member leaves.
func NewDirectory(defaultGroup string, evictEmpty bool) *Directory {
	if defaultGroup == "" {
		defaultGroup = DefaultGroupName
	}
	return &Directory{
		groups:       map[string]map[ConnID]struct{}{defaultGroup: {}},
		memberOf:     make(map[ConnID]string),
		defaultGroup: defaultGroup,
		evictEmpty:   evictEmpty,
	}
}

// DefaultGroup returns the name of the permanent group
func (d *Directory) DefaultGroup() string {
	return d.defaultGroup
}

// Join moves id into group, creating it if needed. It returns the group id
// was in before and whether it actually moved; joining the current group is
// a no-op. A connection that was in no group reports the default group as
// previous.
func (d *Directory) Join(id ConnID, group string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, member := d.memberOf[id]
	if member && prev == group {
		return prev, false
	}
	if member {
		d.removeLocked(id, prev)
	} else {
		prev = d.defaultGroup
	}

	members, ok := d.groups[group]
	if !ok {
		members = make(map[ConnID]struct{})
		d.groups[group] = members
	}
	members[id] = struct{}{}
	d.memberOf[id] = group

	return prev, true
}

// Leave removes id from its group and returns that group
func (d *Directory) Leave(id ConnID) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, ok := d.memberOf[id]
	if !ok {
		return "", false
	}
	d.removeLocked(id, group)
	return group, true
}

// removeLocked drops id from group, evicting the group if it became empty.
// Caller must hold d.mu.
func (d *Directory) removeLocked(id ConnID, group string) {
	delete(d.memberOf, id)
	members := d.groups[group]
	delete(members, id)
	if len(members) == 0 && d.evictEmpty && group != d.defaultGroup {
		delete(d.groups, group)
	}
}

// MembersOf returns a snapshot of the members of group
func (d *Directory) MembersOf(group string) []ConnID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := d.groups[group]
	ids := make([]ConnID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// GroupOf returns the group id is in, or the default group if it never joined one
func (d *Directory) GroupOf(id ConnID) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if group, ok := d.memberOf[id]; ok {
		return group
	}
	return d.defaultGroup
}

// HasGroup reports whether group currently exists
func (d *Directory) HasGroup(group string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[group]
	return ok
}

// Groups lists every group with its member count, default group first,
// the rest by name.
func (d *Directory) Groups() []GroupSummary {
	d.mu.RLock()
	out := make([]GroupSummary, 0, len(d.groups))
	for name, members := range d.groups {
		out = append(out, GroupSummary{Name: name, Members: len(members)})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == d.defaultGroup {
			return out[j].Name != d.defaultGroup
		}
		if out[j].Name == d.defaultGroup {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of existing groups
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}
