package busobj

import (
	"sort"
	"time"
)

// multiset counts (key, member) pairs. The zero count is never stored; a
// key with no members is absent.
type multiset struct {
	m map[string]map[string]int
}

func newMultiset() *multiset {
	return &multiset{m: make(map[string]map[string]int)}
}

// add increments (key, member) and reports whether key was absent
// before.
func (s *multiset) add(key, member string) (first bool) {
	members, ok := s.m[key]
	if !ok {
		s.m[key] = map[string]int{member: 1}
		return true
	}
	members[member]++
	return false
}

// remove decrements (key, member). found reports the pair existed;
// emptied reports key has no members left.
func (s *multiset) remove(key, member string) (found, emptied bool) {
	members, ok := s.m[key]
	if !ok {
		return false, false
	}
	n, ok := members[member]
	if !ok {
		return false, false
	}
	if n <= 1 {
		delete(members, member)
	} else {
		members[member] = n - 1
	}
	if len(members) == 0 {
		delete(s.m, key)
		return true, true
	}
	return true, false
}

// drop removes key and all its members.
func (s *multiset) drop(key string) {
	delete(s.m, key)
}

// removeMember drops member from every key and returns the keys that
// became empty.
func (s *multiset) removeMember(member string) []string {
	var emptied []string
	for key, members := range s.m {
		if _, ok := members[member]; !ok {
			continue
		}
		delete(members, member)
		if len(members) == 0 {
			delete(s.m, key)
			emptied = append(emptied, key)
		}
	}
	sort.Strings(emptied)
	return emptied
}

// contains reports whether (key, member) is present.
func (s *multiset) contains(key, member string) bool {
	members, ok := s.m[key]
	if !ok {
		return false
	}
	_, ok = members[member]
	return ok
}

// hasKey reports whether key has any members.
func (s *multiset) hasKey(key string) bool {
	_, ok := s.m[key]
	return ok
}

// keys returns the sorted key set.
func (s *multiset) keys() []string {
	out := make([]string, 0, len(s.m))
	for key := range s.m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// membersOf returns the sorted members of key.
func (s *multiset) membersOf(key string) []string {
	members, ok := s.m[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for member := range members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

// advEntry is one received advertisement of a well-known name.
type advEntry struct {
	guid    string
	busAddr string
	stamp   time.Time
	ttl     time.Duration
}

func (e advEntry) expired(now time.Time) bool {
	return now.Sub(e.stamp) >= e.ttl
}

// nameMap caches advertisements received from remote daemons, keyed by
// well-known name. Multiple daemons may advertise the same name. Callers
// guard it with the discovery lock.
type nameMap struct {
	entries map[string][]advEntry
}

func newNameMap() *nameMap {
	return &nameMap{entries: make(map[string][]advEntry)}
}

// upsert records or refreshes the advertisement of name by guid.
func (nm *nameMap) upsert(name, guid, busAddr string, now time.Time, ttl time.Duration) {
	entries := nm.entries[name]
	for i, e := range entries {
		if e.guid == guid && e.busAddr == busAddr {
			entries[i].stamp = now
			entries[i].ttl = ttl
			return
		}
	}
	nm.entries[name] = append(entries, advEntry{guid: guid, busAddr: busAddr, stamp: now, ttl: ttl})
}

// removeGUID drops guid's advertisement of name and reports whether no
// advertiser of name remains.
func (nm *nameMap) removeGUID(name, guid string) (lost bool) {
	entries, ok := nm.entries[name]
	if !ok {
		return false
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.guid != guid {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(nm.entries, name)
		return true
	}
	nm.entries[name] = kept
	return false
}

// dropGUID removes every advertisement by guid and returns the entries
// whose names lost their last advertiser.
func (nm *nameMap) dropGUID(guid string) []lostName {
	var lost []lostName
	for name, entries := range nm.entries {
		kept := entries[:0]
		var dropped *advEntry
		for i := range entries {
			if entries[i].guid == guid {
				dropped = &entries[i]
				continue
			}
			kept = append(kept, entries[i])
		}
		if len(kept) == 0 {
			delete(nm.entries, name)
			if dropped != nil {
				lost = append(lost, lostName{name: name, guid: dropped.guid, busAddr: dropped.busAddr})
			}
			continue
		}
		nm.entries[name] = kept
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].name < lost[j].name })
	return lost
}

// expire removes lapsed entries and returns the names that lost their
// last advertiser.
func (nm *nameMap) expire(now time.Time) []lostName {
	var lost []lostName
	for name, entries := range nm.entries {
		kept := entries[:0]
		var dropped *advEntry
		for i := range entries {
			if entries[i].expired(now) {
				dropped = &entries[i]
				continue
			}
			kept = append(kept, entries[i])
		}
		if len(kept) == 0 {
			delete(nm.entries, name)
			if dropped != nil {
				lost = append(lost, lostName{name: name, guid: dropped.guid, busAddr: dropped.busAddr})
			}
			continue
		}
		nm.entries[name] = kept
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].name < lost[j].name })
	return lost
}

// liveMatching returns the live advertisements whose name starts with
// prefix.
func (nm *nameMap) liveMatching(prefix string, now time.Time) []foundName {
	var out []foundName
	for name, entries := range nm.entries {
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		for _, e := range entries {
			if e.expired(now) {
				continue
			}
			out = append(out, foundName{name: name, guid: e.guid, busAddr: e.busAddr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// size returns the number of cached names.
func (nm *nameMap) size() int { return len(nm.entries) }

type foundName struct {
	name    string
	guid    string
	busAddr string
}

type lostName struct {
	name    string
	guid    string
	busAddr string
}
