// Package nametable tracks bus name ownership: the unique name assigned
// to every endpoint and the well-known aliases endpoints request on top
// of them. Alias ownership follows the queueing rules selected by the
// request flags, and every ownership transfer is reported to registered
// listeners in commit order.
package nametable

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
)

var log = logging.MustGetLogger("nametable")

// Request flags.
const (
	// FlagAllowReplacement lets a later REPLACE_EXISTING request take the
	// alias from the current owner.
	FlagAllowReplacement uint32 = 0x01
	// FlagReplaceExisting takes the alias if the current owner allows
	// replacement.
	FlagReplaceExisting uint32 = 0x02
	// FlagDoNotQueue declines queueing when the alias cannot be acquired
	// immediately.
	FlagDoNotQueue uint32 = 0x04
)

// RequestName result codes.
const (
	// RequestPrimaryOwner indicates the caller now owns the alias.
	RequestPrimaryOwner uint32 = 1
	// RequestInQueue indicates the caller was queued behind the owner.
	RequestInQueue uint32 = 2
	// RequestExists indicates the alias is taken and the caller declined
	// to queue.
	RequestExists uint32 = 3
	// RequestAlreadyOwner indicates the caller already owns the alias.
	RequestAlreadyOwner uint32 = 4
)

// ReleaseName result codes.
const (
	// ReleaseReleased indicates the alias was released.
	ReleaseReleased uint32 = 1
	// ReleaseNonExistent indicates the alias has no owner anywhere.
	ReleaseNonExistent uint32 = 2
	// ReleaseNotOwner indicates the alias is owned but not by the caller.
	ReleaseNotOwner uint32 = 3
)

var (
	// ErrNameInUse occurs when adding a unique name that is already
	// registered.
	ErrNameInUse = errors.New("unique name already registered")

	// ErrBadName occurs when a name fails validation.
	ErrBadName = errors.New("invalid bus name")
)

// Listener observes alias ownership transfers. oldOwner or newOwner is
// empty when the alias appears or disappears. Listeners run with the
// transfer lock held and must not mutate the table; reads are safe.
type Listener func(alias, oldOwner, newOwner string)

type queueEntry struct {
	owner string
	flags uint32
}

type aliasEntry struct {
	// queue[0] is the current owner.
	queue []queueEntry
}

// Table is the daemon's name registry. Unique names map to endpoints;
// aliases map to an owner queue of unique names.
//
// Mutations take emitMu before mu and hold it across listener fan-out,
// so transfers are observed in commit order and listeners may read the
// table without deadlocking.
type Table struct {
	emitMu sync.Mutex

	mu      sync.RWMutex
	unique  map[string]endpoint.Endpoint
	aliases map[string]*aliasEntry

	listeners []Listener
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		unique:  make(map[string]endpoint.Endpoint),
		aliases: make(map[string]*aliasEntry),
	}
}

// AddListener registers an ownership transfer observer.
func (t *Table) AddListener(l Listener) {
	t.emitMu.Lock()
	t.listeners = append(t.listeners, l)
	t.emitMu.Unlock()
}

// IsUniqueName reports whether name has the unique name form.
func IsUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// ValidAlias reports whether name is a well-formed well-known name: at
// least two non-empty dot-separated elements, no leading digit in an
// element, and no colon prefix.
func ValidAlias(name string) bool {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ":") {
		return false
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return false
	}
	for _, e := range elems {
		if e == "" {
			return false
		}
		if e[0] >= '0' && e[0] <= '9' {
			return false
		}
		for i := 0; i < len(e); i++ {
			c := e[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '_' || c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// AddUniqueName registers an endpoint under its unique name and announces
// the name's appearance.
func (t *Table) AddUniqueName(ep endpoint.Endpoint) error {
	name := ep.UniqueName()
	if !IsUniqueName(name) {
		return ErrBadName
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if _, ok := t.unique[name]; ok {
		t.mu.Unlock()
		return ErrNameInUse
	}
	t.unique[name] = ep
	t.mu.Unlock()

	t.emit(name, "", name)
	return nil
}

// RemoveUniqueName drops a unique name, releases every alias the name
// owns or queues for, and announces the departures.
func (t *Table) RemoveUniqueName(name string) {
	type transfer struct {
		alias, oldOwner, newOwner string
	}
	var transfers []transfer

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if _, ok := t.unique[name]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.unique, name)

	for alias, entry := range t.aliases {
		wasOwner := entry.queue[0].owner == name
		entry.remove(name)
		if len(entry.queue) == 0 {
			delete(t.aliases, alias)
			if wasOwner {
				transfers = append(transfers, transfer{alias, name, ""})
			}
			continue
		}
		if wasOwner {
			transfers = append(transfers, transfer{alias, name, entry.queue[0].owner})
		}
	}
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].alias < transfers[j].alias })
	t.mu.Unlock()

	for _, tr := range transfers {
		t.emit(tr.alias, tr.oldOwner, tr.newOwner)
	}
	t.emit(name, name, "")
}

// FindEndpoint resolves a bus name, following alias ownership, to its
// endpoint.
func (t *Table) FindEndpoint(name string) (endpoint.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	unique := name
	if !IsUniqueName(name) {
		entry, ok := t.aliases[name]
		if !ok {
			return nil, false
		}
		unique = entry.queue[0].owner
	}
	ep, ok := t.unique[unique]
	return ep, ok
}

// Owner returns the unique name owning the alias, or empty.
func (t *Table) Owner(alias string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if IsUniqueName(alias) {
		if _, ok := t.unique[alias]; ok {
			return alias
		}
		return ""
	}
	if entry, ok := t.aliases[alias]; ok {
		return entry.queue[0].owner
	}
	return ""
}

// RequestName acquires or queues for an alias on behalf of owner per the
// request flags and returns the result code.
func (t *Table) RequestName(alias, owner string, flags uint32) (uint32, error) {
	if !ValidAlias(alias) {
		return 0, ErrBadName
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if _, ok := t.unique[owner]; !ok {
		t.mu.Unlock()
		return 0, ErrBadName
	}

	entry, ok := t.aliases[alias]
	if !ok {
		t.aliases[alias] = &aliasEntry{queue: []queueEntry{{owner, flags}}}
		t.mu.Unlock()
		t.emit(alias, "", owner)
		return RequestPrimaryOwner, nil
	}

	if entry.queue[0].owner == owner {
		// Refresh the flags; a re-request may change replacement policy.
		entry.queue[0].flags = flags
		t.mu.Unlock()
		return RequestAlreadyOwner, nil
	}

	old := entry.queue[0]
	if flags&FlagReplaceExisting != 0 && old.flags&FlagAllowReplacement != 0 {
		// The displaced owner stays at the head of the queue unless it
		// originally declined queueing.
		if old.flags&FlagDoNotQueue != 0 {
			entry.queue = entry.queue[1:]
		}
		entry.remove(owner)
		entry.queue = append([]queueEntry{{owner, flags}}, entry.queue...)
		t.mu.Unlock()
		t.emit(alias, old.owner, owner)
		return RequestPrimaryOwner, nil
	}

	if flags&FlagDoNotQueue != 0 {
		entry.remove(owner)
		t.mu.Unlock()
		return RequestExists, nil
	}

	entry.remove(owner)
	entry.queue = append(entry.queue, queueEntry{owner, flags})
	t.mu.Unlock()
	return RequestInQueue, nil
}

// ReleaseName gives up owner's claim on the alias, promoting the next
// queued claimant if owner held it, and returns the result code.
func (t *Table) ReleaseName(alias, owner string) uint32 {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	entry, ok := t.aliases[alias]
	if !ok {
		t.mu.Unlock()
		return ReleaseNonExistent
	}

	if entry.queue[0].owner != owner {
		had := entry.remove(owner)
		t.mu.Unlock()
		if had {
			return ReleaseReleased
		}
		return ReleaseNotOwner
	}

	entry.queue = entry.queue[1:]
	newOwner := ""
	if len(entry.queue) == 0 {
		delete(t.aliases, alias)
	} else {
		newOwner = entry.queue[0].owner
	}
	t.mu.Unlock()
	t.emit(alias, owner, newOwner)
	return ReleaseReleased
}

// ListNames returns every owned name, unique names first.
func (t *Table) ListNames() []string {
	t.mu.RLock()
	uniques := make([]string, 0, len(t.unique))
	for name := range t.unique {
		uniques = append(uniques, name)
	}
	aliases := make([]string, 0, len(t.aliases))
	for name := range t.aliases {
		aliases = append(aliases, name)
	}
	t.mu.RUnlock()

	sort.Strings(uniques)
	sort.Strings(aliases)
	return append(uniques, aliases...)
}

// ListQueued returns the unique names queued behind the alias owner.
func (t *Table) ListQueued(alias string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.aliases[alias]
	if !ok || len(entry.queue) < 2 {
		return nil
	}
	out := make([]string, 0, len(entry.queue)-1)
	for _, qe := range entry.queue[1:] {
		out = append(out, qe.owner)
	}
	return out
}

// AliasesOf returns every alias currently owned by the unique name.
func (t *Table) AliasesOf(owner string) []string {
	t.mu.RLock()
	var out []string
	for alias, entry := range t.aliases {
		if entry.queue[0].owner == owner {
			out = append(out, alias)
		}
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// UniqueNames returns every registered unique name.
func (t *Table) UniqueNames() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.unique))
	for name := range t.unique {
		out = append(out, name)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// WalkEndpoints calls fn with a snapshot of every registered endpoint.
func (t *Table) WalkEndpoints(fn func(ep endpoint.Endpoint)) {
	t.mu.RLock()
	eps := make([]endpoint.Endpoint, 0, len(t.unique))
	for _, ep := range t.unique {
		eps = append(eps, ep)
	}
	t.mu.RUnlock()
	for _, ep := range eps {
		fn(ep)
	}
}

// emit fans a transfer out to listeners. Callers hold emitMu.
func (t *Table) emit(alias, oldOwner, newOwner string) {
	log.Debugf("name %q owner %q -> %q", alias, oldOwner, newOwner)
	for _, l := range t.listeners {
		l(alias, oldOwner, newOwner)
	}
}

func (e *aliasEntry) remove(owner string) bool {
	for i, qe := range e.queue {
		if qe.owner == owner {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}
