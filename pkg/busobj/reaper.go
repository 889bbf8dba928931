package busobj

import (
	"context"
	"time"
)

// ReapInterval is the period between expiry scans of the cached remote
// advertisements.
const ReapInterval = time.Second

// Reaper periodically expires cached remote advertisements and notifies
// the subscribers that lose a name.
type Reaper struct {
	obj *Obj
}

// NewReaper creates a Reaper over the control object's advertisement
// cache.
func NewReaper(obj *Obj) *Reaper {
	return &Reaper{obj: obj}
}

// Run scans until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.obj.clk.Ticker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.obj.reapExpired()
		}
	}
}

// reapExpired removes lapsed advertisements and emits LostAdvertisedName
// to every subscriber whose prefix matched a fully departed name.
func (o *Obj) reapExpired() {
	type emit struct {
		dest, prefix string
		ln           lostName
	}
	var emits []emit

	o.discoverMu.Lock()
	for _, ln := range o.advs.expire(o.clk.Now()) {
		for _, prefix := range o.discovers.keys() {
			if !matchesPrefix(ln.name, prefix) {
				continue
			}
			for _, dest := range o.discovers.membersOf(prefix) {
				emits = append(emits, emit{dest, prefix, ln})
			}
		}
	}
	o.discoverMu.Unlock()

	for _, e := range emits {
		log.Debugf("advertisement %q expired", e.ln.name)
		o.emitLost(e.dest, e.ln.name, e.prefix, e.ln.guid, e.ln.busAddr)
	}
}
