package rib

import (
	"sort"
	"sync"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// Incoming is the Adj-RIB-In: routes the peer announced to us, kept for the
// control channel's "show adj-rib in" and for graceful restart, where
// entries survive a session drop marked stale until the peer closes its
// re-sent table with an End-of-RIB.
type Incoming struct {
	mu      sync.Mutex
	entries map[string]*inEntry
	eor     map[message.Family]bool
}

type inEntry struct {
	route *message.Route
	stale bool
}

func NewIncoming() *Incoming {
	return &Incoming{
		entries: map[string]*inEntry{},
		eor:     map[message.Family]bool{},
	}
}

// Update applies a received UpdateCollection.
func (in *Incoming) Update(u *message.UpdateCollection) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if u.EORFamily != nil {
		in.eor[*u.EORFamily] = true
		in.clearStale(*u.EORFamily)
		return
	}
	for _, n := range u.Withdraws {
		delete(in.entries, message.Index(n))
	}
	for _, r := range u.Announces {
		in.entries[message.Index(r.NLRI)] = &inEntry{
			route: message.NewRoute(r.NLRI, u.Attributes, r.NextHop),
		}
	}
}

// MarkStale flags every entry after a graceful session drop; the routes are
// retained until the peer re-establishes and sends End-of-RIB.
func (in *Incoming) MarkStale() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, e := range in.entries {
		e.stale = true
	}
	in.eor = map[message.Family]bool{}
}

func (in *Incoming) clearStale(f message.Family) {
	for key, e := range in.entries {
		if e.stale && e.route.NLRI.Family() == f {
			delete(in.entries, key)
		}
	}
}

// Clear drops everything (non-graceful session loss).
func (in *Incoming) Clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.entries = map[string]*inEntry{}
	in.eor = map[message.Family]bool{}
}

// EORReceived reports whether the peer closed its initial table for the
// family.
func (in *Incoming) EORReceived(f message.Family) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.eor[f]
}

// Routes returns a sorted snapshot.
func (in *Incoming) Routes() []*message.Route {
	in.mu.Lock()
	defer in.mu.Unlock()
	keys := make([]string, 0, len(in.entries))
	for k := range in.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*message.Route, 0, len(keys))
	for _, k := range keys {
		out = append(out, in.entries[k].route)
	}
	return out
}

// Len is the number of live entries.
func (in *Incoming) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}
