// Package rib holds the per-peer routing information bases: the Adj-RIB-Out
// pending change set drained by the FSM as UPDATE messages, and the
// Adj-RIB-In mirror of what the peer announced.
package rib

import (
	"fmt"
	"sort"
	"sync"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// Action tags a queued change.
type Action uint8

const (
	ActionAnnounce Action = iota
	ActionWithdraw
)

func (a Action) String() string {
	if a == ActionAnnounce {
		return "announce"
	}
	return "withdraw"
}

// Change is one pending mutation keyed by NLRI identity. A withdraw keeps
// only what is needed to encode the withdraw.
type Change struct {
	Action Action
	Route  *message.Route
}

// Outgoing is the Adj-RIB-Out: the set of changes queued toward one peer,
// plus the routes currently advertised. A withdraw for a prefix supersedes
// any queued announce for the same prefix; re-announcing an identical route
// is a no-op.
type Outgoing struct {
	mu         sync.Mutex
	queued     map[string]*Change
	order      []string
	advertised map[string]*message.Route
	pending    bool
}

func NewOutgoing() *Outgoing {
	return &Outgoing{
		queued:     map[string]*Change{},
		advertised: map[string]*message.Route{},
	}
}

// Announce queues a route. Routes still carrying an unresolved next-hop
// sentinel are an internal invariant violation and are rejected.
func (o *Outgoing) Announce(r *message.Route) error {
	if !r.NextHop.Resolved() {
		return fmt.Errorf("rib: route %s carries an unresolved next-hop sentinel", r.NLRI)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	key := message.Index(r.NLRI)
	if _, queued := o.queued[key]; !queued {
		if prev, ok := o.advertised[key]; ok && sameRoute(prev, r) {
			// identical wire bytes already advertised
			return nil
		}
	}
	o.put(key, &Change{Action: ActionAnnounce, Route: r})
	return nil
}

// Withdraw queues a withdraw, superseding any queued announce for the same
// prefix.
func (o *Outgoing) Withdraw(n message.NLRI) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.put(message.Index(n), &Change{Action: ActionWithdraw, Route: message.NewRoute(n, nil, message.NoNextHop)})
}

// WithdrawAll queues a withdraw for every currently-advertised NLRI.
func (o *Outgoing) WithdrawAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, r := range o.advertised {
		o.put(key, &Change{Action: ActionWithdraw, Route: message.NewRoute(r.NLRI, nil, message.NoNextHop)})
	}
}

// Resend requeues everything currently advertised, for enhanced
// route-refresh and graceful re-establishment.
func (o *Outgoing) Resend() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, r := range o.advertised {
		o.put(key, &Change{Action: ActionAnnounce, Route: r})
	}
}

// Clear drops both the queue and the advertised set (flush adj-rib out).
func (o *Outgoing) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = map[string]*Change{}
	o.order = nil
	o.advertised = map[string]*message.Route{}
	o.pending = false
}

func (o *Outgoing) put(key string, c *Change) {
	if _, ok := o.queued[key]; !ok {
		o.order = append(o.order, key)
	}
	o.queued[key] = c
	o.pending = true
}

// Pending reports whether any mutation is waiting to be flushed.
func (o *Outgoing) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Advertised returns a snapshot of the currently-advertised routes.
func (o *Outgoing) Advertised() []*message.Route {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*message.Route, 0, len(o.advertised))
	keys := make([]string, 0, len(o.advertised))
	for k := range o.advertised {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, o.advertised[k])
	}
	return out
}

// Queued returns a snapshot of the pending changes in queue order.
func (o *Outgoing) Queued() []*Change {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Change, 0, len(o.queued))
	for _, key := range o.order {
		if c, ok := o.queued[key]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Updates drains the pending change set into UpdateCollections. When
// grouped, announces sharing identical attribute wire bytes merge into one
// collection so they travel in a single UPDATE; withdraws merge into one
// collection regardless. The advertised set is updated as if every
// collection is flushed to the peer.
func (o *Outgoing) Updates(grouped bool) []*message.UpdateCollection {
	o.mu.Lock()
	defer o.mu.Unlock()

	var changes []*Change
	for _, key := range o.order {
		if c, ok := o.queued[key]; ok {
			changes = append(changes, c)
			if c.Action == ActionAnnounce {
				o.advertised[key] = c.Route
			} else {
				delete(o.advertised, key)
			}
		}
	}
	o.queued = map[string]*Change{}
	o.order = nil
	o.pending = false

	if len(changes) == 0 {
		return nil
	}

	if !grouped {
		var out []*message.UpdateCollection
		for _, c := range changes {
			if c.Action == ActionAnnounce {
				out = append(out, message.NewUpdateCollection(
					[]message.RoutedNLRI{{NLRI: c.Route.NLRI, NextHop: c.Route.NextHop}},
					nil, c.Route.Attributes))
			} else {
				out = append(out, message.NewUpdateCollection(nil, []message.NLRI{c.Route.NLRI}, nil))
			}
		}
		return out
	}

	// Group announces by packed attribute bytes: the attribute set is packed
	// once per distinct collection per flush.
	type group struct {
		attrs     *message.AttributeCollection
		announces []message.RoutedNLRI
	}
	groups := map[string]*group{}
	var groupOrder []string
	var withdraws []message.NLRI

	for _, c := range changes {
		if c.Action == ActionWithdraw {
			withdraws = append(withdraws, c.Route.NLRI)
			continue
		}
		key := c.Route.Attributes.Index(nil)
		g, ok := groups[key]
		if !ok {
			g = &group{attrs: c.Route.Attributes}
			groups[key] = g
			groupOrder = append(groupOrder, key)
		}
		g.announces = append(g.announces, message.RoutedNLRI{NLRI: c.Route.NLRI, NextHop: c.Route.NextHop})
	}

	var out []*message.UpdateCollection
	if len(withdraws) > 0 {
		out = append(out, message.NewUpdateCollection(nil, withdraws, nil))
	}
	for _, key := range groupOrder {
		g := groups[key]
		out = append(out, message.NewUpdateCollection(g.announces, nil, g.attrs))
	}
	return out
}

func sameRoute(a, b *message.Route) bool {
	if message.Index(a.NLRI) != message.Index(b.NLRI) {
		return false
	}
	if a.NextHop.Addr != b.NextHop.Addr {
		return false
	}
	return a.Attributes.Index(nil) == b.Attributes.Index(nil)
}
