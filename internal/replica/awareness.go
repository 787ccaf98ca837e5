package replica

// AwarenessChange lists the clients affected by one awareness update.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
}

// Awareness is the ephemeral presence channel: a per-client state map with
// no persistence and no merge — each client's state is replaced wholesale on
// every publish. A nil state means the client has left.
//
// Like Doc, an Awareness is confined to one goroutine.
type Awareness struct {
	clientID string
	states   map[string]map[string]any // client id -> state, local included

	observers map[int]func(AwarenessChange)
	localSubs map[int]func(state map[string]any)
	nextSubID int
	destroyed bool
}

// NewAwareness creates a channel for the given local client id.
func NewAwareness(clientID string) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    map[string]map[string]any{},
		observers: map[int]func(AwarenessChange){},
		localSubs: map[int]func(map[string]any){},
	}
}

// ClientID returns the local client's id.
func (a *Awareness) ClientID() string { return a.clientID }

// LocalState returns the local client's current state, or nil if none is
// published.
func (a *Awareness) LocalState() map[string]any {
	return a.states[a.clientID]
}

// SetLocalState publishes the local client's whole state. A nil state
// announces departure. Providers relaying to peers subscribe via
// OnLocalState; local observers fire as for any other change.
func (a *Awareness) SetLocalState(state map[string]any) {
	if a.destroyed {
		return
	}
	change := a.put(a.clientID, state)
	for _, id := range sortedSubIDs(a.localSubs) {
		if fn, ok := a.localSubs[id]; ok {
			fn(state)
		}
	}
	a.notify(change)
}

// ApplyRemote ingests a peer's published state. A nil state removes the
// peer. The local client's own id is ignored (a relay echo must not clobber
// local state).
func (a *Awareness) ApplyRemote(clientID string, state map[string]any) {
	if a.destroyed || clientID == a.clientID {
		return
	}
	a.notify(a.put(clientID, state))
}

func (a *Awareness) put(clientID string, state map[string]any) AwarenessChange {
	var change AwarenessChange
	_, had := a.states[clientID]
	switch {
	case state == nil && had:
		delete(a.states, clientID)
		change.Removed = []string{clientID}
	case state == nil:
	case had:
		a.states[clientID] = state
		change.Updated = []string{clientID}
	default:
		a.states[clientID] = state
		change.Added = []string{clientID}
	}
	return change
}

// States returns a copy of the full client-state map, local client included.
func (a *Awareness) States() map[string]map[string]any {
	out := make(map[string]map[string]any, len(a.states))
	for id, st := range a.states {
		out[id] = st
	}
	return out
}

// OnChange registers an observer for any state change, local or remote.
// Returns an unsubscribe func.
func (a *Awareness) OnChange(fn func(AwarenessChange)) func() {
	a.nextSubID++
	id := a.nextSubID
	a.observers[id] = fn
	return func() { delete(a.observers, id) }
}

// OnLocalState registers a relay subscriber receiving every local publish,
// including the nil departure publish. Returns an unsubscribe func.
func (a *Awareness) OnLocalState(fn func(state map[string]any)) func() {
	a.nextSubID++
	id := a.nextSubID
	a.localSubs[id] = fn
	return func() { delete(a.localSubs, id) }
}

func (a *Awareness) notify(change AwarenessChange) {
	if len(change.Added)+len(change.Updated)+len(change.Removed) == 0 {
		return
	}
	for _, id := range sortedSubIDs(a.observers) {
		if fn, ok := a.observers[id]; ok {
			fn(change)
		}
	}
}

// Destroy publishes a departure so peers drop this client immediately, then
// detaches every subscriber. Idempotent.
func (a *Awareness) Destroy() {
	if a.destroyed {
		return
	}
	a.SetLocalState(nil)
	a.destroyed = true
	a.observers = map[int]func(AwarenessChange){}
	a.localSubs = map[int]func(map[string]any){}
	a.states = map[string]map[string]any{}
}
