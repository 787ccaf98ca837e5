// Package provider implements the transport collaborator at its interface
// boundary: an in-process bus that fans encoded updates and awareness
// states between replicas, and a sqlite-backed update log for relay and
// persistence collaborators. Network framing is out of scope.
package provider

import (
	"log/slog"

	"github.com/marcus/gridsync/internal/replica"
)

// MemoryBus wires replicas living in one process together. Delivery is
// synchronous on the publisher's goroutine; every connected peer sees every
// other peer's local transactions and awareness publishes.
type MemoryBus struct {
	peers  []*Peer
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{logger: logger}
}

// Peer is one replica's handle on the bus. It satisfies the binding's
// Transport interface.
type Peer struct {
	bus       *MemoryBus
	clientID  string
	doc       *replica.Doc
	aw        *replica.Awareness
	connected bool
	unsubs    []func()
}

// Join registers a replica (and optionally its awareness channel) with the
// bus. The peer starts disconnected.
func (b *MemoryBus) Join(clientID string, doc *replica.Doc, aw *replica.Awareness) *Peer {
	p := &Peer{bus: b, clientID: clientID, doc: doc, aw: aw}
	b.peers = append(b.peers, p)
	return p
}

// Connect starts relaying: the peer's state is pushed to every connected
// peer and theirs pulled back, then live updates flow both ways.
func (p *Peer) Connect() error {
	if p.connected {
		return nil
	}
	p.connected = true

	p.unsubs = append(p.unsubs, p.doc.OnUpdate(func(update []byte, origin any, local bool) {
		if !local {
			return // re-broadcasting an applied remote update would echo forever
		}
		p.bus.broadcast(p, update)
	}))
	if p.aw != nil {
		p.unsubs = append(p.unsubs, p.aw.OnLocalState(func(state map[string]any) {
			p.bus.broadcastAwareness(p, state)
		}))
	}
	p.bus.syncPeer(p)
	return nil
}

// Disconnect stops relaying in both directions. Idempotent.
func (p *Peer) Disconnect() {
	if !p.connected {
		return
	}
	p.connected = false
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	if p.aw != nil {
		p.bus.broadcastAwareness(p, nil)
	}
}

// Connected reports whether the peer is live on the bus.
func (p *Peer) Connected() bool { return p.connected }

// ClientID returns the peer's bus identity.
func (p *Peer) ClientID() string { return p.clientID }

// broadcast delivers one encoded update to every other connected peer.
func (b *MemoryBus) broadcast(from *Peer, update []byte) {
	for _, p := range b.peers {
		if p == from || !p.connected {
			continue
		}
		if err := p.doc.ApplyUpdate(update, "peer:"+from.clientID); err != nil {
			b.logger.Warn("bus: apply update", "from", from.clientID, "to", p.clientID, "err", err)
		}
	}
}

func (b *MemoryBus) broadcastAwareness(from *Peer, state map[string]any) {
	for _, p := range b.peers {
		if p == from || !p.connected || p.aw == nil {
			continue
		}
		p.aw.ApplyRemote(from.clientID, state)
	}
}

// syncPeer exchanges full state between a newly connected peer and the rest
// of the bus, documents and awareness both.
func (b *MemoryBus) syncPeer(joined *Peer) {
	update, err := joined.doc.EncodeUpdate()
	if err != nil {
		b.logger.Warn("bus: encode state", "client", joined.clientID, "err", err)
		return
	}
	b.broadcast(joined, update)
	for _, p := range b.peers {
		if p == joined || !p.connected {
			continue
		}
		remote, err := p.doc.EncodeUpdate()
		if err != nil {
			b.logger.Warn("bus: encode state", "client", p.clientID, "err", err)
			continue
		}
		if err := joined.doc.ApplyUpdate(remote, "peer:"+p.clientID); err != nil {
			b.logger.Warn("bus: apply state", "from", p.clientID, "to", joined.clientID, "err", err)
		}
		if joined.aw != nil && p.aw != nil {
			if st := p.aw.LocalState(); st != nil {
				joined.aw.ApplyRemote(p.clientID, st)
			}
		}
	}
	if joined.aw != nil {
		if st := joined.aw.LocalState(); st != nil {
			b.broadcastAwareness(joined, st)
		}
	}
}
