package core

import (
	"slices"
	"sync"

	"github.com/raskyld/plexus/pkg/endpoint"
)

// Binding is the socket an introduced Technology is reachable on.
type Binding struct {
	Endpoint *endpoint.Endpoint
	Socket   int
}

// Identities maps the ids of introduced Technologies to their socket. The
// peer binding of the Endpoint is kept in sync, since routing relies on it.
type Identities struct {
	lk       sync.Mutex
	bindings map[string]Binding
}

func NewIdentities() *Identities {
	return &Identities{bindings: make(map[string]Binding)}
}

// Bind fails with ErrAlreadyIntroduced while id is bound to a live socket.
// Nothing is mutated in that case.
func (ids *Identities) Bind(id string, ep *endpoint.Endpoint, socket int) error {
	ids.lk.Lock()
	defer ids.lk.Unlock()

	if b, ok := ids.bindings[id]; ok {
		if b.Endpoint.PeerID(b.Socket) == id {
			return ErrAlreadyIntroduced
		}
		// The socket died without us noticing yet.
		delete(ids.bindings, id)
	}

	if err := ep.BindPeer(socket, id); err != nil {
		return ErrAlreadyIntroduced
	}
	ids.bindings[id] = Binding{Endpoint: ep, Socket: socket}
	return nil
}

// Live reports whether id is bound to a live socket.
func (ids *Identities) Live(id string) bool {
	ids.lk.Lock()
	defer ids.lk.Unlock()
	b, ok := ids.bindings[id]
	return ok && b.Endpoint.PeerID(b.Socket) == id
}

func (ids *Identities) Unbind(id string) {
	ids.lk.Lock()
	defer ids.lk.Unlock()

	if b, ok := ids.bindings[id]; ok {
		b.Endpoint.UnbindPeer(id)
		delete(ids.bindings, id)
	}
}

// UnbindSocket forgets whoever was bound to the closed socket and returns
// its id. A binding made since on a reused slot is kept.
func (ids *Identities) UnbindSocket(ep *endpoint.Endpoint, socket int) (string, bool) {
	ids.lk.Lock()
	defer ids.lk.Unlock()

	for id, b := range ids.bindings {
		if b.Endpoint == ep && b.Socket == socket && ep.PeerID(socket) != id {
			delete(ids.bindings, id)
			return id, true
		}
	}
	return "", false
}

func (ids *Identities) Lookup(id string) (Binding, bool) {
	ids.lk.Lock()
	defer ids.lk.Unlock()
	b, ok := ids.bindings[id]
	return b, ok
}

// Participants returns the ids currently bound, sorted.
func (ids *Identities) Participants() []string {
	ids.lk.Lock()
	defer ids.lk.Unlock()
	out := make([]string, 0, len(ids.bindings))
	for id := range ids.bindings {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
