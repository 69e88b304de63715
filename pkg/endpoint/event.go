package endpoint

import "github.com/raskyld/plexus/pkg/datagram"

// EventKind discriminates the events an Endpoint emits.
type EventKind uint8

const (
	// EventReady fires when a connect-mode Endpoint established its link or
	// a listen-mode Endpoint is bound.
	EventReady EventKind = iota + 1
	// EventConnect fires when the outbound connection is established.
	EventConnect
	// EventConnection fires when a listen-mode Endpoint accepted a peer.
	EventConnection
	// EventData carries bytes read from a socket.
	EventData
	// EventDatagram carries bytes the datagram correlator classified as a
	// request or a response.
	EventDatagram
	EventError
	// EventClose fires when a socket closed.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventConnect:
		return "connect"
	case EventConnection:
		return "connection"
	case EventData:
		return "data"
	case EventDatagram:
		return "datagram"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	Endpoint *Endpoint
	// Socket index, -1 when the event is not tied to a socket.
	Socket int
	PeerID string
	Data   []byte
	Class  datagram.Class
	Err    error
}
