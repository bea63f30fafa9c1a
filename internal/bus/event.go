package bus

import "time"

// Event is a domain notification published on the bus.
//
// Kinds are dot-separated namespaces: "push.*" for inbound transport events,
// "store.*" for conversation store mutations, "outbox.*" for send outcomes,
// "session.*" for connection status, "typing.*" for ephemeral signals.
//
// Epoch carries the transport session epoch for events that originate from a
// connection (push.*); consumers use it to discard input produced under an
// earlier connection. It is zero for events with no connection affinity.
type Event struct {
	Kind      string
	Timestamp time.Time
	Epoch     uint64
	Payload   any
}
