// Package plexus is a message bus connecting heterogeneous processes, called
// *Technologies*, through a central broker, the *Core*.
//
// ## How it works
//
// Every Technology owns a `gateway.Gateway`: a set of named Endpoints, each
// carried by a transport (TCP or unix streams, serial lines, NATS subjects,
// web sockets, QUIC). Endpoints either listen for peers or connect to a
// remote, and reconnect on their own when the link drops.
//
// Technologies exchange JSON *envelopes*. An envelope names its sender and
// its target; when it `needsAnswer`, the sender waits for the same envelope
// to come back converted into its answer, correlated by `id`, until the
// envelope timeout elapses.
//
// On startup a child Technology connects its Core Endpoint and introduces
// itself. The Core binds its id to the socket it came from, so envelopes
// addressed to it can be routed there. Anything a Technology cannot deliver
// itself is handed to the Core, which relays it or drops it.
//
// The Core also spawns the Technologies listed in its registry, injecting
// their configuration through the `PLEXUS_TECHNOLOGY` environment variable
// (see `LoadChildConfig`).
//
// ## Delivery
//
// Routing is at-most-once: nothing is queued, retried or persisted. Callers
// MUST be ready for `ErrRequestTimeout`.
package plexus
