// Package gateway is the routing front-end worker processes connect to.
//
// # Overview
//
// The gateway owns the gRPC server for worker channels, the HTTP server for
// health and metrics, the registry, and the state store. All cross-process
// traffic flows through it.
//
// # Routing
//
// Inbound frames from a worker's read pump arrive at OnReceivedMessage:
//
//   - Request: proxied to the connection hosting the target (type, key)
//     instance, placing it first if needed; the response returns to the
//     originating connection under the caller's original request id
//   - Response: fulfills the pending-request entry on the connection it
//     arrived on
//   - Event: fanned out to one connection per subscribed agent type
//
// # Connection lifecycle
//
// Per connection, from the gateway's perspective:
//
//	Connecting -> Registered -> Live -> Terminated
//
// There is no transition back from Terminated; a reconnecting worker gets a
// brand-new Connection. Teardown cascades through the registry so the next
// request for an instance hosted there triggers fresh placement, reloading
// state from the store.
//
// # Dangling registrations
//
// RegisterAgentType RPCs can arrive before the worker's channel stream is
// established. They are queued by client id and replayed when the channel
// opens, closing the race.
package gateway
