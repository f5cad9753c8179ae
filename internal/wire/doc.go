// Package wire defines the transport protocol between worker processes and
// the gateway: the Frame tagged union carried on the duplex channel stream,
// the unary RPC messages, and a hand-written gRPC service descriptor that
// moves those structs through a CBOR codec instead of generated protobuf
// code.
//
// # Protocol flow
//
//  1. Worker opens OpenChannel with its client identifier in metadata
//  2. Gateway answers with a Hello frame
//  3. Worker registers agent types and subscriptions via unary RPCs
//  4. Request, Response, and Event frames flow in both directions
//
// Requests and responses correlate by RequestID; events are broadcast and
// carry topic plus subject key addressing.
package wire
