// ABOUTME: Package doc for host.
// ABOUTME: Worker-side embedding API for hosting agent types.

// Package host is the embedding API for worker processes: register agent
// types with their handlers, connect to a gateway, and let the host pump
// messages into them.
package host
