// Package ws implements the server side of the realtime channel.
//
// The package implements:
//   - Hub: accepts sockets, assigns connection ids, tracks per-connection
//     subscriptions and fans envelopes out to all or to subscribers only
//   - Client: one accepted connection with its send buffer and pumps
//   - Mux: routes application envelopes; Ack and Progress build the
//     correlated replies clients wait for
//   - Sweeper: gocron job removing connections without inbound traffic
//   - Service: wires the hub to its sweeper for the server binary
//
// Inbound ping, subscribe and unsubscribe envelopes are answered by the hub
// itself. Everything else goes to the MessageRouter; types without a route
// are logged and dropped.
package ws
