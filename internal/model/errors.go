package model

import "errors"

var (
	// ErrHubFull is returned when the hub already holds its maximum number of connections.
	ErrHubFull = errors.New("maximum connections reached")

	// ErrHubClosed is returned by hub operations after Shutdown.
	ErrHubClosed = errors.New("hub is shut down")

	// ErrConnectionNotFound is returned when a connection id is unknown.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionClosed is returned when sending to a connection that has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a connection's outbound buffer is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrNoRoute is returned when no handler is registered for a message type.
	ErrNoRoute = errors.New("no route for message type")

	// ErrRateLimited is returned when a client exceeds its message or connection rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrEventTypeRequired is returned when a publish request has no event type.
	ErrEventTypeRequired = errors.New("event type is required")
)
