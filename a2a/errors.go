package a2a

import "errors"

// Delegation queue errors.
var (
	// ErrAgentAlreadyProcessing indicates the target agent is at its
	// concurrent delegation ceiling.
	ErrAgentAlreadyProcessing = errors.New("a2a: agent already processing maximum concurrent tasks")
)

// Protocol server errors.
var (
	// ErrNoFreePort indicates no port in the configured range could be bound.
	ErrNoFreePort = errors.New("a2a: no free port in configured range")
	// ErrServerClosed indicates Stop was called on a server that is not
	// running.
	ErrServerClosed = errors.New("a2a: server closed")
)

// Client errors.
var (
	// ErrInvalidResponse indicates the remote returned an undecodable body.
	ErrInvalidResponse = errors.New("a2a: invalid response from remote agent")
)
