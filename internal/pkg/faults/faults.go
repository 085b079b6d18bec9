// Package faults defines the error taxonomy shared by the relay pipeline.
//
// The forwarding loop branches on *which* kind of failure occurred
// (reconnect vs. degrade vs. skip), so failures are carried as typed
// values rather than bare strings.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Connection covers session establishment and liveness failures,
	// including dial/auth errors and network timeouts.
	Connection Kind = iota
	// Protocol covers commands rejected by an otherwise healthy session.
	Protocol
	// Delivery covers outbound transport refusals, size limits included.
	Delivery
	// Composition covers source bytes that cannot be parsed into a message.
	Composition
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection"
	case Protocol:
		return "protocol"
	case Delivery:
		return "delivery"
	case Composition:
		return "composition"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with a failure kind and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ConnectionErr(op string, err error) *Error { return New(Connection, op, err) }

func ProtocolErr(op string, err error) *Error { return New(Protocol, op, err) }

func DeliveryErr(op string, err error) *Error { return New(Delivery, op, err) }

func CompositionErr(op string, err error) *Error { return New(Composition, op, err) }

// Is reports whether err carries the given failure kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the failure kind of err, or Protocol if err is untagged.
// Untagged errors come from a session that accepted the connection but
// misbehaved mid-command, which is the protocol bucket.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Protocol
}
