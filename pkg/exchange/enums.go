// Package exchange multiplexes conversations over a session and layers the
// Message Reliability Protocol (retransmission and acknowledgement) on top
// of them for transports, like UDP, that don't guarantee delivery.
//
// An exchange is one conversation — a request/response pair, or a longer
// running transaction — scoped to a single session and identified by the
// triple {session, exchange ID, role}. Manager owns the set of live
// exchanges, dispatches inbound messages to the registered ProtocolHandler,
// and drives the retransmit/ack bookkeeping in ack.go and retransmit.go.
package exchange

// ExchangeRole says which side of one conversation a node is playing.
//
// This is independent of session.SessionRole: the session role is fixed for
// the session's lifetime (who established PASE/CASE), while the exchange
// role can flip conversation to conversation — the CASE responder is free
// to initiate a later Read exchange over that same session.
type ExchangeRole int

const (
	// ExchangeRoleUnknown is the zero value; never a valid role to act on.
	ExchangeRoleUnknown ExchangeRole = iota

	// ExchangeRoleInitiator allocated the exchange ID and sets the I flag
	// on every message it sends on this exchange.
	ExchangeRoleInitiator

	// ExchangeRoleResponder took on the exchange ID from an unsolicited
	// message and never sets the I flag.
	ExchangeRoleResponder
)

// String names the role for logging.
func (r ExchangeRole) String() string {
	switch r {
	case ExchangeRoleInitiator:
		return "Initiator"
	case ExchangeRoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// IsValid reports whether r is one of the two defined roles.
func (r ExchangeRole) IsValid() bool {
	return r == ExchangeRoleInitiator || r == ExchangeRoleResponder
}

// Invert returns the other role: used when a new exchange is opened by
// an inbound message and we need our own role, the mirror of the sender's.
func (r ExchangeRole) Invert() ExchangeRole {
	switch r {
	case ExchangeRoleInitiator:
		return ExchangeRoleResponder
	case ExchangeRoleResponder:
		return ExchangeRoleInitiator
	default:
		return ExchangeRoleUnknown
	}
}

// ExchangeState tracks where an exchange sits in its teardown sequence.
type ExchangeState int

const (
	// ExchangeStateUnknown is the zero value.
	ExchangeStateUnknown ExchangeState = iota

	// ExchangeStateActive accepts and sends messages normally.
	ExchangeStateActive

	// ExchangeStateClosing rejects new sends from the upper layer but still
	// lets in-flight retransmissions and the final standalone ack complete.
	ExchangeStateClosing

	// ExchangeStateClosed has released all resources; nothing further is allowed.
	ExchangeStateClosed
)

// String names the state for logging.
func (s ExchangeState) String() string {
	switch s {
	case ExchangeStateActive:
		return "Active"
	case ExchangeStateClosing:
		return "Closing"
	case ExchangeStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s ExchangeState) IsValid() bool {
	return s >= ExchangeStateActive && s <= ExchangeStateClosed
}

// CanSend returns true if new messages can be sent in this state.
func (s ExchangeState) CanSend() bool {
	return s == ExchangeStateActive
}

// CanReceive returns true if messages can be received in this state.
func (s ExchangeState) CanReceive() bool {
	return s == ExchangeStateActive || s == ExchangeStateClosing
}
