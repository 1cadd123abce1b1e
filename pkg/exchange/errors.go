package exchange

import "errors"

// Sentinel errors surfaced by exchange Manager and ExchangeContext methods.
var (
	// ErrExchangeClosed means the caller tried to use an exchange after Close.
	ErrExchangeClosed = errors.New("exchange: already closed")

	// ErrExchangeClosing means a send was attempted while the exchange is tearing down.
	ErrExchangeClosing = errors.New("exchange: close in progress")

	// ErrNoHandler means no ProtocolHandler was registered for the message's protocol ID.
	ErrNoHandler = errors.New("exchange: protocol has no registered handler")

	// ErrExchangeExists means the initiator-side exchange ID space collided.
	ErrExchangeExists = errors.New("exchange: exchange ID already in use")

	// ErrExchangeNotFound means the {session, exchange ID, role} key has no tracked context.
	ErrExchangeNotFound = errors.New("exchange: no exchange for that key")

	// ErrSessionNotFound means header.SessionID named a session the manager doesn't hold.
	ErrSessionNotFound = errors.New("exchange: unknown session ID")

	// ErrInvalidRole means an ExchangeRole value was outside Initiator/Responder.
	ErrInvalidRole = errors.New("exchange: role must be initiator or responder")

	// ErrPendingRetransmit means the caller tried to send a reliable message while
	// a previous one on the same exchange is still awaiting its ack.
	ErrPendingRetransmit = errors.New("exchange: a reliable message is still awaiting ack")

	// ErrMaxRetransmits means a reliable message went unacked through every retry.
	ErrMaxRetransmits = errors.New("exchange: retransmission attempts exhausted")

	// ErrDuplicateMessage means a counter already processed on this exchange arrived again.
	ErrDuplicateMessage = errors.New("exchange: counter already processed")

	// ErrInvalidMessage means the header or protocol header failed to parse.
	ErrInvalidMessage = errors.New("exchange: malformed message")

	// ErrUnsolicitedNotInitiator means a message opened a new exchange without the I flag set.
	ErrUnsolicitedNotInitiator = errors.New("exchange: first message on an exchange must set the initiator flag")
)
