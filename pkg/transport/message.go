package transport

// ReceivedMessage pairs one inbound datagram with where it came from.
// Data is the wire-format bytes exactly as read off the socket — header,
// payload, and MIC if the message is encrypted — with decoding left to
// the exchange layer above.
type ReceivedMessage struct {
	Data     []byte
	PeerAddr PeerAddress
}

// MessageHandler receives every datagram the Manager reads. It runs on
// the read loop's own goroutine, so a slow handler stalls further reads;
// hand off to another goroutine for anything but quick dispatch.
type MessageHandler func(msg *ReceivedMessage)
