package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/openmatterio/mattergo/pkg/fabric"
	"github.com/openmatterio/mattergo/pkg/message"
	"github.com/openmatterio/mattergo/pkg/securechannel"
	"github.com/openmatterio/mattergo/pkg/session"
	"github.com/openmatterio/mattergo/pkg/transport"
)

// ProtocolHandler is what a protocol ID's owner implements to receive
// exchange traffic; register one per protocol with RegisterProtocol.
type ProtocolHandler interface {
	// OnMessage handles a subsequent message on an exchange it already owns.
	OnMessage(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)

	// OnUnsolicited handles the first message on a brand new exchange.
	OnUnsolicited(ctx *ExchangeContext, opcode uint8, payload []byte) ([]byte, error)
}

// ManagerConfig supplies the session and transport layers a Manager sits between.
type ManagerConfig struct {
	SessionManager   *session.Manager
	TransportManager *transport.Manager
}

// Manager multiplexes exchanges over a node's sessions, dispatching
// inbound frames to registered ProtocolHandlers and driving MRP
// (ack scheduling and retransmission) for reliable traffic.
type Manager struct {
	config ManagerConfig

	// exchanges maps {sessionID, exchangeID, role} to exchange context.
	exchanges map[exchangeKey]*ExchangeContext

	// handlers maps protocol ID to handler.
	handlers map[message.ProtocolID]ProtocolHandler

	// ackTable tracks pending ACKs for received reliable messages.
	ackTable *AckTable

	// retransmitTable tracks pending retransmissions.
	retransmitTable *RetransmitTable

	// nextExchangeID is the next exchange ID this node will hand out as
	// initiator. Seeded randomly at startup, then just incremented so two
	// nodes that both crash and restart don't collide on ID 0 forever.
	nextExchangeID uint16

	mu sync.RWMutex
}

// NewManager wires up an exchange Manager over the given session and
// transport managers, with empty exchange/ack/retransmit tables.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		config:          config,
		exchanges:       make(map[exchangeKey]*ExchangeContext),
		handlers:        make(map[message.ProtocolID]ProtocolHandler),
		ackTable:        NewAckTable(),
		retransmitTable: NewRetransmitTable(),
	}

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextExchangeID = binary.LittleEndian.Uint16(buf[:])
	}

	return m
}

// RegisterProtocol registers a handler for a protocol ID.
func (m *Manager) RegisterProtocol(protocolID message.ProtocolID, handler ProtocolHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[protocolID] = handler
}

// NewExchange allocates the next exchange ID and opens a fresh exchange
// as its initiator, ready to send the first message.
func (m *Manager) NewExchange(
	sess SessionContext,
	localSessionID uint16,
	peerAddress transport.PeerAddress,
	protocolID message.ProtocolID,
	delegate ExchangeDelegate,
) (*ExchangeContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exchangeID := m.nextExchangeID
	m.nextExchangeID++

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           ExchangeRoleInitiator,
	}

	// The 16-bit space wraps eventually; a live collision here means an
	// old exchange on this ID never closed.
	if _, exists := m.exchanges[key]; exists {
		return nil, ErrExchangeExists
	}

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             exchangeID,
		Role:           ExchangeRoleInitiator,
		ProtocolID:     protocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddress,
		Delegate:       delegate,
		Manager:        m,
	})

	m.exchanges[key] = ctx
	return ctx, nil
}

// OnMessageReceived is the receive-path entry point fed by the transport
// layer for every inbound datagram: decode the header, resolve the
// session it names, decrypt if secure, then hand the frame to
// processFrame for MRP bookkeeping and dispatch.
func (m *Manager) OnMessageReceived(msg *transport.ReceivedMessage) error {
	var header message.MessageHeader
	_, err := header.Decode(msg.Data)
	if err != nil {
		return ErrInvalidMessage
	}

	var sess SessionContext
	var frame *message.Frame

	if header.SessionID == 0 {
		// Session ID 0 means handshake phase: no encryption yet, and the
		// sender identifies itself by node ID rather than session ID.
		frame, err = message.DecodeUnsecured(msg.Data)
		if err != nil {
			return ErrInvalidMessage
		}

		if !header.SourcePresent {
			return ErrInvalidMessage
		}

		sourceNodeID := fabric.NodeID(header.SourceNodeID)
		unsecuredCtx, err := m.config.SessionManager.FindOrCreateUnsecuredContext(sourceNodeID)
		if err != nil {
			return err
		}

		if !unsecuredCtx.CheckCounter(header.MessageCounter) {
			return ErrInvalidMessage
		}

		sess = unsecuredCtx
	} else {
		secureCtx := m.config.SessionManager.FindSecureContext(header.SessionID)
		if secureCtx == nil {
			return ErrSessionNotFound
		}
		sess = secureCtx

		frame, err = secureCtx.Decrypt(msg.Data)
		if err != nil {
			if errors.Is(err, session.ErrReplayDetected) && frame != nil {
				// The peer's prior ack to us was evidently lost, or it
				// never saw one, and retransmitted. Re-ack the counter it
				// already holds and drop the duplicate payload; nothing
				// downstream should see it twice.
				if frame.Protocol.Reliability {
					m.sendEphemeralStandaloneAck(frame, msg.PeerAddr, sess)
				}
				return nil
			}
			return err
		}
	}

	return m.processFrame(frame, msg.PeerAddr, sess)
}

// processFrame runs MRP bookkeeping on a decoded frame and routes it to
// its exchange, creating one if the frame is unsolicited.
func (m *Manager) processFrame(frame *message.Frame, peerAddr transport.PeerAddress, sess SessionContext) error {
	proto := &frame.Protocol

	// The I flag belongs to the sender; our role on this exchange is always
	// the mirror of it.
	var ourRole ExchangeRole
	if proto.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	localSessionID := frame.Header.SessionID

	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     proto.ExchangeID,
		role:           ourRole,
	}

	if proto.Acknowledgement {
		m.handleReceivedAck(proto.AckedMessageCounter)
	}

	m.mu.RLock()
	ctx, exists := m.exchanges[key]
	m.mu.RUnlock()

	if !exists {
		return m.handleUnsolicited(frame, peerAddr, sess, key)
	}

	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	response, err := ctx.handleMessage(proto, frame.Payload)
	if err != nil {
		return err
	}

	if response != nil {
		// UDP is unreliable by nature, so responses on it ask for an ack;
		// other transports in this package don't need the round trip.
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// handleUnsolicited handles a frame that named no exchange we're
// tracking: a registered protocol with the I flag set opens one, a
// reliable message outside that case still gets acked before being
// dropped, and anything else is simply dropped.
func (m *Manager) handleUnsolicited(
	frame *message.Frame,
	peerAddr transport.PeerAddress,
	sess SessionContext,
	key exchangeKey,
) error {
	proto := frame.Protocol

	if !proto.Initiator {
		if proto.Reliability {
			m.sendEphemeralStandaloneAck(frame, peerAddr, sess)
		}
		return ErrUnsolicitedNotInitiator
	}

	m.mu.RLock()
	handler, hasHandler := m.handlers[proto.ProtocolID]
	m.mu.RUnlock()

	if !hasHandler {
		if proto.Reliability {
			m.sendEphemeralStandaloneAck(frame, peerAddr, sess)
		}
		return ErrNoHandler
	}

	localSessionID := frame.Header.SessionID

	ctx := NewExchangeContext(ExchangeContextConfig{
		ID:             proto.ExchangeID,
		Role:           ExchangeRoleResponder,
		ProtocolID:     proto.ProtocolID,
		LocalSessionID: localSessionID,
		Session:        sess,
		PeerAddress:    peerAddr,
		Manager:        m,
	})

	m.mu.Lock()
	m.exchanges[key] = ctx
	m.mu.Unlock()

	if proto.Reliability {
		m.scheduleAck(ctx, frame.Header.MessageCounter)
	}

	response, err := handler.OnUnsolicited(ctx, proto.ProtocolOpcode, frame.Payload)
	if err != nil {
		m.mu.Lock()
		delete(m.exchanges, key)
		m.mu.Unlock()
		return err
	}

	if response != nil {
		reliable := peerAddr.TransportType == transport.TransportTypeUDP
		return ctx.SendMessage(proto.ProtocolOpcode, response, reliable)
	}

	return nil
}

// handleReceivedAck resolves an inbound ack against the retransmit table
// and, if it matched something in flight, wakes the owning exchange.
func (m *Manager) handleReceivedAck(ackedCounter uint32) {
	entry := m.retransmitTable.Ack(ackedCounter)
	if entry != nil {
		m.mu.RLock()
		ctx, exists := m.exchanges[entry.ExchangeKey]
		m.mu.RUnlock()

		if exists {
			ctx.onRetransmitComplete()
		}
	}
}

// scheduleAck records that ctx owes an ack for messageCounter. If doing so
// displaced an older entry that never got its standalone ack out, that one
// is sent immediately since the table only tracks one ack per exchange.
func (m *Manager) scheduleAck(ctx *ExchangeContext, messageCounter uint32) {
	key := ctx.GetKey()

	ctx.SetPendingAck(messageCounter)

	displaced := m.ackTable.Add(key, messageCounter, func() {
		m.sendStandaloneAck(ctx, messageCounter)
	})

	if displaced != nil {
		m.sendStandaloneAck(ctx, displaced.MessageCounter)
	}
}

// sendStandaloneAck sends a bare ack (no payload) for an exchange that
// already exists, then marks it sent so a later piggyback opportunity on
// the same counter is skipped.
func (m *Manager) sendStandaloneAck(ctx *ExchangeContext, ackedCounter uint32) {
	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:          ctx.ID,
		Initiator:           ctx.Role == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false,
		AckedMessageCounter: ackedCounter,
	}

	key := ctx.GetKey()
	m.ackTable.MarkStandaloneAckSent(key)

	ctx.ClearPendingAck()

	_ = m.sendMessageInternal(ctx, proto, nil)
}

// sendEphemeralStandaloneAck acks a message counter with no backing exchange
// context: an unsolicited message that was rejected before an exchange could
// be created, or a duplicate counter on an existing exchange's session
// (Decrypt already dropped the payload, so there is nothing left to dispatch
// through that exchange). Per Spec 4.10.5.2: build a throwaway exchange
// context, send the ack, and let it go.
func (m *Manager) sendEphemeralStandaloneAck(frame *message.Frame, peerAddr transport.PeerAddress, sess SessionContext) {
	var ourRole ExchangeRole
	if frame.Protocol.Initiator {
		ourRole = ExchangeRoleResponder
	} else {
		ourRole = ExchangeRoleInitiator
	}

	proto := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:          frame.Protocol.ExchangeID,
		Initiator:           ourRole == ExchangeRoleInitiator,
		Acknowledgement:     true,
		Reliability:         false,
		AckedMessageCounter: frame.Header.MessageCounter,
	}

	// The ack has nowhere to live in m.exchanges (there is no real exchange),
	// so build a throwaway context that is never registered and discard it
	// once sendMessageInternal has used it to encrypt and send.
	ephemeral := NewExchangeContext(ExchangeContextConfig{
		ID:             frame.Protocol.ExchangeID,
		Role:           ourRole,
		ProtocolID:     message.ProtocolSecureChannel,
		LocalSessionID: frame.Header.SessionID,
		Session:        sess,
		PeerAddress:    peerAddr,
		Manager:        m,
	})

	_ = m.sendMessageInternal(ephemeral, proto, nil)
}

// flushPendingAck sends whatever ack an exchange currently owes, if any.
func (m *Manager) flushPendingAck(ctx *ExchangeContext) {
	key := ctx.GetKey()

	if m.ackTable.HasPendingAck(key) {
		counter, _ := m.ackTable.PendingCounter(key)
		m.sendStandaloneAck(ctx, counter)
	}
}

// sendMessage sends proto/payload on ctx, piggybacking any ack the
// exchange owes unless proto already carries one of its own.
func (m *Manager) sendMessage(ctx *ExchangeContext, proto *message.ProtocolHeader, payload []byte) error {
	if ackCounter, hasAck := ctx.GetPendingAck(); hasAck && !proto.Acknowledgement {
		proto.Acknowledgement = true
		proto.AckedMessageCounter = ackCounter

		key := ctx.GetKey()
		m.ackTable.MarkAcked(key)
		ctx.ClearPendingAck()
	}

	return m.sendMessageInternal(ctx, proto, payload)
}

// sendMessageInternal encrypts (or, for an unsecured session, just
// encodes) proto/payload and sends it, arming a retransmit timer first
// when the message asks for reliability.
func (m *Manager) sendMessageInternal(ctx *ExchangeContext, proto *message.ProtocolHeader, payload []byte) error {
	sess := ctx.Session()
	if sess == nil {
		return ErrSessionNotFound
	}

	secureSession, isSecure := sess.(SecureSessionContext)
	if !isSecure {
		return m.sendUnsecuredMessage(ctx, sess, proto, payload)
	}

	header := &message.MessageHeader{
		SessionID: secureSession.PeerSessionID(),
	}

	encoded, err := secureSession.Encrypt(header, proto, payload, false)
	if err != nil {
		return err
	}

	if proto.Reliability {
		peerAddr := ctx.PeerAddress()
		params := sess.GetParams()

		baseInterval := params.IdleInterval
		if secureSession.IsPeerActive() {
			baseInterval = params.ActiveInterval
		}

		key := ctx.GetKey()
		err = m.retransmitTable.Add(key, header.MessageCounter, encoded, peerAddr, baseInterval,
			func(entry *RetransmitEntry) {
				m.onRetransmitTimeout(entry)
			})
		if err != nil {
			return err
		}

		ctx.SetPendingRetransmit(header.MessageCounter)
	}

	peerAddr := ctx.PeerAddress()
	return m.config.TransportManager.Send(encoded, peerAddr)
}

// onRetransmitTimeout fires when a reliable message's ack window expires
// without one arriving: schedule another retransmit, unless the owning
// exchange is already gone or retries are exhausted.
func (m *Manager) onRetransmitTimeout(entry *RetransmitEntry) {
	m.mu.RLock()
	ctx, exists := m.exchanges[entry.ExchangeKey]
	m.mu.RUnlock()

	if !exists {
		m.retransmitTable.RemoveByCounter(entry.MessageCounter)
		return
	}

	sess := ctx.Session()
	if sess == nil {
		m.retransmitTable.RemoveByCounter(entry.MessageCounter)
		ctx.onRetransmitComplete()
		return
	}

	params := sess.GetParams()
	baseInterval := params.IdleInterval

	if secureSession, ok := sess.(SecureSessionContext); ok {
		if secureSession.IsPeerActive() {
			baseInterval = params.ActiveInterval
		}
	}

	if !m.retransmitTable.ScheduleRetransmit(entry.MessageCounter, baseInterval) {
		ctx.onRetransmitComplete()
		return
	}

	_ = m.config.TransportManager.Send(entry.Message, entry.PeerAddress)
}

// removeExchange drops an exchange and its ack/retransmit bookkeeping,
// then notifies its delegate that it's gone.
func (m *Manager) removeExchange(ctx *ExchangeContext) {
	key := ctx.GetKey()

	m.mu.Lock()
	delete(m.exchanges, key)
	m.mu.Unlock()

	m.ackTable.Remove(key)
	m.retransmitTable.Remove(key)

	if delegate := ctx.GetDelegate(); delegate != nil {
		delegate.OnClose(ctx)
	}
}

// sendUnsecuredMessage encodes and sends a message with no encryption, the
// path used during the PASE/CASE handshake before a secure session exists:
// session ID 0, unicast session type, and the node's ephemeral source ID
// carried in the header instead of derived from a session.
func (m *Manager) sendUnsecuredMessage(ctx *ExchangeContext, sess SessionContext, proto *message.ProtocolHeader, payload []byte) error {
	unsecuredCtx, ok := sess.(*session.UnsecuredContext)
	if !ok {
		return ErrSessionNotFound
	}

	counter, err := m.config.SessionManager.NextGlobalCounter()
	if err != nil {
		return err
	}

	header := &message.MessageHeader{
		SessionID:      0,
		SessionType:    message.SessionTypeUnicast,
		MessageCounter: counter,
		SourceNodeID:   uint64(unsecuredCtx.EphemeralNodeID()),
		SourcePresent:  true,
	}

	frame := &message.Frame{
		Header:   *header,
		Protocol: *proto,
		Payload:  payload,
	}
	encoded := frame.EncodeUnsecured()

	if proto.Reliability {
		peerAddr := ctx.PeerAddress()
		params := sess.GetParams()
		baseInterval := params.IdleInterval

		key := ctx.GetKey()
		err = m.retransmitTable.Add(key, counter, encoded, peerAddr, baseInterval,
			func(entry *RetransmitEntry) {
				m.onRetransmitTimeout(entry)
			})
		if err != nil {
			return err
		}

		ctx.SetPendingRetransmit(counter)
	}

	peerAddr := ctx.PeerAddress()
	return m.config.TransportManager.Send(encoded, peerAddr)
}

// GetExchange looks up a tracked exchange by its full key.
func (m *Manager) GetExchange(localSessionID, exchangeID uint16, role ExchangeRole) (*ExchangeContext, bool) {
	key := exchangeKey{
		localSessionID: localSessionID,
		exchangeID:     exchangeID,
		role:           role,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, exists := m.exchanges[key]
	return ctx, exists
}

// ExchangeCount reports how many exchanges the manager is currently tracking.
func (m *Manager) ExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exchanges)
}

// Close tears down every tracked exchange and clears the ack/retransmit tables.
func (m *Manager) Close() {
	m.mu.Lock()
	exchanges := make([]*ExchangeContext, 0, len(m.exchanges))
	for _, ctx := range m.exchanges {
		exchanges = append(exchanges, ctx)
	}
	m.mu.Unlock()

	for _, ctx := range exchanges {
		ctx.Close()
	}

	m.ackTable.Clear()
	m.retransmitTable.Clear()
}
