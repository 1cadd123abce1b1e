package session

import (
	"sync"
	"time"

	"github.com/openmatterio/mattergo/pkg/fabric"
	"github.com/openmatterio/mattergo/pkg/message"
)

const (
	SessionKeySize   = 16 // I2R/R2I encryption key size for AES-128
	ResumptionIDSize = 16
	MaxCATCount      = 3 // CASE Authenticated Tags a NOC may carry
)

// SecureContext is the state pkg/securechannel hands off once a PASE or
// CASE handshake completes: the derived keys and their codecs, the
// anti-replay counters, the fabric/peer binding, resumption data, activity
// timestamps, and MRP timing parameters a live secure session needs.
type SecureContext struct {
	sessionType    SessionType
	role           SessionRole
	localSessionID uint16 // routes an incoming message to this context
	peerSessionID  uint16 // goes in the Session ID field of outgoing messages

	i2rKey       []byte // initiator-to-responder key
	r2iKey       []byte // responder-to-initiator key
	sharedSecret []byte // nil except for a CASE session kept for resumption

	encryptCodec *message.Codec
	decryptCodec *message.Codec

	localCounter   *message.SessionCounter
	receptionState *message.ReceptionState

	fabricIndex fabric.FabricIndex // 0 for a PASE session before AddNOC
	peerNodeID  fabric.NodeID      // 0 for PASE
	localNodeID fabric.NodeID      // 0 for PASE; used in nonce construction

	resumptionID [ResumptionIDSize]byte

	sessionTimestamp time.Time // last send or receive
	activeTimestamp  time.Time // last receive, drives IsPeerActive

	params Params

	caseAuthTags []uint32

	mu sync.RWMutex
}

// SecureContextConfig carries the handshake output NewSecureContext needs
// to build a SecureContext.
type SecureContextConfig struct {
	SessionType    SessionType
	Role           SessionRole
	LocalSessionID uint16
	PeerSessionID  uint16
	I2RKey         []byte // must be SessionKeySize bytes
	R2IKey         []byte // must be SessionKeySize bytes
	SharedSecret   []byte // optional, CASE resumption only
	FabricIndex    fabric.FabricIndex
	PeerNodeID     fabric.NodeID
	LocalNodeID    fabric.NodeID
	Params         Params
	CaseAuthTags   []uint32 // truncated to MaxCATCount
}

// NewSecureContext builds a SecureContext from a completed PASE/CASE
// handshake, deriving the encrypt/decrypt codecs for config.Role and
// copying every caller-owned slice so the context doesn't alias them.
func NewSecureContext(config SecureContextConfig) (*SecureContext, error) {
	if !config.SessionType.IsValid() {
		return nil, ErrInvalidSessionType
	}
	if !config.Role.IsValid() {
		return nil, ErrInvalidRole
	}
	if config.LocalSessionID == 0 {
		return nil, ErrInvalidSessionID
	}
	if len(config.I2RKey) != SessionKeySize {
		return nil, ErrInvalidKey
	}
	if len(config.R2IKey) != SessionKeySize {
		return nil, ErrInvalidKey
	}

	// A PASE session has no operational node identity yet, so its nonce
	// construction always uses the unspecified (0) node ID.
	localNodeIDForNonce := uint64(config.LocalNodeID)
	peerNodeIDForNonce := uint64(config.PeerNodeID)
	if config.SessionType == SessionTypePASE {
		localNodeIDForNonce = 0
		peerNodeIDForNonce = 0
	}

	encryptKey, decryptKey := config.R2IKey, config.I2RKey
	encryptNonceID, decryptNonceID := localNodeIDForNonce, peerNodeIDForNonce
	if config.Role == SessionRoleInitiator {
		encryptKey, decryptKey = config.I2RKey, config.R2IKey
	}

	encryptCodec, err := message.NewCodec(encryptKey, encryptNonceID)
	if err != nil {
		return nil, err
	}
	decryptCodec, err := message.NewCodec(decryptKey, decryptNonceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	ctx := &SecureContext{
		sessionType:      config.SessionType,
		role:             config.Role,
		localSessionID:   config.LocalSessionID,
		peerSessionID:    config.PeerSessionID,
		i2rKey:           make([]byte, SessionKeySize),
		r2iKey:           make([]byte, SessionKeySize),
		encryptCodec:     encryptCodec,
		decryptCodec:     decryptCodec,
		localCounter:     message.NewSessionCounter(),
		receptionState:   message.NewReceptionStateEmpty(),
		fabricIndex:      config.FabricIndex,
		peerNodeID:       config.PeerNodeID,
		localNodeID:      config.LocalNodeID,
		sessionTimestamp: now,
		activeTimestamp:  now,
		params:           config.Params.WithDefaults(),
	}

	copy(ctx.i2rKey, config.I2RKey)
	copy(ctx.r2iKey, config.R2IKey)

	if len(config.SharedSecret) > 0 {
		ctx.sharedSecret = make([]byte, len(config.SharedSecret))
		copy(ctx.sharedSecret, config.SharedSecret)
	}

	if len(config.CaseAuthTags) > 0 {
		count := len(config.CaseAuthTags)
		if count > MaxCATCount {
			count = MaxCATCount
		}
		ctx.caseAuthTags = make([]uint32, count)
		copy(ctx.caseAuthTags, config.CaseAuthTags[:count])
	}

	return ctx, nil
}

func (s *SecureContext) LocalSessionID() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localSessionID
}

func (s *SecureContext) PeerSessionID() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerSessionID
}

func (s *SecureContext) SessionType() SessionType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionType
}

func (s *SecureContext) Role() SessionRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// FabricIndex is 0 for a PASE session that hasn't completed AddNOC yet.
func (s *SecureContext) FabricIndex() fabric.FabricIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fabricIndex
}

// SetFabricIndex binds this session to a fabric once AddNOC completes.
func (s *SecureContext) SetFabricIndex(index fabric.FabricIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fabricIndex = index
}

// PeerNodeID is 0 for a PASE session.
func (s *SecureContext) PeerNodeID() fabric.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerNodeID
}

// LocalNodeID is 0 for a PASE session.
func (s *SecureContext) LocalNodeID() fabric.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localNodeID
}

// Encrypt assigns header the next local counter value and the peer's
// session ID, then returns the fully encrypted wire frame.
func (s *SecureContext) Encrypt(header *message.MessageHeader, protocol *message.ProtocolHeader, payload []byte, privacy bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, err := s.localCounter.Next()
	if err != nil {
		return nil, ErrCounterExhausted
	}

	header.SessionID = s.peerSessionID
	header.MessageCounter = counter

	encrypted, err := s.encryptCodec.Encode(header, protocol, payload, privacy)
	if err != nil {
		return nil, err
	}

	s.sessionTimestamp = time.Now()

	return encrypted, nil
}

// Decrypt decrypts an incoming message.
// Returns the decrypted frame with protocol header and payload.
//
// The message counter is checked against the reception state only after a
// successful AEAD open: a duplicate counter is a property of an otherwise
// valid message, not a decode failure, and the caller needs the decoded
// frame (exchange ID, message counter) to send a standalone ack for it per
// the retransmission rules, even though the payload itself is dropped. A
// duplicate is reported by returning the frame together with
// ErrReplayDetected; every other decode problem returns a nil frame.
func (s *SecureContext) Decrypt(data []byte) (*message.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Get the NodeID for nonce construction
	peerNodeIDForNonce := uint64(s.peerNodeID)
	if s.sessionType == SessionTypePASE {
		peerNodeIDForNonce = 0
	}

	// Decrypt using the appropriate codec
	frame, err := s.decryptCodec.Decode(data, peerNodeIDForNonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	// Update timestamps regardless of duplicate status: the peer is still
	// alive and talking to us even if this particular counter is a repeat.
	now := time.Now()
	s.sessionTimestamp = now
	s.activeTimestamp = now

	// Verify message counter for replay. A duplicate still yields the
	// decoded frame so the caller can ack-and-drop instead of silently
	// dropping, which would otherwise strand the peer on a lost ack.
	if !s.receptionState.CheckAndAccept(frame.Header.MessageCounter, false) {
		return frame, ErrReplayDetected
	}

	return frame, nil
}

// NextCounter returns and increments the local message counter, failing
// with ErrCounterExhausted once it has wrapped.
func (s *SecureContext) NextCounter() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, err := s.localCounter.Next()
	if err != nil {
		return 0, ErrCounterExhausted
	}
	return counter, nil
}

// CheckCounter reports whether an incoming message counter should be
// accepted under the session's anti-replay window.
func (s *SecureContext) CheckCounter(counter uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receptionState.CheckAndAccept(counter, false)
}

// IsPeerActive reports whether the peer has received a message recently
// enough to still be considered in active mode, for MRP retransmission timing.
func (s *SecureContext) IsPeerActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.activeTimestamp) < s.params.ActiveThreshold
}

// MarkActivity refreshes the session's timestamps; pass isReceive=true for
// an inbound message, false for outbound.
func (s *SecureContext) MarkActivity(isReceive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sessionTimestamp = now
	if isReceive {
		s.activeTimestamp = now
	}
}

func (s *SecureContext) GetParams() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *SecureContext) SetParams(params Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params.WithDefaults()
}

// SetResumptionID records the resumption ID a completed CASE handshake issued.
func (s *SecureContext) SetResumptionID(id [ResumptionIDSize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumptionID = id
}

func (s *SecureContext) ResumptionID() [ResumptionIDSize]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumptionID
}

// SharedSecret returns a copy of the CASE resumption secret, or nil for a
// PASE session.
func (s *SecureContext) SharedSecret() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sharedSecret == nil {
		return nil
	}
	result := make([]byte, len(s.sharedSecret))
	copy(result, s.sharedSecret)
	return result
}

// CaseAuthTags returns a copy of the session's CASE Authenticated Tags, or
// nil for a PASE session or one with none.
func (s *SecureContext) CaseAuthTags() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caseAuthTags == nil {
		return nil
	}
	result := make([]uint32, len(s.caseAuthTags))
	copy(result, s.caseAuthTags)
	return result
}

func (s *SecureContext) SessionTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionTimestamp
}

func (s *SecureContext) ActiveTimestamp() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTimestamp
}

// zeroBytes overwrites b in place; used to scrub key material from memory
// before it's released.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroizeKeys scrubs the session's key material from memory and invalidates
// its codecs. Call this when tearing down a session.
func (s *SecureContext) ZeroizeKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zeroBytes(s.i2rKey)
	zeroBytes(s.r2iKey)
	zeroBytes(s.sharedSecret)

	s.encryptCodec = nil
	s.decryptCodec = nil
}
