package session

import (
	"sync"

	"github.com/openmatterio/mattergo/pkg/fabric"
	"github.com/openmatterio/mattergo/pkg/message"
)

const DefaultMaxGroupPeers = 64

// Manager is the main entry point pkg/securechannel and pkg/exchange use
// for session bookkeeping: it owns the secure (PASE/CASE) session table, the
// group-message replay counters, and the global counter used before any
// secure session exists.
type Manager struct {
	secure        *Table
	groupPeers    *GroupPeerTable
	globalCounter *message.GlobalCounter

	mu sync.RWMutex
}

// ManagerConfig bounds how many secure sessions and group peers a Manager
// tracks at once. Zero or negative fields fall back to their defaults.
type ManagerConfig struct {
	MaxSessions   int // default DefaultMaxSessions
	MaxGroupPeers int // default DefaultMaxGroupPeers
}

// NewManager builds a Manager from config, applying defaults for any unset bound.
func NewManager(config ManagerConfig) *Manager {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.MaxGroupPeers <= 0 {
		config.MaxGroupPeers = DefaultMaxGroupPeers
	}

	return &Manager{
		secure:        NewTable(config.MaxSessions),
		groupPeers:    NewGroupPeerTable(config.MaxGroupPeers),
		globalCounter: message.NewGlobalCounter(),
	}
}

// AllocateSessionID reserves a fresh local session ID, failing with
// ErrSessionTableFull once the secure table has no room left.
func (m *Manager) AllocateSessionID() (uint16, error) {
	return m.secure.AllocateID()
}

// AddSecureContext registers ctx once pkg/securechannel finishes a
// PASE/CASE handshake.
func (m *Manager) AddSecureContext(ctx *SecureContext) error {
	return m.secure.Add(ctx)
}

// RemoveSecureContext zeroizes and drops the secure context at
// localSessionID, if one exists.
func (m *Manager) RemoveSecureContext(localSessionID uint16) {
	zeroizeIfPresent(m.secure.FindByLocalID(localSessionID))
	m.secure.Remove(localSessionID)
}

func (m *Manager) FindSecureContext(localSessionID uint16) *SecureContext {
	return m.secure.FindByLocalID(localSessionID)
}

func (m *Manager) FindSecureContextByPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) []*SecureContext {
	return m.secure.FindByPeer(fabricIndex, nodeID)
}

func (m *Manager) FindSecureContextByFabric(fabricIndex fabric.FabricIndex) []*SecureContext {
	return m.secure.FindByFabric(fabricIndex)
}

func (m *Manager) SecureSessionCount() int {
	return m.secure.Count()
}

func (m *Manager) IsSecureTableFull() bool {
	return m.secure.IsFull()
}

// GlobalCounter returns the counter used for unsecured messages during a
// PASE/CASE handshake, before any secure session exists to carry its own.
func (m *Manager) GlobalCounter() *message.GlobalCounter {
	return m.globalCounter
}

func (m *Manager) NextGlobalCounter() (uint32, error) {
	return m.globalCounter.Next()
}

// CheckGroupCounter reports whether a group message's counter should be
// accepted under the trust-first replay policy.
func (m *Manager) CheckGroupCounter(fabricIndex fabric.FabricIndex, sourceNodeID fabric.NodeID, counter uint32) bool {
	return m.groupPeers.CheckCounter(fabricIndex, sourceNodeID, counter)
}

func (m *Manager) RemoveGroupPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) {
	m.groupPeers.RemovePeer(fabricIndex, nodeID)
}

// zeroizeIfPresent zeroizes each context's keys, tolerating a nil slice or
// a nil single context so callers don't need their own presence check.
func zeroizeIfPresent(contexts ...*SecureContext) {
	for _, ctx := range contexts {
		if ctx != nil {
			ctx.ZeroizeKeys()
		}
	}
}

// RemoveFabric zeroizes and drops every secure session and group peer
// tracked on fabricIndex, as happens when that fabric is removed from the node.
func (m *Manager) RemoveFabric(fabricIndex fabric.FabricIndex) {
	zeroizeIfPresent(m.secure.FindByFabric(fabricIndex)...)
	m.secure.RemoveByFabric(fabricIndex)

	m.groupPeers.RemoveFabric(fabricIndex)
}

// RemovePeer zeroizes and drops every secure session and group peer entry
// tracked for nodeID on fabricIndex, as happens when that peer is removed.
func (m *Manager) RemovePeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) {
	zeroizeIfPresent(m.secure.FindByPeer(fabricIndex, nodeID)...)
	m.secure.RemoveByPeer(fabricIndex, nodeID)

	m.groupPeers.RemovePeer(fabricIndex, nodeID)
}

// Clear zeroizes every session key and resets the manager to an empty state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secure.ForEach(func(ctx *SecureContext) bool {
		ctx.ZeroizeKeys()
		return true
	})

	m.secure.Clear()
	m.groupPeers.Clear()

	m.globalCounter = message.NewGlobalCounter()
}

// ForEachSecureSession calls fn for every secure session, stopping early if
// fn returns false.
func (m *Manager) ForEachSecureSession(fn func(*SecureContext) bool) {
	m.secure.ForEach(fn)
}

func (m *Manager) GroupPeerCount() int {
	return m.groupPeers.Count()
}
