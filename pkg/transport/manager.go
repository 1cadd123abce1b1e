package transport

import (
	"fmt"
	"net"
	"sync"
)

// Manager fans a node's inbound/outbound Matter traffic across whichever
// of UDP and TCP are enabled, presenting callers a single Send/Stop pair
// regardless of which underlying socket a given peer needs.
type Manager struct {
	udp     *UDP
	tcp     *TCP
	handler MessageHandler

	mu      sync.RWMutex
	started bool
	closed  bool
}

// ManagerConfig describes which transports to bring up and where.
type ManagerConfig struct {
	// Port is the listen port; zero means DefaultPort.
	Port int

	// UDPEnabled and TCPEnabled each default to true when both are left
	// false, so a caller that cares about only one sets the other explicitly.
	UDPEnabled bool
	TCPEnabled bool

	// MessageHandler receives every inbound message from either transport. Required.
	MessageHandler MessageHandler

	// UDPConn and TCPListener let a test supply an in-memory socket instead
	// of binding a real one.
	UDPConn     net.PacketConn
	TCPListener net.Listener
}

// NewManager brings up whichever transports config enables and wires
// them all to the same MessageHandler.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	if config.Port == 0 {
		config.Port = DefaultPort
	}

	if !config.UDPEnabled && !config.TCPEnabled {
		config.UDPEnabled = true
		config.TCPEnabled = true
	}

	m := &Manager{
		handler: config.MessageHandler,
	}

	listenAddr := fmt.Sprintf(":%d", config.Port)

	if config.UDPEnabled {
		udp, err := NewUDP(UDPConfig{
			Conn:           config.UDPConn,
			ListenAddr:     listenAddr,
			MessageHandler: config.MessageHandler,
		})
		if err != nil {
			return nil, fmt.Errorf("creating UDP transport: %w", err)
		}
		m.udp = udp
	}

	if config.TCPEnabled {
		tcp, err := NewTCP(TCPConfig{
			Listener:       config.TCPListener,
			ListenAddr:     listenAddr,
			MessageHandler: config.MessageHandler,
		})
		if err != nil {
			if m.udp != nil {
				m.udp.Stop()
			}
			return nil, fmt.Errorf("creating TCP transport: %w", err)
		}
		m.tcp = tcp
	}

	return m, nil
}

// Start begins the read loop on every transport this Manager enabled,
// rolling back whatever already started if a later one fails.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	if m.udp != nil {
		if err := m.udp.Start(); err != nil {
			return fmt.Errorf("starting UDP transport: %w", err)
		}
	}

	if m.tcp != nil {
		if err := m.tcp.Start(); err != nil {
			if m.udp != nil {
				m.udp.Stop()
			}
			return fmt.Errorf("starting TCP transport: %w", err)
		}
	}

	return nil
}

// Stop closes every enabled transport, returning the first non-trivial
// error encountered (closing an already-closed transport is not one).
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	record := func(label string, err error) {
		if err != nil && err != ErrClosed && firstErr == nil {
			firstErr = fmt.Errorf("stopping %s: %w", label, err)
		}
	}

	if m.udp != nil {
		record("UDP", m.udp.Stop())
	}
	if m.tcp != nil {
		record("TCP", m.tcp.Stop())
	}

	return firstErr
}

// Send routes data to peer over whichever transport peer.TransportType names.
func (m *Manager) Send(data []byte, peer PeerAddress) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	if !peer.IsValid() {
		return ErrInvalidAddress
	}

	switch peer.TransportType {
	case TransportTypeUDP:
		if m.udp == nil {
			return fmt.Errorf("UDP transport not enabled")
		}
		return m.udp.Send(data, peer.Addr)
	case TransportTypeTCP:
		if m.tcp == nil {
			return fmt.Errorf("TCP transport not enabled")
		}
		return m.tcp.SendRaw(data, peer.Addr)
	default:
		return ErrInvalidAddress
	}
}

// LocalAddresses lists the bound address of every enabled transport.
func (m *Manager) LocalAddresses() []net.Addr {
	var addrs []net.Addr

	if m.udp != nil {
		addrs = append(addrs, m.udp.LocalAddr())
	}
	if m.tcp != nil {
		addrs = append(addrs, m.tcp.LocalAddr())
	}

	return addrs
}

// UDP returns the UDP transport, or nil if it wasn't enabled.
func (m *Manager) UDP() *UDP {
	return m.udp
}

// TCP returns the TCP transport, or nil if it wasn't enabled.
func (m *Manager) TCP() *TCP {
	return m.tcp
}
