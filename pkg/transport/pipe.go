package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Factory builds the sockets a transport.Manager listens on, real or
// virtual, so the same Manager code path can run against a live NIC or
// an in-memory harness.
type Factory interface {
	CreateUDPConn(port int) (net.PacketConn, error)

	// CreateTCPListener returns nil, nil when TCP isn't backed by this factory.
	CreateTCPListener(port int) (net.Listener, error)
}

// NetworkCondition describes packet loss/latency/duplication to inject
// on a Pipe, for exercising MRP's retransmit and reorder handling without
// a real flaky network.
type NetworkCondition struct {
	DropRate      float64
	DelayMin      time.Duration
	DelayMax      time.Duration
	DuplicateRate float64

	// ReorderRate and ReorderDelay are accepted for future use but not
	// yet applied by WriteTo.
	ReorderRate  float64
	ReorderDelay time.Duration
}

// PipeConfig controls how a Pipe delivers queued packets.
type PipeConfig struct {
	// AutoProcess runs delivery on a background goroutine when true (the
	// default); set false and call Tick/Process yourself for deterministic
	// control over packet ordering in a test.
	AutoProcess bool

	// PollInterval is how often the background goroutine checks for
	// queued packets when AutoProcess is on.
	PollInterval time.Duration
}

// DefaultPipeConfig returns auto-processing enabled with a 1ms poll interval.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:  true,
		PollInterval: time.Millisecond,
	}
}

// Pipe is an in-memory, bidirectional packet link between two endpoints,
// built on pion's test.Bridge with packet-loss/delay/duplication
// simulation layered on top. Tests use it in place of real UDP sockets
// to get deterministic, flake-free message delivery.
type Pipe struct {
	bridge *test.Bridge

	mu           sync.RWMutex
	condition    NetworkCondition
	closed       bool
	rng          *rand.Rand
	autoProcess  bool
	pollInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewPipe builds a Pipe with the default (auto-processing) configuration.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig builds a Pipe, starting its delivery goroutine if
// config requests auto-processing.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:       test.NewBridge(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:  config.AutoProcess,
		pollInterval: config.PollInterval,
		stopCh:       make(chan struct{}),
	}

	if p.pollInterval == 0 {
		p.pollInterval = time.Millisecond
	}

	if p.autoProcess {
		p.runDeliveryLoop()
	}

	return p
}

// runDeliveryLoop ticks the bridge on pollInterval until stopCh closes.
func (p *Pipe) runDeliveryLoop() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess toggles the background delivery goroutine; with it off,
// a caller must drive delivery with Tick or Process to get determinism.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.runDeliveryLoop()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess reports whether the background delivery goroutine is running.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition replaces the network condition applied to packets in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the currently configured network condition.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Conn0 returns endpoint 0's connection.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns endpoint 1's connection.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Tick delivers at most one queued packet per direction, returning how
// many were delivered (0, 1, or 2). Only useful with auto-processing off.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process drains every queued packet by calling Tick until it returns 0,
// returning the total delivered. Only useful with auto-processing off.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close stops the delivery goroutine (if running) and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	var firstErr error
	if err := p.bridge.GetConn0().Close(); err != nil {
		firstErr = err
	}
	if err := p.bridge.GetConn1().Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn wraps a Pipe endpoint to implement net.PacketConn.
// This allows pipes to be used with Matter's UDP transport layer.
type PipePacketConn struct {
	conn     net.Conn
	localID  int
	port     int
	peerAddr net.Addr
	pipe     *Pipe
}

// ReadFrom reads a packet from the pipe.
// The returned address is the peer's address.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a packet to the pipe.
// The addr parameter is ignored since the pipe has only one peer.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	if c.pipe == nil {
		return c.conn.Write(b)
	}

	c.pipe.mu.RLock()
	cond := c.pipe.condition
	rng := c.pipe.rng
	c.pipe.mu.RUnlock()

	if dropped := cond.DropRate > 0 && rng.Float64() < cond.DropRate; dropped {
		return len(b), nil
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if cond.DuplicateRate > 0 && rng.Float64() < cond.DuplicateRate {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}

	return c.conn.Write(b)
}

func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr reports this endpoint's pipe address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return PipeAddr{ID: c.localID, Port: c.port}
}

func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var _ net.PacketConn = (*PipePacketConn)(nil)

// PipeFactory is a Factory backed by a shared Pipe: two PipeFactory
// instances built as a pair hand out connections to opposite ends of
// the same in-memory link, letting a test stand up a full commissioner
// and device without any real socket.
type PipeFactory struct {
	mu      sync.Mutex
	peer    *PipeFactory
	pipe    *Pipe
	localID int // 0 or 1
	udpConn *PipePacketConn
}

// NewPipeFactoryPair returns two linked factories with auto-processing
// enabled, one per side of a fresh Pipe.
func NewPipeFactoryPair() (*PipeFactory, *PipeFactory) {
	return NewPipeFactoryPairWithConfig(DefaultPipeConfig())
}

// NewPipeFactoryPairWithConfig is NewPipeFactoryPair with an explicit
// PipeConfig, e.g. AutoProcess: false for manual delivery control.
func NewPipeFactoryPairWithConfig(config PipeConfig) (*PipeFactory, *PipeFactory) {
	pipe := NewPipeWithConfig(config)

	f0 := &PipeFactory{pipe: pipe, localID: 0}
	f1 := &PipeFactory{pipe: pipe, localID: 1}
	f0.peer = f1
	f1.peer = f0

	return f0, f1
}

// Pipe exposes the underlying Pipe for SetAutoProcess/SetCondition/Process calls.
func (f *PipeFactory) Pipe() *Pipe {
	return f.pipe
}

// LocalAddr returns this side's pipe address.
func (f *PipeFactory) LocalAddr() net.Addr {
	return PipeAddr{ID: f.localID, Port: DefaultPort}
}

// PeerAddr returns the other side's pipe address.
func (f *PipeFactory) PeerAddr() net.Addr {
	return PipeAddr{ID: 1 - f.localID, Port: DefaultPort}
}

// CreateUDPConn returns this side's packet connection over the pipe,
// creating it on first call and reusing it afterward.
func (f *PipeFactory) CreateUDPConn(port int) (net.PacketConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.udpConn != nil {
		return f.udpConn, nil
	}

	var conn net.Conn
	if f.localID == 0 {
		conn = f.pipe.Conn0()
	} else {
		conn = f.pipe.Conn1()
	}

	f.udpConn = &PipePacketConn{
		conn:     conn,
		localID:  f.localID,
		port:     port,
		peerAddr: PipeAddr{ID: 1 - f.localID, Port: port},
		pipe:     f.pipe,
	}

	return f.udpConn, nil
}

// CreateTCPListener always returns nil: a Pipe only models a single
// packet-oriented link, so TCP isn't available over it.
func (f *PipeFactory) CreateTCPListener(port int) (net.Listener, error) {
	return nil, nil
}

// SetCondition applies cond to this factory's shared pipe.
func (f *PipeFactory) SetCondition(cond NetworkCondition) {
	f.pipe.SetCondition(cond)
}

var _ Factory = (*PipeFactory)(nil)
