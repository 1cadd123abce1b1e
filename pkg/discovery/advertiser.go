package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/openmatterio/mattergo/pkg/fabric"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

const DefaultPort = 5540

// MDNSServer abstracts an active mDNS registration so it can be faked in tests.
type MDNSServer interface {
	Shutdown()
}

// MDNSServerFactory builds MDNSServer registrations; substituting a fake
// here is how tests avoid touching a real network interface.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production MDNSServerFactory, backed by grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// activeService tracks one of this advertiser's live DNS-SD registrations.
type activeService struct {
	server       MDNSServer
	serviceType  ServiceType
	instanceName string
}

// AdvertiserConfig configures an Advertiser. The zero value is valid: it
// advertises on DefaultPort, all interfaces, and a real zeroconf factory.
type AdvertiserConfig struct {
	// HostName is stored but not used: registrations go through
	// MDNSServerFactory.Register, which takes no host name, so the mDNS
	// host name is the one zeroconf picks.
	HostName string

	// Port defaults to DefaultPort when zero or out of range.
	Port int

	// Interfaces restricts advertising to specific network interfaces;
	// nil advertises on all of them.
	Interfaces []net.Interface

	// ServerFactory defaults to a real zeroconf registration when nil.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes and tracks this node's DNS-SD service
// advertisements: commissionable, operational, and commissioner.
type Advertiser struct {
	config   AdvertiserConfig
	factory  MDNSServerFactory
	log      logging.LeveledLogger
	mu       sync.RWMutex
	services map[ServiceType]*activeService
	closed   bool
}

// NewAdvertiser builds an Advertiser from config, filling in the default
// port and a real zeroconf factory for whatever config left unset.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = DefaultPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:   config,
		factory:  factory,
		services: make(map[ServiceType]*activeService),
	}

	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}

	return a, nil
}

// appendVendorDeviceSubtypes appends "_V<vid>" and "_T<type>" subtype
// filters to subtypes when the corresponding field is non-zero; both
// StartCommissionable and StartCommissioner filter on these two fields.
func appendVendorDeviceSubtypes(subtypes []string, vendorID, deviceType uint32) []string {
	if vendorID != 0 {
		subtypes = append(subtypes, fmt.Sprintf("_V%d", vendorID))
	}
	if deviceType != 0 {
		subtypes = append(subtypes, fmt.Sprintf("_T%d", deviceType))
	}
	return subtypes
}

// StartCommissionable advertises this node as commissionable over
// "_matterc._udp", tagged with discriminator/vendor/device-type/mode
// subtypes so a commissioner's filtered browse can find it.
func (a *Advertiser) StartCommissionable(txt CommissionableTXT) error {
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: commissionable txt validation failed: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if _, exists := a.services[ServiceTypeCommissionable]; exists {
		return ErrAlreadyStarted
	}

	instanceName, err := generateRandomInstanceName()
	if err != nil {
		return fmt.Errorf("advertiser: failed to generate instance name: %w", err)
	}

	subtypes := []string{
		fmt.Sprintf("_S%d", txt.ShortDiscriminator()),
		fmt.Sprintf("_L%d", txt.Discriminator),
	}

	if txt.CommissioningMode > CommissioningModeDisabled {
		subtypes = append(subtypes, "_CM")
	}

	subtypes = appendVendorDeviceSubtypes(subtypes, uint32(txt.VendorID), uint32(txt.DeviceType))

	// grandcat/zeroconf parses a comma-joined service string into the
	// right DNS-SD PTR records, e.g. "_S15._sub._matterc._udp.local.".
	service := ServiceCommissionable
	for _, st := range subtypes {
		service += "," + st
	}

	txtRecords := txt.Encode()
	if a.log != nil {
		a.log.Debugf("Registering mDNS service: instance=%s service=%s domain=%s port=%d subtypes=%v",
			instanceName, service, DefaultDomain, a.config.Port, subtypes)
		a.log.Tracef("TXT records: %v", txtRecords)
	}

	server, err := a.factory.Register(
		instanceName,
		service,
		DefaultDomain,
		a.config.Port,
		txtRecords,
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed for %s: %w", service, err)
	}

	if a.log != nil {
		a.log.Infof("mDNS registration successful for %s", service)
	}

	a.services[ServiceTypeCommissionable] = &activeService{
		server:       server,
		serviceType:  ServiceTypeCommissionable,
		instanceName: instanceName,
	}

	return nil
}

// StartOperational advertises a commissioned node over "_matter._tcp" under
// an instance name derived from its compressed fabric ID and node ID.
func (a *Advertiser) StartOperational(compressedFabricID [8]byte, nodeID fabric.NodeID, txt OperationalTXT) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if _, exists := a.services[ServiceTypeOperational]; exists {
		return ErrAlreadyStarted
	}

	instanceName := OperationalInstanceName(compressedFabricID, nodeID)

	server, err := a.factory.Register(
		instanceName,
		ServiceOperational,
		DefaultDomain,
		a.config.Port,
		txt.Encode(),
		a.config.Interfaces,
	)
	if err != nil {
		return err
	}

	a.services[ServiceTypeOperational] = &activeService{
		server:       server,
		serviceType:  ServiceTypeOperational,
		instanceName: instanceName,
	}

	return nil
}

// StartCommissioner advertises this node as a commissioner over
// "_matterd._udp", tagged with vendor/device-type subtypes.
func (a *Advertiser) StartCommissioner(txt CommissionerTXT) error {
	if err := txt.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if _, exists := a.services[ServiceTypeCommissioner]; exists {
		return ErrAlreadyStarted
	}

	instanceName, err := generateRandomInstanceName()
	if err != nil {
		return err
	}

	subtypes := appendVendorDeviceSubtypes(nil, uint32(txt.VendorID), uint32(txt.DeviceType))

	service := ServiceCommissioner
	for _, st := range subtypes {
		service += "," + st
	}

	server, err := a.factory.Register(
		instanceName,
		service,
		DefaultDomain,
		a.config.Port,
		txt.Encode(),
		a.config.Interfaces,
	)
	if err != nil {
		return err
	}

	a.services[ServiceTypeCommissioner] = &activeService{
		server:       server,
		serviceType:  ServiceTypeCommissioner,
		instanceName: instanceName,
	}

	return nil
}

// Stop withdraws the advertisement for serviceType, returning
// ErrNotStarted if it wasn't active.
func (a *Advertiser) Stop(serviceType ServiceType) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	svc, exists := a.services[serviceType]
	if !exists {
		return ErrNotStarted
	}

	svc.server.Shutdown()
	delete(a.services, serviceType)

	return nil
}

// StopAll withdraws every active advertisement.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = make(map[ServiceType]*activeService)
}

// Close withdraws every advertisement and marks the Advertiser unusable
// for further Start* calls.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = nil
	a.closed = true

	return nil
}

func (a *Advertiser) IsAdvertising(serviceType ServiceType) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.services[serviceType]
	return exists
}

// GetInstanceName returns the live instance name for serviceType, or "" if
// it isn't currently being advertised.
func (a *Advertiser) GetInstanceName(serviceType ServiceType) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if svc, exists := a.services[serviceType]; exists {
		return svc.instanceName
	}
	return ""
}

// generateRandomInstanceName picks a random 64-bit instance name, rendered
// as 16 uppercase hex characters.
func generateRandomInstanceName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", binary.BigEndian.Uint64(buf[:])), nil
}

// AdvertiserWithContext ties an Advertiser's lifetime to a context,
// closing it automatically when the context is cancelled.
type AdvertiserWithContext struct {
	*Advertiser
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAdvertiserWithContext builds an Advertiser that closes itself when ctx
// is done, in addition to closing explicitly via Close.
func NewAdvertiserWithContext(ctx context.Context, config AdvertiserConfig) (*AdvertiserWithContext, error) {
	adv, err := NewAdvertiser(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	awc := &AdvertiserWithContext{
		Advertiser: adv,
		ctx:        ctx,
		cancel:     cancel,
	}

	go func() {
		<-ctx.Done()
		adv.Close()
	}()

	return awc, nil
}

// Close cancels the backing context, then closes the wrapped Advertiser.
func (a *AdvertiserWithContext) Close() error {
	a.cancel()
	return a.Advertiser.Close()
}
