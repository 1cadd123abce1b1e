package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/openmatterio/mattergo/pkg/fabric"
	"github.com/grandcat/zeroconf"
)

const (
	DefaultBrowseTimeout = 10 * time.Second
	DefaultLookupTimeout = 5 * time.Second
)

// ResolvedService is a DNS-SD record translated into the fields a caller
// actually needs, with the address list already ranked by how reachable it's
// likely to be.
type ResolvedService struct {
	ServiceType  ServiceType
	InstanceName string
	HostName     string
	Port         int

	// IPs is sorted by preference; use PreferredIP for the first entry.
	IPs []net.IP

	// Text holds the TXT record key-value pairs, unparsed beyond that.
	Text map[string]string
}

// PreferredIP returns the address this service should be dialed on, or nil
// if resolution came back with no addresses at all.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

func (r *ResolvedService) IPv6Addresses() []net.IP {
	return FilterIPv6(r.IPs)
}

func (r *ResolvedService) IPv4Addresses() []net.IP {
	return FilterIPv4(r.IPs)
}

// MDNSResolver abstracts the underlying mDNS client so tests can substitute
// a fake instead of listening on a real network interface.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver wraps grandcat/zeroconf as the production MDNSResolver.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig configures a Resolver. A zero value is valid: it falls
// back to a real zeroconf client and the package's default timeouts.
type ResolverConfig struct {
	MDNSResolver  MDNSResolver
	BrowseTimeout time.Duration
	LookupTimeout time.Duration
}

// Resolver discovers Matter services via DNS-SD, either by browsing a
// service type or looking up one known instance by name.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver builds a Resolver from config, filling in a real zeroconf
// client and the default timeouts for whatever config left unset.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// BrowseCommissionable streams every commissionable node seen on the
// network until ctx is cancelled or the browse timeout expires.
func (r *Resolver) BrowseCommissionable(ctx context.Context) (<-chan ResolvedService, error) {
	return r.browse(ctx, ServiceTypeCommissionable, ServiceCommissionable)
}

// BrowseCommissionableWithFilter is BrowseCommissionable narrowed to one
// mDNS subtype filter, e.g. "_S3" (short discriminator), "_L840" (long
// discriminator), "_V123" (vendor ID), "_T81" (device type), or "_CM"
// (commissioning mode).
func (r *Resolver) BrowseCommissionableWithFilter(ctx context.Context, filter string) (<-chan ResolvedService, error) {
	service := filter + "._sub." + ServiceCommissionable
	return r.browse(ctx, ServiceTypeCommissionable, service)
}

// BrowseOperational streams every operational node seen on the network
// until ctx is cancelled or the browse timeout expires.
func (r *Resolver) BrowseOperational(ctx context.Context) (<-chan ResolvedService, error) {
	return r.browse(ctx, ServiceTypeOperational, ServiceOperational)
}

// BrowseCommissioner streams every commissioner seen on the network until
// ctx is cancelled or the browse timeout expires.
func (r *Resolver) BrowseCommissioner(ctx context.Context) (<-chan ResolvedService, error) {
	return r.browse(ctx, ServiceTypeCommissioner, ServiceCommissioner)
}

func (r *Resolver) browse(ctx context.Context, serviceType ServiceType, service string) (<-chan ResolvedService, error) {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
		defer cancel()
	}

	go func() {
		defer close(results)

		go func() {
			defer close(entries)
			r.resolver.Browse(ctx, service, DefaultDomain, entries)
		}()

		for entry := range entries {
			svc := entryToResolvedService(entry, serviceType)
			select {
			case results <- svc:
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}

// LookupOperational finds a specific commissioned node by its compressed
// fabric ID and node ID, the primary way to re-locate an already-paired device.
func (r *Resolver) LookupOperational(ctx context.Context, compressedFabricID [8]byte, nodeID fabric.NodeID) (*ResolvedService, error) {
	instanceName := OperationalInstanceName(compressedFabricID, nodeID)
	return r.Lookup(ctx, ServiceTypeOperational, instanceName)
}

// Lookup resolves one named instance of serviceType. It returns
// ErrServiceNotFound if the resolver finishes without an answer, and
// ErrTimeout if the lookup times out first.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*ResolvedService, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}

	service := serviceType.ServiceString()
	if service == "" {
		return nil, ErrInvalidServiceType
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, instanceName, service, DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		svc := entryToResolvedService(entry, serviceType)
		return &svc, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// entryToResolvedService flattens a zeroconf entry into a ResolvedService,
// merging and ranking its address families and parsing its TXT record.
func entryToResolvedService(entry *zeroconf.ServiceEntry, serviceType ServiceType) ResolvedService {
	var allIPs []net.IP
	for _, ip := range entry.AddrIPv6 {
		allIPs = append(allIPs, ip)
	}
	for _, ip := range entry.AddrIPv4 {
		allIPs = append(allIPs, ip)
	}

	sortedIPs := SortIPsByPreference(allIPs)
	txtMap := ParseTXT(entry.Text)

	return ResolvedService{
		ServiceType:  serviceType,
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          sortedIPs,
		Text:         txtMap,
	}
}

// DiscoverCommissionableNode browses for commissionable nodes filtered by
// discriminator and returns the first one seen.
func (r *Resolver) DiscoverCommissionableNode(ctx context.Context, discriminator uint16) (*ResolvedService, error) {
	filter := LongDiscriminatorSubtype(discriminator)
	services, err := r.BrowseCommissionableWithFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	for svc := range services {
		return &svc, nil
	}

	return nil, ErrServiceNotFound
}

// ShortDiscriminatorSubtype builds a "_S<value>" mDNS subtype filter. Only
// valid for single-digit discriminators (0-9).
func ShortDiscriminatorSubtype(shortDiscriminator uint8) string {
	return "_S" + string(rune('0'+shortDiscriminator))
}

func LongDiscriminatorSubtype(discriminator uint16) string {
	return "_L" + strconv.Itoa(int(discriminator))
}

func VendorIDSubtype(vendorID fabric.VendorID) string {
	return "_V" + strconv.Itoa(int(vendorID))
}

func DeviceTypeSubtype(deviceType uint32) string {
	return "_T" + strconv.Itoa(int(deviceType))
}

// CommissioningModeSubtype is the subtype filter matching nodes currently
// in commissioning mode.
const CommissioningModeSubtype = "_CM"
