// Package discovery finds p2pnet nodes on the LAN through mDNS and hands
// them to the caller so they can be greeted on the port they advertise.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService     = "_p2pnet._tcp"
	DefaultDomain      = "local."
	DefaultVersion     = 1
	DefaultInterval    = 10 * time.Second
	DefaultScanWindow  = 3 * time.Second
	DefaultMissedScans = 3
	// DefaultTTL is the advertised record TTL in seconds.
	DefaultTTL = 120
)

// ErrStopped is returned by Scan once the browser has been stopped.
var ErrStopped = errors.New("discovery: stopped")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service string
	Domain  string
	Version int
	TTL     uint32

	// Interval paces background scans; ScanWindow bounds each one.
	Interval   time.Duration
	ScanWindow time.Duration
	// MissedScans is how many scans in a row a node may be absent from
	// before it is reported gone.
	MissedScans int

	NodeID   string
	NodeName string
	Port     int
	// ListenIP limits advertising and browsing to the interface that owns
	// this address. Empty uses every multicast interface.
	ListenIP string

	// OnPeer is called for nodes that are new, whose advertisement
	// changed, or whose previous OnPeer call failed.
	OnPeer func(ctx context.Context, peer Peer) error
	// OnPeerGone is called once a node has been missed MissedScans times.
	OnPeerGone func(peer Peer)

	Logger logrus.FieldLogger

	register registerFunc
	browse   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = DefaultScanWindow
	}
	if c.MissedScans <= 0 {
		c.MissedScans = DefaultMissedScans
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.register == nil {
		c.register = zeroconf.Register
	}
	return c
}

// Peer is a node found through mDNS.
type Peer struct {
	NodeID    string
	Name      string
	Version   int
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// IPv4 returns the first IPv4 address the node advertised.
func (p Peer) IPv4() (string, bool) {
	for _, raw := range p.Addresses {
		if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
			return ip.String(), true
		}
	}
	return "", false
}

func (p Peer) sameAdvertisement(other Peer) bool {
	if p.Name != other.Name || p.Version != other.Version || p.Port != other.Port {
		return false
	}
	return strings.Join(p.Addresses, ",") == strings.Join(other.Addresses, ",")
}

// interfacesFor returns the interface owning listenIP, or nil for all.
func interfacesFor(listenIP string) ([]net.Interface, error) {
	if listenIP == "" {
		return nil, nil
	}
	want := net.ParseIP(listenIP)
	if want == nil {
		return nil, fmt.Errorf("discovery: invalid listen address %q", listenIP)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(want) {
				return []net.Interface{iface}, nil
			}
		}
	}
	return nil, fmt.Errorf("discovery: no interface owns %s", listenIP)
}

// Service advertises this node and browses for others.
type Service struct {
	advertiser *Advertiser
	browser    *Browser
}

// Start advertises the node and begins background scans.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := Advertise(cfg)
	if err != nil {
		return nil, err
	}
	browser, err := NewBrowser(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	browser.Start()

	return &Service{advertiser: advertiser, browser: browser}, nil
}

// Peers returns the nodes currently known.
func (s *Service) Peers() []Peer {
	return s.browser.Peers()
}

// Scan runs one scan immediately.
func (s *Service) Scan(ctx context.Context) error {
	return s.browser.Scan(ctx)
}

// Stop ends browsing and withdraws the advertisement. It is safe on a nil
// Service.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.browser.Stop()
	s.advertiser.Stop()
}
