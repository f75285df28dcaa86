package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

type tracked struct {
	peer       Peer
	missed     int
	introduced bool
}

// Browser scans for other nodes and tracks which ones are present.
type Browser struct {
	cfg    Config
	browse browseFunc
	log    logrus.FieldLogger

	scanMu sync.Mutex

	mu    sync.RWMutex
	peers map[string]*tracked

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBrowser prepares a browser. Scans do not begin until Start or Scan.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("discovery: node id is required")
	}

	browse := cfg.browse
	if browse == nil {
		ifaces, err := interfacesFor(cfg.ListenIP)
		if err != nil {
			return nil, err
		}
		browse = resolverBrowse(ifaces)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		cfg:    cfg,
		browse: browse,
		log:    cfg.Logger.WithField("component", "discovery"),
		peers:  make(map[string]*tracked),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// resolverBrowse builds a fresh resolver per scan; a zeroconf resolver
// closes its sockets when its browse context ends.
func resolverBrowse(ifaces []net.Interface) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4), zeroconf.SelectIfaces(ifaces))
		if err != nil {
			return err
		}
		return resolver.Browse(ctx, service, domain, entries)
	}
}

// Start runs a scan now and then every cfg.Interval until Stop.
func (b *Browser) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop cancels any scan in flight and waits for the background loop.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

// Scan runs one scan window and applies the result. Scans never overlap.
func (b *Browser) Scan(ctx context.Context) error {
	if b.ctx.Err() != nil {
		return ErrStopped
	}
	return b.scan(ctx)
}

// Peers returns the known nodes ordered by name then node id.
func (b *Browser) Peers() []Peer {
	b.mu.RLock()
	out := make([]Peer, 0, len(b.peers))
	for _, t := range b.peers {
		out = append(out, t.peer)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (b *Browser) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := b.scan(b.ctx); err != nil && b.ctx.Err() == nil {
			b.log.WithError(err).Debug("scan failed")
		}
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Browser) scan(ctx context.Context) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	window, cancel := context.WithTimeout(ctx, b.cfg.ScanWindow)
	defer cancel()
	stopWatch := context.AfterFunc(b.ctx, cancel)
	defer stopWatch()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(chan map[string]Peer, 1)
	go func() { collected <- b.collect(window, entries) }()

	// Browse implementations may block for the whole window and report its
	// end as an error; only other errors abort the scan.
	if err := b.browse(window, b.cfg.Service, b.cfg.Domain, entries); err != nil && !windowEnded(err) {
		cancel()
		<-collected
		return fmt.Errorf("discovery: browse %s: %w", b.cfg.Service, err)
	}
	<-window.Done()
	found := <-collected

	if b.ctx.Err() != nil {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pending, gone := b.merge(found)
	b.notify(ctx, pending, gone)
	return nil
}

func windowEnded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (b *Browser) collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) map[string]Peer {
	found := make(map[string]Peer)
	add := func(entry *zeroconf.ServiceEntry) {
		if peer, ok := peerFromEntry(entry, b.cfg.NodeID); ok {
			peer.LastSeen = time.Now()
			found[peer.NodeID] = peer
		}
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found
			}
			add(entry)
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return found
					}
					add(entry)
				default:
					return found
				}
			}
		}
	}
}

// merge folds one scan into the tracked set. It returns nodes that still
// need an OnPeer call and nodes that have now been missed too often.
func (b *Browser) merge(found map[string]Peer) (pending, gone []Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, peer := range found {
		t, ok := b.peers[id]
		if !ok {
			t = &tracked{}
			b.peers[id] = t
			b.log.WithFields(logrus.Fields{
				"node_id":   peer.NodeID,
				"addresses": peer.Addresses,
				"port":      peer.Port,
			}).Debug("node found")
		}
		if ok && !t.peer.sameAdvertisement(peer) {
			t.introduced = false
		}
		t.peer = peer
		t.missed = 0
		if !t.introduced {
			pending = append(pending, peer)
		}
	}

	for id, t := range b.peers {
		if _, ok := found[id]; ok {
			continue
		}
		t.missed++
		if t.missed >= b.cfg.MissedScans {
			delete(b.peers, id)
			gone = append(gone, t.peer)
		}
	}
	return pending, gone
}

func (b *Browser) notify(ctx context.Context, pending, gone []Peer) {
	for _, peer := range gone {
		b.log.WithField("node_id", peer.NodeID).Debug("node gone")
		if b.cfg.OnPeerGone != nil {
			b.cfg.OnPeerGone(peer)
		}
	}

	if b.cfg.OnPeer == nil {
		return
	}
	for _, peer := range pending {
		if err := b.cfg.OnPeer(ctx, peer); err != nil {
			b.log.WithError(err).WithField("node_id", peer.NodeID).Debug("node not introduced, retrying next scan")
			continue
		}
		b.mu.Lock()
		if t, ok := b.peers[peer.NodeID]; ok && t.peer.sameAdvertisement(peer) {
			t.introduced = true
		}
		b.mu.Unlock()
	}
}

func peerFromEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	txt := parseTXT(entry.Text)
	nodeID := txt["node_id"]
	if nodeID == "" || nodeID == selfNodeID || entry.Port <= 0 {
		return Peer{}, false
	}

	version, _ := strconv.Atoi(txt["version"])

	seen := make(map[string]bool)
	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		addresses = append(addresses, ip.String())
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = nodeID
	}

	return Peer{
		NodeID:    nodeID,
		Name:      name,
		Version:   version,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}
