package object

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pnet/transport"
)

const (
	// DefaultLivenessTimeout is how long a silent peer stays in the table.
	DefaultLivenessTimeout = 30 * time.Second
	// DefaultHeartbeatInterval paces presence broadcasts.
	DefaultHeartbeatInterval = 10 * time.Second

	minSweepInterval = 10 * time.Millisecond
)

// Transport is the byte-level layer the Object Manager drives.
type Transport interface {
	Handle(handler transport.Handler)
	Start() error
	SendToAddress(ctx context.Context, ip string, payload []byte) error
	Broadcast(payload []byte) error
	LocalIP() string
	SetPeerPort(ip string, port int)
	Close() error
}

// PeerRecorder persists peer sightings.
type PeerRecorder interface {
	RecordPeerSeen(ip, nodeID, kind string, seenAt time.Time) error
}

// Introduction describes a peer learned out of band, such as from mDNS.
type Introduction struct {
	IP     string
	Port   int
	NodeID string
	Name   string
}

// Received is one decoded inbound object.
type Received struct {
	Type   string
	Object Object
	Meta   Metadata
}

// Handler consumes objects of one registered type.
type Handler func(Received)

// Options configures an Object Manager.
type Options struct {
	NodeID   string
	NodeName string
	// Port is advertised in presence objects.
	Port int

	LivenessTimeout time.Duration
	// HeartbeatInterval paces presence broadcasts; a negative value disables them.
	HeartbeatInterval time.Duration

	// OnObjectReceived gets every object with no type-specific handler.
	OnObjectReceived func(Received)
	// OnPeerChange is called in table order from a single goroutine.
	OnPeerChange func(PeerEvent)

	Store  PeerRecorder
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.NodeID == "" {
		out.NodeID = uuid.NewString()
	}
	if out.LivenessTimeout <= 0 {
		out.LivenessTimeout = DefaultLivenessTimeout
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Manager turns transport bytes into typed objects and tracks peer presence.
type Manager struct {
	options   Options
	transport Transport
	registry  *Registry
	log       logrus.FieldLogger

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	queue *eventQueue
	peers *peerTable

	startMu sync.Mutex
	started bool
	stopped bool

	stop           chan struct{}
	drain          chan struct{}
	dispatcherDone chan struct{}
	wg             sync.WaitGroup

	errMu      sync.RWMutex
	errsClosed bool
	errs       chan error
}

// NewManager creates an Object Manager on top of t and installs its receive handler.
func NewManager(t Transport, options Options) *Manager {
	opts := options.withDefaults()
	queue := newEventQueue()

	m := &Manager{
		options:        opts,
		transport:      t,
		registry:       NewRegistry(),
		log:            opts.Logger.WithField("component", "object"),
		handlers:       make(map[string]Handler),
		queue:          queue,
		peers:          newPeerTable(queue),
		stop:           make(chan struct{}),
		drain:          make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		errs:           make(chan error, 64),
	}
	_ = m.registry.Register(TypePresence, func() Object { return &Presence{} })
	t.Handle(m.handleMessage)
	return m
}

// NodeID returns the id stamped on outgoing envelopes.
func (m *Manager) NodeID() string {
	return m.options.NodeID
}

// Register makes tag decodable.
func (m *Manager) Register(tag string, factory Factory) error {
	return m.registry.Register(tag, factory)
}

// Handle routes objects tagged tag to handler instead of OnObjectReceived.
func (m *Manager) Handle(tag string, handler Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if handler == nil {
		delete(m.handlers, tag)
		return
	}
	if !m.registry.Known(tag) {
		m.log.WithField("type", tag).Warn("handler set for a type with no factory")
	}
	m.handlers[tag] = handler
}

// Start starts the transport, the liveness sweeper and the presence heartbeat.
func (m *Manager) Start() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.stopped {
		return transport.ErrClosed
	}
	if m.started {
		return nil
	}
	if err := m.transport.Start(); err != nil {
		return err
	}
	m.started = true

	go m.dispatchLoop()

	m.wg.Add(1)
	go m.sweepLoop()

	if m.options.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}

	m.log.WithFields(logrus.Fields{
		"node_id":          m.options.NodeID,
		"liveness_timeout": m.options.LivenessTimeout.String(),
	}).Info("object layer started")
	return nil
}

// Stop halts background work, closes the transport and flushes pending peer events.
func (m *Manager) Stop() error {
	m.startMu.Lock()
	if m.stopped {
		m.startMu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.startMu.Unlock()

	close(m.stop)
	m.wg.Wait()

	// Read loops may still queue peer events until the transport is closed.
	err := m.transport.Close()
	close(m.drain)
	if started {
		<-m.dispatcherDone
	}

	m.errMu.Lock()
	m.errsClosed = true
	close(m.errs)
	m.errMu.Unlock()

	m.log.Info("object layer stopped")
	return err
}

// Errors returns asynchronous object layer errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// SendObjectTCP delivers obj to one peer over TCP.
func (m *Manager) SendObjectTCP(ctx context.Context, ip string, obj Object) error {
	data, err := Encode(obj, m.metadata(transport.KindTCP))
	if err != nil {
		return err
	}
	if err := m.transport.SendToAddress(ctx, ip, data); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"peer_ip":   ip,
		"transport": transport.KindTCP,
		"type":      obj.ObjectType(),
	}).Debug("object sent")
	return nil
}

// BroadcastObjectUDP delivers obj to every node on the segment. Delivery is best effort.
func (m *Manager) BroadcastObjectUDP(obj Object) error {
	data, err := Encode(obj, m.metadata(transport.KindUDP))
	if err != nil {
		return err
	}
	if err := m.transport.Broadcast(data); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"transport": transport.KindUDP,
		"type":      obj.ObjectType(),
	}).Debug("object broadcast")
	return nil
}

// Greet sends this node's presence to ip over TCP so both sides record each other.
func (m *Manager) Greet(ctx context.Context, ip string) error {
	return m.SendObjectTCP(ctx, ip, m.presence())
}

// Introduce greets a peer learned out of band on the port it advertised.
// Once the greeting is written the peer enters the table as a TCP peer with
// the advertised identity.
func (m *Manager) Introduce(ctx context.Context, intro Introduction) error {
	if intro.IP == "" {
		return fmt.Errorf("introduce %q: missing address", intro.NodeID)
	}
	if intro.NodeID != "" && intro.NodeID == m.options.NodeID {
		return nil
	}

	m.transport.SetPeerPort(intro.IP, intro.Port)
	if err := m.Greet(ctx, intro.IP); err != nil {
		return err
	}

	m.observe(sighting{
		ip:        intro.IP,
		nodeID:    intro.NodeID,
		name:      intro.Name,
		transport: transport.KindTCP,
		at:        time.Now(),
	})
	return nil
}

// Peers returns the peer table ordered by IP.
func (m *Manager) Peers() []Peer {
	return m.peers.list()
}

// Peer returns one table entry.
func (m *Manager) Peer(ip string) (Peer, bool) {
	return m.peers.get(ip)
}

func (m *Manager) handleMessage(message transport.Message) {
	log := m.log.WithFields(logrus.Fields{
		"peer_ip":   message.SourceIP,
		"transport": message.Kind,
	})

	envelope, err := Decode(message.Payload)
	if err != nil {
		log.WithError(err).Debug("dropping envelope")
		return
	}
	envelope.Meta.SourceIP = message.SourceIP
	envelope.Meta.Transport = message.Kind
	envelope.Meta.Broadcast = message.Broadcast

	obj, err := m.registry.Decode(envelope)
	if err != nil {
		log.WithError(err).WithField("type", envelope.Type).Debug("dropping envelope")
		return
	}

	if envelope.Meta.Origin != m.options.NodeID {
		s := sighting{
			ip:        message.SourceIP,
			nodeID:    envelope.Meta.Origin,
			transport: message.Kind,
			conn:      message.Conn,
			at:        time.Now(),
		}
		if presence, ok := obj.(*Presence); ok {
			s.name = presence.NodeName
		}
		m.observe(s)
	}

	if envelope.Type == TypePresence {
		return
	}

	received := Received{Type: envelope.Type, Object: obj, Meta: envelope.Meta}

	m.handlerMu.RLock()
	handler := m.handlers[envelope.Type]
	m.handlerMu.RUnlock()

	if handler != nil {
		handler(received)
		return
	}
	if m.options.OnObjectReceived != nil {
		m.options.OnObjectReceived(received)
	}
}

func (m *Manager) observe(s sighting) {
	peer, appeared := m.peers.observe(s)
	if appeared {
		m.log.WithFields(logrus.Fields{
			"peer_ip":   peer.IP,
			"transport": peer.Transport,
			"node_id":   peer.NodeID,
		}).Info("peer appeared")
	}

	if m.options.Store != nil {
		if err := m.options.Store.RecordPeerSeen(peer.IP, peer.NodeID, string(peer.Transport), s.at); err != nil {
			m.reportError(fmt.Errorf("record peer %s: %w", peer.IP, err))
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	interval := m.options.LivenessTimeout / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			for _, peer := range m.peers.expire(now, m.options.LivenessTimeout) {
				m.log.WithField("peer_ip", peer.IP).Info("peer lost")
			}
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.HeartbeatInterval)
	defer ticker.Stop()

	m.sendPresence()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sendPresence()
		}
	}
}

func (m *Manager) sendPresence() {
	if err := m.BroadcastObjectUDP(m.presence()); err != nil {
		m.reportError(fmt.Errorf("broadcast presence: %w", err))
	}
}

func (m *Manager) presence() *Presence {
	return &Presence{
		NodeID:   m.options.NodeID,
		NodeName: m.options.NodeName,
		Port:     m.options.Port,
	}
}

// dispatchLoop delivers peer events one at a time in the order they were queued.
func (m *Manager) dispatchLoop() {
	defer close(m.dispatcherDone)

	for {
		select {
		case <-m.queue.signal:
			m.dispatch(m.queue.drain())
		case <-m.drain:
			m.dispatch(m.queue.drain())
			return
		}
	}
}

func (m *Manager) dispatch(events []PeerEvent) {
	if m.options.OnPeerChange == nil {
		return
	}
	for _, event := range events {
		m.options.OnPeerChange(event)
	}
}

func (m *Manager) metadata(kind transport.Kind) Metadata {
	return Metadata{
		SourceIP:  m.transport.LocalIP(),
		Transport: kind,
		Timestamp: time.Now().UTC(),
		Origin:    m.options.NodeID,
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}

	m.log.WithError(err).Warn("object layer error")

	m.errMu.RLock()
	defer m.errMu.RUnlock()
	if m.errsClosed {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
