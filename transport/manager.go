package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// Message is one complete inbound unit: a TCP frame or a UDP datagram.
type Message struct {
	SourceIP string
	Kind     Kind
	Payload  []byte

	// Conn is the link the frame arrived on; nil for UDP.
	Conn *Connection
	// Broadcast reports whether a UDP datagram was addressed to a broadcast address.
	Broadcast bool
}

// Handler receives inbound messages. It is called concurrently from every
// connection read loop and from the UDP receive loop.
type Handler func(Message)

// Options configures a Manager.
type Options struct {
	// ListenIP restricts TCP and unicast UDP to one local address; empty binds
	// all. Broadcast datagrams are received either way.
	ListenIP string
	// Port is shared by TCP accept and UDP receive; 0 picks a free TCP port
	// and binds UDP to the same number.
	Port int
	// BroadcastAddress is the UDP destination used by Broadcast.
	BroadcastAddress string
	// ForwardAll re-delivers this node's own broadcasts to its handler.
	ForwardAll bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = DefaultBroadcastAddress
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Manager owns the listening TCP socket, the UDP broadcast socket and every
// live Connection.
type Manager struct {
	options Options
	log     logrus.FieldLogger

	handlerMu sync.RWMutex
	handler   Handler

	startMu       sync.Mutex
	started       bool
	listener      net.Listener
	udp           *net.UDPConn
	packets       *ipv4.PacketConn
	bcastUDP      *net.UDPConn
	bcastPackets  *ipv4.PacketConn
	port          int
	broadcastAddr *net.UDPAddr
	broadcastIPs  map[string]bool
	localIPs      map[string]bool
	selfIP        string

	connMu    sync.Mutex
	conns     map[string]*Connection
	all       map[*Connection]struct{}
	peerPorts map[string]int

	errMu      sync.RWMutex
	errsClosed bool
	errs       chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a transport manager. Call Start to bind sockets.
func NewManager(options Options) *Manager {
	opts := options.withDefaults()
	return &Manager{
		options: opts,
		log:     opts.Logger.WithField("component", "transport"),
		conns:     make(map[string]*Connection),
		all:       make(map[*Connection]struct{}),
		peerPorts: make(map[string]int),
		errs:      make(chan error, 64),
		closed:    make(chan struct{}),
	}
}

// Handle registers the receiver for inbound messages. It should be set before Start.
func (m *Manager) Handle(handler Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = handler
}

// Start binds the TCP listener and UDP socket and begins receiving.
// A failed Start leaves nothing bound and may be retried.
func (m *Manager) Start() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	broadcastIP := net.ParseIP(m.options.BroadcastAddress).To4()
	if broadcastIP == nil {
		return fmt.Errorf("invalid broadcast address %q", m.options.BroadcastAddress)
	}

	var listenIP net.IP
	if m.options.ListenIP != "" {
		listenIP = net.ParseIP(m.options.ListenIP)
		if listenIP == nil {
			return fmt.Errorf("%w: invalid listen address %q", ErrBind, m.options.ListenIP)
		}
	}

	address := net.JoinHostPort(m.options.ListenIP, strconv.Itoa(m.options.Port))
	listener, err := net.Listen("tcp4", address)
	if err != nil {
		return fmt.Errorf("%w: listen tcp %q: %w", ErrBind, address, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	lc := net.ListenConfig{Control: reusePort}
	udp, err := listenUDP(lc, net.JoinHostPort(m.options.ListenIP, strconv.Itoa(port)))
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("%w: listen udp port %d: %w", ErrBind, port, err)
	}
	packets := ipv4.NewPacketConn(udp)
	if err := packets.SetControlMessage(ipv4.FlagDst, true); err != nil {
		m.log.WithError(err).Debug("udp destination control messages unavailable")
	}

	// A socket bound to one unicast address is never handed broadcast
	// datagrams, so those arrive on a second wildcard socket.
	var (
		bcastUDP     *net.UDPConn
		bcastPackets *ipv4.PacketConn
	)
	if listenIP != nil && !listenIP.IsUnspecified() {
		if sharedPortSupported {
			bcastUDP, err = listenUDP(lc, net.JoinHostPort("", strconv.Itoa(port)))
			if err != nil {
				_ = udp.Close()
				_ = listener.Close()
				return fmt.Errorf("%w: listen udp broadcast port %d: %w", ErrBind, port, err)
			}
			bcastPackets = ipv4.NewPacketConn(bcastUDP)
			if err := bcastPackets.SetControlMessage(ipv4.FlagDst, true); err != nil {
				_ = bcastUDP.Close()
				_ = udp.Close()
				_ = listener.Close()
				return fmt.Errorf("%w: broadcast socket needs destination addresses: %w", ErrBind, err)
			}
		} else {
			m.log.WithField("listen_ip", m.options.ListenIP).Warn("broadcasts are not received when bound to one address on this platform")
		}
	}

	m.listener = listener
	m.udp = udp
	m.packets = packets
	m.bcastUDP = bcastUDP
	m.bcastPackets = bcastPackets
	m.port = port
	m.broadcastAddr = &net.UDPAddr{IP: broadcastIP, Port: port}
	m.localIPs, m.selfIP = localAddresses(listenIP)
	m.broadcastIPs = broadcastAddresses()
	m.started = true

	m.wg.Add(2)
	go m.acceptLoop()
	go m.receiveLoop(packets, false)
	if bcastPackets != nil {
		m.wg.Add(1)
		go m.receiveLoop(bcastPackets, true)
	}

	m.log.WithFields(logrus.Fields{
		"listen_ip":   m.options.ListenIP,
		"port":        port,
		"broadcast":   m.broadcastAddr.String(),
		"forward_all": m.options.ForwardAll,
	}).Info("transport listening")
	return nil
}

// Port returns the bound port, or 0 before Start.
func (m *Manager) Port() int {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.port
}

// LocalIP returns the address this node reports for its own traffic.
func (m *Manager) LocalIP() string {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.selfIP
}

// SetPeerPort records the port ip accepts TCP on when it differs from ours.
// A non-positive port restores the default.
func (m *Manager) SetPeerPort(ip string, port int) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if port <= 0 {
		delete(m.peerPorts, ip)
		return
	}
	m.peerPorts[ip] = port
}

// Errors returns asynchronous transport errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Connection returns the open link used for sends to ip, if any.
func (m *Manager) Connection(ip string) *Connection {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	conn := m.conns[ip]
	if conn == nil || conn.State() != StateOpen {
		return nil
	}
	return conn
}

// SendToAddress writes one frame to ip, reusing an open link or dialing a new one.
func (m *Manager) SendToAddress(ctx context.Context, ip string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !m.isStarted() {
		return ErrNotStarted
	}

	conn, err := m.connectionFor(ctx, ip)
	if err != nil {
		return err
	}
	return conn.Write(payload)
}

// Broadcast sends one datagram to the broadcast address. Delivery is best effort.
func (m *Manager) Broadcast(payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	if !m.isStarted() {
		return ErrNotStarted
	}
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}

	if _, err := m.packets.WriteTo(payload, nil, m.broadcastAddr); err != nil {
		return fmt.Errorf("broadcast to %s: %w", m.broadcastAddr, err)
	}

	if m.options.ForwardAll {
		m.deliver(Message{
			SourceIP:  m.LocalIP(),
			Kind:      KindUDP,
			Payload:   append([]byte(nil), payload...),
			Broadcast: true,
		})
	}
	return nil
}

// Close stops accepting, releases both sockets and closes every connection.
func (m *Manager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		close(m.closed)

		m.startMu.Lock()
		var closers []io.Closer
		if m.listener != nil {
			closers = append(closers, m.listener)
		}
		if m.udp != nil {
			closers = append(closers, m.udp)
		}
		if m.bcastUDP != nil {
			closers = append(closers, m.bcastUDP)
		}
		for _, closer := range closers {
			if err := closer.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		m.startMu.Unlock()

		// Accept and receive loops exit first so no link is registered late.
		m.wg.Wait()

		m.connMu.Lock()
		conns := make([]*Connection, 0, len(m.all))
		for conn := range m.all {
			conns = append(conns, conn)
		}
		m.connMu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
		for _, conn := range conns {
			<-conn.ReadDone()
		}

		m.errMu.Lock()
		m.errsClosed = true
		close(m.errs)
		m.errMu.Unlock()

		m.log.Info("transport closed")
	})
	return closeErr
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		m.register(m.newConnection(conn, false))
	}
}

// receiveLoop reads one UDP socket. The wildcard socket opened next to a
// unicast bind only passes broadcast datagrams.
func (m *Manager) receiveLoop(packets *ipv4.PacketConn, broadcastOnly bool) {
	defer m.wg.Done()

	buffer := make([]byte, 65535)
	for {
		n, cm, src, err := packets.ReadFrom(buffer)
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.reportError(fmt.Errorf("read datagram: %w", err))
			continue
		}
		if n == 0 {
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		// Our own broadcast echoed back by the network stack.
		if udpSrc.Port == m.port && m.localIPs[udpSrc.IP.String()] {
			continue
		}
		broadcast := cm != nil && m.broadcastIPs[cm.Dst.String()]
		if broadcastOnly && !broadcast {
			continue
		}

		m.deliver(Message{
			SourceIP:  udpSrc.IP.String(),
			Kind:      KindUDP,
			Payload:   append([]byte(nil), buffer[:n]...),
			Broadcast: broadcast,
		})
	}
}

func (m *Manager) connectionFor(ctx context.Context, ip string) (*Connection, error) {
	if conn := m.Connection(ip); conn != nil {
		return conn, nil
	}

	dialer := net.Dialer{Timeout: m.options.DialTimeout}
	if m.options.ListenIP != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(m.options.ListenIP)}
	}

	address := net.JoinHostPort(ip, strconv.Itoa(m.dialPort(ip)))
	raw, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnect, address, err)
	}

	conn := m.newConnection(raw, true)
	if existing := m.register(conn); existing != conn {
		// Another sender won the race to this peer.
		_ = conn.Close()
		return existing, nil
	}
	m.log.WithField("peer_ip", ip).Debug("dialed peer")
	return conn, nil
}

func listenUDP(lc net.ListenConfig, address string) (*net.UDPConn, error) {
	conn, err := lc.ListenPacket(context.Background(), "udp4", address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

func (m *Manager) dialPort(ip string) int {
	m.connMu.Lock()
	port, ok := m.peerPorts[ip]
	m.connMu.Unlock()
	if ok {
		return port
	}
	return m.Port()
}

func (m *Manager) newConnection(conn net.Conn, outbound bool) *Connection {
	return NewConnection(conn, ConnectionOptions{
		Outbound:     outbound,
		WriteTimeout: m.options.WriteTimeout,
		Logger:       m.log,
		OnFrame: func(c *Connection, payload []byte) {
			m.deliver(Message{
				SourceIP: c.RemoteIP(),
				Kind:     KindTCP,
				Payload:  payload,
				Conn:     c,
			})
		},
		OnClose: m.unregister,
	})
}

// register tracks conn and returns the link that should be used for sends to
// its peer. An outbound link never replaces an open one.
func (m *Manager) register(conn *Connection) *Connection {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.isClosed() {
		go conn.Close()
		return conn
	}
	if conn.State() != StateOpen {
		return conn
	}

	m.all[conn] = struct{}{}
	ip := conn.RemoteIP()
	if existing := m.conns[ip]; existing != nil && existing.State() == StateOpen {
		if conn.Outbound() {
			delete(m.all, conn)
		}
		return existing
	}
	m.conns[ip] = conn
	return conn
}

func (m *Manager) unregister(conn *Connection, err error) {
	m.connMu.Lock()
	delete(m.all, conn)
	ip := conn.RemoteIP()
	if m.conns[ip] == conn {
		delete(m.conns, ip)
		for other := range m.all {
			if other.RemoteIP() == ip && other.State() == StateOpen {
				m.conns[ip] = other
				break
			}
		}
	}
	m.connMu.Unlock()

	if err != nil {
		m.reportError(fmt.Errorf("connection %s: %w", ip, err))
	}
}

func (m *Manager) deliver(message Message) {
	m.handlerMu.RLock()
	handler := m.handler
	m.handlerMu.RUnlock()

	if handler == nil {
		return
	}
	handler(message)
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}

	m.log.WithError(err).Warn("transport error")

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

func (m *Manager) isStarted() bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.started
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func localAddresses(listenIP net.IP) (map[string]bool, string) {
	if listenIP != nil && !listenIP.IsUnspecified() {
		return map[string]bool{listenIP.String(): true}, listenIP.String()
	}

	ips := make(map[string]bool)
	self := ""
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ips[ipNet.IP.String()] = true
			if self == "" && !ipNet.IP.IsLoopback() {
				self = ipNet.IP.String()
			}
		}
	}
	ips["127.0.0.1"] = true
	if self == "" {
		self = "127.0.0.1"
	}
	return ips, self
}

// broadcastAddresses lists the limited broadcast address and the directed
// broadcast address of every local IPv4 network.
func broadcastAddresses() map[string]bool {
	out := map[string]bool{
		net.IPv4bcast.String(): true,
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		mask := ipNet.Mask
		if ip4 == nil || len(mask) != net.IPv4len {
			continue
		}
		directed := make(net.IP, net.IPv4len)
		for i := range directed {
			directed[i] = ip4[i] | ^mask[i]
		}
		out[directed.String()] = true
	}
	return out
}
