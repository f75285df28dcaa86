package file

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"p2pnet/object"
	"p2pnet/storage"
	"p2pnet/transport"
)

// fakeNetwork connects fakeObjects nodes in memory. Delivery is asynchronous
// and ordered per destination, like one TCP read loop per peer.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*fakeObjects
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*fakeObjects)}
}

func (n *fakeNetwork) node(t *testing.T, ip string) *fakeObjects {
	t.Helper()

	node := &fakeObjects{
		ip:       ip,
		network:  n,
		Registry: object.NewRegistry(),
		handlers: make(map[string]object.Handler),
		inbox:    make(chan object.Received, 256),
		done:     make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[ip] = node
	n.mu.Unlock()

	go node.loop()
	t.Cleanup(node.stop)
	return node
}

func (n *fakeNetwork) lookup(ip string) *fakeObjects {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[ip]
}

func (n *fakeNetwork) remove(ip string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, ip)
}

type fakeObjects struct {
	*object.Registry

	ip      string
	network *fakeNetwork

	mu       sync.Mutex
	handlers map[string]object.Handler
	sent     []object.Object
	// failSend, when set, can reject a send before it reaches the network.
	failSend func(ip string, obj object.Object) error

	inbox    chan object.Received
	done     chan struct{}
	stopOnce sync.Once
}

func (f *fakeObjects) Handle(tag string, handler object.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tag] = handler
}

func (f *fakeObjects) SendObjectTCP(_ context.Context, ip string, obj object.Object) error {
	f.mu.Lock()
	failSend := f.failSend
	f.mu.Unlock()
	if failSend != nil {
		if err := failSend(ip, obj); err != nil {
			return err
		}
	}

	dest := f.network.lookup(ip)
	if dest == nil {
		return fmt.Errorf("%w: no route to %s", transport.ErrConnect, ip)
	}

	data, err := object.Encode(obj, object.Metadata{Timestamp: time.Now()})
	if err != nil {
		return err
	}
	envelope, err := object.Decode(data)
	if err != nil {
		return err
	}
	decoded, err := dest.Registry.Decode(envelope)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, obj)
	f.mu.Unlock()

	dest.inbox <- object.Received{
		Type:   envelope.Type,
		Object: decoded,
		Meta:   object.Metadata{SourceIP: f.ip, Transport: transport.KindTCP},
	}
	return nil
}

func (f *fakeObjects) setFailSend(fn func(ip string, obj object.Object) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = fn
}

func (f *fakeObjects) sentOfType(tag string) []object.Object {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []object.Object
	for _, obj := range f.sent {
		if obj.ObjectType() == tag {
			out = append(out, obj)
		}
	}
	return out
}

func (f *fakeObjects) loop() {
	for {
		select {
		case <-f.done:
			return
		case received := <-f.inbox:
			f.mu.Lock()
			handler := f.handlers[received.Type]
			f.mu.Unlock()
			if handler != nil {
				handler(received)
			}
		}
	}
}

func (f *fakeObjects) stop() {
	f.stopOnce.Do(func() {
		close(f.done)
	})
}

type fakeRecorder struct {
	mu      sync.Mutex
	history map[string][]string
}

func (r *fakeRecorder) UpsertTransfer(transfer storage.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.history == nil {
		r.history = make(map[string][]string)
	}
	key := transfer.Direction + ":" + transfer.FileName
	r.history[key] = append(r.history[key], transfer.Status)
	return nil
}

func (r *fakeRecorder) statuses(direction, name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history[direction+":"+name]...)
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
