package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// Advertiser publishes this node's service record.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the node under cfg.Service. The TXT record carries the
// node id and protocol version; the SRV record carries the TCP port.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("discovery: node id is required")
	}
	if strings.TrimSpace(cfg.NodeName) == "" {
		return nil, errors.New("discovery: node name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("discovery: port must be > 0")
	}

	ifaces, err := interfacesFor(cfg.ListenIP)
	if err != nil {
		return nil, err
	}

	server, err := cfg.register(cfg.NodeName, cfg.Service, cfg.Domain, cfg.Port, txtRecords(cfg), ifaces)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Service, err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"node_id": cfg.NodeID,
		"port":    cfg.Port,
	}).Info("mDNS advertisement started")

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func txtRecords(cfg Config) []string {
	return []string{
		"node_id=" + cfg.NodeID,
		"version=" + strconv.Itoa(cfg.Version),
	}
}

func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
