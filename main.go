package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"p2pnet/config"
	"p2pnet/discovery"
	"p2pnet/file"
	"p2pnet/models"
	"p2pnet/object"
	"p2pnet/storage"
	"p2pnet/transport"
)

func main() {
	chat := flag.String("chat", "", "broadcast a chat line once started")
	sendTo := flag.String("send-to", "", "peer IP to send -file to")
	sendFile := flag.String("file", "", "path of a file to send to -send-to")
	history := flag.Bool("history", false, "print recorded peers and transfers, then exit")
	historyPeer := flag.String("peer", "", "limit -history to one peer IP")
	transferID := flag.String("transfer", "", "print one recorded transfer, then exit")
	forget := flag.String("forget", "", "delete a recorded peer by IP, then exit")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logger.WithError(err).Fatal("startup failed while loading config")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).WithField("config", cfgPath).Fatal("startup failed with invalid config")
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	if (*sendTo == "") != (*sendFile == "") {
		logger.Fatal("-send-to and -file must be used together")
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("database close error")
		}
	}()

	if *history || *transferID != "" || *forget != "" {
		var err error
		switch {
		case *forget != "":
			err = forgetPeer(os.Stdout, store, *forget)
		case *transferID != "":
			err = printTransfer(os.Stdout, store, *transferID)
		default:
			err = printHistory(os.Stdout, store, *historyPeer)
		}
		if err != nil {
			logger.WithError(err).Error("history query failed")
		}
		return
	}

	logger.WithFields(logrus.Fields{
		"node_id":   cfg.NodeID,
		"node_name": cfg.NodeName,
		"port":      cfg.Port,
		"config":    cfgPath,
		"database":  dbPath,
	}).Info("node starting")

	links := transport.NewManager(transport.Options{
		ListenIP:         cfg.ListenIP,
		Port:             cfg.Port,
		BroadcastAddress: cfg.BroadcastAddress,
		ForwardAll:       cfg.ForwardAll,
		Logger:           logger,
	})

	objects := object.NewManager(links, object.Options{
		NodeID:            cfg.NodeID,
		NodeName:          cfg.NodeName,
		Port:              cfg.Port,
		LivenessTimeout:   cfg.LivenessTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		OnObjectReceived: func(received object.Received) {
			logger.WithFields(logrus.Fields{
				"type":      received.Type,
				"peer_ip":   received.Meta.SourceIP,
				"broadcast": received.Meta.Broadcast,
			}).Info("object received")
		},
		OnPeerChange: func(event object.PeerEvent) {
			logger.WithFields(logrus.Fields{
				"peer_ip":   event.Peer.IP,
				"node_id":   event.Peer.NodeID,
				"name":      event.Peer.Name,
				"transport": event.Peer.Transport,
			}).Infof("peer %s", event.Type)
		},
		Store:  store,
		Logger: logger,
	})

	if err := objects.Register(models.TypeChat, func() object.Object { return &models.Chat{} }); err != nil {
		logger.WithError(err).Fatal("startup failed while registering chat")
	}
	objects.Handle(models.TypeChat, func(received object.Received) {
		msg, ok := received.Object.(*models.Chat)
		if !ok {
			return
		}
		logger.WithFields(logrus.Fields{
			"peer_ip":   received.Meta.SourceIP,
			"from":      msg.From,
			"broadcast": received.Meta.Broadcast,
		}).Info(msg.Text)
	})

	files, err := file.NewManager(objects, file.Options{
		TempDir:   cfg.TempDir,
		ChunkSize: cfg.ChunkSize,
		OnProgress: func(progress file.Progress) {
			logger.WithFields(logrus.Fields{
				"transfer_id": progress.TransferID,
				"direction":   progress.Direction,
				"peer_ip":     progress.PeerIP,
				"file":        progress.FileName,
				"parts":       fmt.Sprintf("%d/%d", progress.PartsDone, progress.TotalParts),
			}).Debug("transfer progress")
			if progress.Completed {
				logger.WithFields(logrus.Fields{
					"transfer_id": progress.TransferID,
					"file":        progress.FileName,
				}).Infof("%s transfer completed", progress.Direction)
			}
		},
		OnReceived: func(received file.Received) {
			logger.WithFields(logrus.Fields{
				"peer_ip":  received.PeerIP,
				"file":     received.FileName,
				"path":     received.LocalPath,
				"size":     received.Size,
				"checksum": received.Checksum,
			}).Info("file received")
		},
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("startup failed while creating file manager")
	}

	if err := objects.Start(); err != nil {
		logger.WithError(err).Fatal("startup failed while starting network")
	}

	go logErrors(logger.WithField("component", "transport"), links.Errors())
	go logErrors(logger.WithField("component", "object"), objects.Errors())
	go logErrors(logger.WithField("component", "file"), files.Errors())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go greetKnownPeers(ctx, logger, objects, store)

	var discoveryService *discovery.Service
	if cfg.MDNS() {
		discoveryService, err = discovery.Start(discovery.Config{
			NodeID:   cfg.NodeID,
			NodeName: cfg.NodeName,
			Port:     links.Port(),
			ListenIP: cfg.ListenIP,
			OnPeer: func(ctx context.Context, peer discovery.Peer) error {
				return introduce(ctx, objects, peer)
			},
			OnPeerGone: func(peer discovery.Peer) {
				logger.WithField("node_id", peer.NodeID).Debug("discovery: node no longer advertised")
			},
			Logger: logger,
		})
		if err != nil {
			logger.WithError(err).Warn("discovery startup failed")
		}
	}

	if *chat != "" {
		if err := objects.BroadcastObjectUDP(&models.Chat{From: cfg.NodeName, Text: *chat}); err != nil {
			logger.WithError(err).Warn("chat broadcast failed")
		}
	}
	if *sendTo != "" {
		path, err := filepath.Abs(*sendFile)
		if err != nil {
			logger.WithError(err).Fatal("invalid -file path")
		}
		id, err := files.SendFile(ctx, *sendTo, path, 0)
		if err != nil {
			logger.WithError(err).WithField("peer_ip", *sendTo).Error("file send failed")
		} else {
			logger.WithFields(logrus.Fields{
				"transfer_id": id,
				"peer_ip":     *sendTo,
				"file":        filepath.Base(path),
			}).Info("file send started")
		}
	}

	logger.Info("running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")

	discoveryService.Stop()
	if err := files.Close(); err != nil {
		logger.WithError(err).Warn("file manager close error")
	}
	if err := objects.Stop(); err != nil {
		logger.WithError(err).Warn("network close error")
	}
}

var errNoIPv4 = errors.New("no IPv4 address advertised")

func introduce(ctx context.Context, objects *object.Manager, peer discovery.Peer) error {
	ip, ok := peer.IPv4()
	if !ok {
		return errNoIPv4
	}
	return objects.Introduce(ctx, object.Introduction{
		IP:     ip,
		Port:   peer.Port,
		NodeID: peer.NodeID,
		Name:   peer.Name,
	})
}

// greetKnownPeers announces this node to peers recorded in earlier runs.
// Peers that are gone just fail to connect.
func greetKnownPeers(ctx context.Context, logger logrus.FieldLogger, objects *object.Manager, store *storage.Store) {
	peers, err := store.ListPeers()
	if err != nil {
		logger.WithError(err).Warn("could not load known peers")
		return
	}
	for _, peer := range peers {
		greetCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := objects.Greet(greetCtx, peer.IP)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.WithError(err).WithField("peer_ip", peer.IP).Debug("known peer unreachable")
		}
	}
}

func logErrors(logger logrus.FieldLogger, errs <-chan error) {
	for err := range errs {
		logger.WithError(err).Warn("async error")
	}
}
