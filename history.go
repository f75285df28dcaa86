package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"p2pnet/storage"
)

const historyTransferLimit = 10

type historyStore interface {
	GetPeer(ip string) (*storage.Peer, error)
	ListPeers() ([]storage.Peer, error)
	RemovePeer(ip string) error
	GetTransfer(transferID string) (*storage.Transfer, error)
	ListTransfersForPeer(peerIP string, limit int) ([]storage.Transfer, error)
}

// printHistory writes known peers and their latest transfers. A non-empty
// peerIP restricts the output to that peer.
func printHistory(w io.Writer, store historyStore, peerIP string) error {
	var peers []storage.Peer
	if peerIP != "" {
		peer, err := store.GetPeer(peerIP)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(w, "no record of peer %s\n", peerIP)
			return nil
		}
		if err != nil {
			return err
		}
		peers = append(peers, *peer)
	} else {
		list, err := store.ListPeers()
		if err != nil {
			return err
		}
		peers = list
	}

	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers recorded")
		return nil
	}

	for _, peer := range peers {
		nodeID := "-"
		if peer.NodeID != nil {
			nodeID = *peer.NodeID
		}
		fmt.Fprintf(w, "%s node=%s last_seen=%s via=%s\n",
			peer.IP, nodeID, formatMillis(peer.LastSeen), peer.LastTransport)

		transfers, err := store.ListTransfersForPeer(peer.IP, historyTransferLimit)
		if err != nil {
			return err
		}
		for _, transfer := range transfers {
			printTransferLine(w, transfer)
		}
	}
	return nil
}

func printTransfer(w io.Writer, store historyStore, transferID string) error {
	transfer, err := store.GetTransfer(transferID)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(w, "no record of transfer %s\n", transferID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s with %s\n", transfer.TransferID, transfer.PeerIP)
	printTransferLine(w, *transfer)
	return nil
}

func forgetPeer(w io.Writer, store historyStore, ip string) error {
	if err := store.RemovePeer(ip); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(w, "no record of peer %s\n", ip)
			return nil
		}
		return err
	}
	fmt.Fprintf(w, "forgot peer %s\n", ip)
	return nil
}

func printTransferLine(w io.Writer, transfer storage.Transfer) {
	fmt.Fprintf(w, "  %s %s %s %d/%d %s %s\n",
		formatMillis(transfer.UpdatedAt), transfer.Direction, transfer.FileName,
		transfer.PartsDone, transfer.TotalParts, transfer.Status, transfer.FilePath)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.DateTime)
}
