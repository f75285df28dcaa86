package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	transportTCP = "tcp"
	transportUDP = "udp"
)

const (
	// DirectionSend marks a transfer this node originated.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this node reassembled.
	DirectionReceive = "receive"
)

const (
	// TransferStatusActive is a transfer still waiting on parts or acks.
	TransferStatusActive = "active"
	// TransferStatusComplete is a transfer whose final part was handled.
	TransferStatusComplete = "complete"
	// TransferStatusFailed is a transfer that ended on an error.
	TransferStatusFailed = "failed"
	// TransferStatusAbandoned is a transfer released before completion.
	TransferStatusAbandoned = "abandoned"
)

// Peer is the SQLite representation of a remote node seen on the network.
type Peer struct {
	IP            string
	NodeID        *string
	FirstSeen     int64
	LastSeen      int64
	LastTransport string
}

// Transfer is the SQLite representation of one file transfer's outcome.
type Transfer struct {
	TransferID string
	Direction  string
	PeerIP     string
	FileName   string
	FilePath   string
	TotalParts int
	PartsDone  int
	Status     string
	UpdatedAt  int64
}

func validateTransport(kind string) error {
	switch kind {
	case transportTCP, transportUDP:
		return nil
	default:
		return fmt.Errorf("invalid transport %q", kind)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusActive, TransferStatusComplete, TransferStatusFailed, TransferStatusAbandoned:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
