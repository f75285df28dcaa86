package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordPeerSeen upserts a peer sighting. first_seen is kept from the first
// insert; last_seen only moves forward. An empty nodeID keeps the stored one.
func (s *Store) RecordPeerSeen(ip, nodeID, transport string, seenAt time.Time) error {
	var id *string
	if nodeID != "" {
		id = &nodeID
	}
	return s.UpsertPeer(Peer{
		IP:            ip,
		NodeID:        id,
		FirstSeen:     seenAt.UnixMilli(),
		LastSeen:      seenAt.UnixMilli(),
		LastTransport: transport,
	})
}

// UpsertPeer inserts a peer row or refreshes an existing one.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.IP == "" {
		return errors.New("ip is required")
	}
	if err := validateTransport(peer.LastTransport); err != nil {
		return err
	}
	if peer.FirstSeen == 0 {
		peer.FirstSeen = nowUnixMilli()
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = peer.FirstSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			ip,
			node_id,
			first_seen,
			last_seen,
			last_transport
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			node_id = COALESCE(excluded.node_id, peers.node_id),
			last_seen = MAX(peers.last_seen, excluded.last_seen),
			last_transport = excluded.last_transport`,
		peer.IP,
		nullString(peer.NodeID),
		peer.FirstSeen,
		peer.LastSeen,
		peer.LastTransport,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.IP, err)
	}

	return nil
}

// GetPeer fetches a peer by IP.
func (s *Store) GetPeer(ip string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			ip,
			node_id,
			first_seen,
			last_seen,
			last_transport
		FROM peers
		WHERE ip = ?`,
		ip,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", ip, err)
	}

	return peer, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			ip,
			node_id,
			first_seen,
			last_seen,
			last_transport
		FROM peers
		ORDER BY last_seen DESC, ip ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a peer row.
func (s *Store) RemovePeer(ip string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", ip, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer %q: %w", ip, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(scanner rowScanner) (*Peer, error) {
	var (
		peer   Peer
		nodeID sql.NullString
	)
	if err := scanner.Scan(
		&peer.IP,
		&nodeID,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.LastTransport,
	); err != nil {
		return nil, err
	}
	peer.NodeID = stringPtr(nodeID)
	return &peer, nil
}
