package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertTransfer inserts a transfer row or replaces its progress and status.
func (s *Store) UpsertTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerIP == "" {
		return errors.New("peer_ip is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusActive
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			direction,
			peer_ip,
			file_name,
			file_path,
			total_parts,
			parts_done,
			status,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			total_parts = excluded.total_parts,
			parts_done = excluded.parts_done,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerIP,
		transfer.FileName,
		transfer.FilePath,
		transfer.TotalParts,
		transfer.PartsDone,
		transfer.Status,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// GetTransfer fetches a transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			direction,
			peer_ip,
			file_name,
			file_path,
			total_parts,
			parts_done,
			status,
			updated_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfersForPeer returns transfers with one peer, newest first.
// A limit of zero or less returns every row.
func (s *Store) ListTransfersForPeer(peerIP string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			direction,
			peer_ip,
			file_name,
			file_path,
			total_parts,
			parts_done,
			status,
			updated_at
		FROM transfers
		WHERE peer_ip = ?
		ORDER BY updated_at DESC, transfer_id ASC
		LIMIT ?`,
		peerIP,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for peer %q: %w", peerIP, err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return transfers, nil
}

func scanTransfer(scanner rowScanner) (*Transfer, error) {
	var transfer Transfer
	if err := scanner.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerIP,
		&transfer.FileName,
		&transfer.FilePath,
		&transfer.TotalParts,
		&transfer.PartsDone,
		&transfer.Status,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
