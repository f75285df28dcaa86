package file

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// transferKey identifies a transfer on either side: the remote IP plus the
// sender's file name and logical path.
type transferKey struct {
	ip   string
	name string
	path string
}

type sentTransfer struct {
	mu sync.Mutex

	id         string
	key        transferKey
	file       *os.File
	size       int64
	chunkSize  int
	totalParts int
	checksum   string

	// sent is the index of the part currently in flight; acked the last confirmed.
	sent  int
	acked int
	state TransferState
}

func (t *sentTransfer) readPart(index int) (*FilePart, error) {
	offset := int64(index-1) * int64(t.chunkSize)
	length := int64(t.chunkSize)
	if remaining := t.size - offset; remaining < length {
		length = remaining
	}
	if length < 0 {
		length = 0
	}

	data := make([]byte, length)
	if length > 0 {
		n, err := t.file.ReadAt(data, offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
			return nil, fmt.Errorf("read part %d of %s: %w", index, t.key.path, err)
		}
	}

	part := &FilePart{
		FileName:   t.key.name,
		FilePath:   t.key.path,
		PartIndex:  index,
		TotalParts: t.totalParts,
		ChunkSize:  t.chunkSize,
		TotalSize:  t.size,
		Data:       data,
	}
	if index == t.totalParts {
		part.Checksum = t.checksum
	}
	return part, nil
}

func (t *sentTransfer) bytesDone() int64 {
	done := int64(t.acked) * int64(t.chunkSize)
	if done > t.size {
		return t.size
	}
	return done
}

func (t *sentTransfer) progress() Progress {
	return Progress{
		TransferID: t.id,
		Direction:  DirectionSend,
		PeerIP:     t.key.ip,
		FileName:   t.key.name,
		FilePath:   t.key.path,
		PartsDone:  t.acked,
		TotalParts: t.totalParts,
		BytesDone:  t.bytesDone(),
		TotalBytes: t.size,
	}
}

func (t *sentTransfer) info() TransferInfo {
	return TransferInfo{
		TransferID: t.id,
		Direction:  DirectionSend,
		PeerIP:     t.key.ip,
		FileName:   t.key.name,
		FilePath:   t.key.path,
		State:      t.state,
		PartsDone:  t.acked,
		TotalParts: t.totalParts,
	}
}

type receivedTransfer struct {
	mu sync.Mutex

	id         string
	key        transferKey
	file       *os.File
	chunkSize  int
	totalParts int
	totalSize  int64

	// Parts are written to stagingPath, which is renamed to localPath once
	// the final part checks out.
	stagingPath string
	localPath   string

	parts map[int]struct{}
	bytes int64
	done  bool
}

// discard closes and deletes the staging file of an unfinished transfer.
func (t *receivedTransfer) discard() error {
	closeErr := t.file.Close()
	if err := os.Remove(t.stagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(closeErr, err)
	}
	return closeErr
}

func (t *receivedTransfer) progress() Progress {
	return Progress{
		TransferID: t.id,
		Direction:  DirectionReceive,
		PeerIP:     t.key.ip,
		FileName:   t.key.name,
		FilePath:   t.key.path,
		PartsDone:  len(t.parts),
		TotalParts: t.totalParts,
		BytesDone:  t.bytes,
		TotalBytes: t.totalSize,
	}
}

func (t *receivedTransfer) info() TransferInfo {
	return TransferInfo{
		TransferID: t.id,
		Direction:  DirectionReceive,
		PeerIP:     t.key.ip,
		FileName:   t.key.name,
		FilePath:   t.key.path,
		State:      StateReceiving,
		PartsDone:  len(t.parts),
		TotalParts: t.totalParts,
	}
}

// Checksum returns the hex blake2b-256 digest of r.
func Checksum(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func checksumPath(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()
	return Checksum(f)
}

func partCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	chunk := int64(chunkSize)
	return int((size + chunk - 1) / chunk)
}
