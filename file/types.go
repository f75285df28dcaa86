package file

import (
	"errors"
)

const (
	// TypeFilePart tags one chunk of a file.
	TypeFilePart = "FilePart"
	// TypeAck tags the acknowledgment of one chunk.
	TypeAck = "AckMessage"

	// DefaultChunkSize is the part size used when none is given (10 KiB).
	DefaultChunkSize = 10 * 1024
	// MaxChunkSize keeps one encoded part well under the transport frame limit.
	MaxChunkSize = 4 * 1024 * 1024
)

var (
	// ErrFileNotFound indicates a missing source file or an untracked transfer.
	ErrFileNotFound = errors.New("file: file not found")
	// ErrChecksumMismatch indicates a reassembled file that differs from the source.
	ErrChecksumMismatch = errors.New("file: checksum mismatch")
	// ErrTransferExists indicates a send for a (peer, name, path) already in flight.
	ErrTransferExists = errors.New("file: transfer already in progress")
	// ErrInvalidPart indicates a part whose indexes, sizes or name are unusable.
	ErrInvalidPart = errors.New("file: invalid part")
	// ErrUnexpectedAck indicates an ack for a part other than the one in flight.
	ErrUnexpectedAck = errors.New("file: unexpected ack")
	// ErrClosed indicates an operation on a closed manager.
	ErrClosed = errors.New("file: manager closed")
)

// FilePart carries one chunk. Indexes are 1-based; part 1 starts a transfer.
type FilePart struct {
	FileName   string `json:"file_name"`
	FilePath   string `json:"file_path"`
	PartIndex  int    `json:"part_index"`
	TotalParts int    `json:"total_parts"`
	ChunkSize  int    `json:"chunk_size"`
	TotalSize  int64  `json:"total_size"`
	Data       []byte `json:"data"`
	// Checksum is the hex blake2b-256 digest of the whole file, set on the final part.
	Checksum string `json:"checksum,omitempty"`
}

// ObjectType implements object.Object.
func (*FilePart) ObjectType() string {
	return TypeFilePart
}

// AckMessage confirms that PartIndex was written by the receiver.
type AckMessage struct {
	FileName  string `json:"file_name"`
	FilePath  string `json:"file_path"`
	PartIndex int    `json:"part_index"`
}

// ObjectType implements object.Object.
func (*AckMessage) ObjectType() string {
	return TypeAck
}

// Direction says which side of a transfer this node is on.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferState is the sender-side state of one transfer.
type TransferState string

const (
	StateInit        TransferState = "Init"
	StateSending     TransferState = "Sending"
	StateAwaitingAck TransferState = "AwaitingAck"
	StateDone        TransferState = "Done"
	// StateReceiving is reported for inbound transfers.
	StateReceiving TransferState = "Receiving"
)

// Progress is emitted after every acknowledged or written part.
type Progress struct {
	TransferID string
	Direction  Direction
	PeerIP     string
	FileName   string
	FilePath   string
	PartsDone  int
	TotalParts int
	BytesDone  int64
	TotalBytes int64
	Completed  bool
}

// Received is emitted once a file has been fully reassembled.
type Received struct {
	TransferID string
	PeerIP     string
	FileName   string
	FilePath   string
	// LocalPath is where the file was staged.
	LocalPath string
	Size      int64
	Checksum  string
}

// TransferInfo is a snapshot of one active transfer.
type TransferInfo struct {
	TransferID string
	Direction  Direction
	PeerIP     string
	FileName   string
	FilePath   string
	State      TransferState
	PartsDone  int
	TotalParts int
}
