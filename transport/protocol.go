package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// DefaultPort is the TCP and UDP port used when no override exists.
	DefaultPort = 8080
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxDatagramSize is the largest UDP payload the broadcast path will send.
	MaxDatagramSize = 65507
	// DefaultDialTimeout bounds TCP connection establishment.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultBroadcastAddress is the IPv4 limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"

	frameHeaderSize = 4
)

// Kind identifies the transport a message arrived on.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindUDP Kind = "udp"
)

var (
	// ErrBind indicates the listening port could not be bound.
	ErrBind = errors.New("transport: bind failed")
	// ErrConnect indicates the peer could not be reached.
	ErrConnect = errors.New("transport: connect failed")
	// ErrWrite indicates the connection dropped while writing.
	ErrWrite = errors.New("transport: write failed")
	// ErrStreamNotWritable indicates a write on a connection that is no longer open.
	ErrStreamNotWritable = errors.New("transport: stream not writable")
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrEmptyFrame indicates a zero-length frame.
	ErrEmptyFrame = errors.New("transport: empty frame")
	// ErrDatagramTooLarge indicates a broadcast payload that does not fit one datagram.
	ErrDatagramTooLarge = errors.New("transport: datagram exceeds max size")
	// ErrNotStarted indicates an operation on a manager that is not listening.
	ErrNotStarted = errors.New("transport: manager not started")
	// ErrClosed indicates an operation on a closed manager.
	ErrClosed = errors.New("transport: manager closed")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
