package object

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"p2pnet/transport"
)

var (
	// ErrMalformedEnvelope indicates bytes that do not decode as an envelope.
	ErrMalformedEnvelope = errors.New("object: malformed envelope")
	// ErrUnknownType indicates an envelope whose type tag has no registered factory.
	ErrUnknownType = errors.New("object: unknown type")
	// ErrNilObject indicates a send of a nil object.
	ErrNilObject = errors.New("object: nil object")
	// ErrInvalidType indicates an empty type tag or a nil factory.
	ErrInvalidType = errors.New("object: invalid type registration")
)

// Object is any value that can travel in an envelope.
type Object interface {
	ObjectType() string
}

// Metadata describes where and when an envelope was produced. SourceIP,
// Transport and Broadcast are overwritten by the receiver with what it
// actually observed.
type Metadata struct {
	SourceIP  string         `json:"source_ip,omitempty"`
	Transport transport.Kind `json:"transport,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Origin    string         `json:"origin,omitempty"`
	// Broadcast is set for UDP datagrams addressed to a broadcast address.
	Broadcast bool `json:"broadcast,omitempty"`
}

// Envelope is the wire unit of the object layer.
type Envelope struct {
	Type    string          `json:"type"`
	Meta    Metadata        `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes obj into envelope bytes.
func Encode(obj Object, meta Metadata) ([]byte, error) {
	if obj == nil {
		return nil, ErrNilObject
	}
	tag := obj.ObjectType()
	if tag == "" {
		return nil, ErrInvalidType
	}

	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
	}

	data, err := json.Marshal(Envelope{Type: tag, Meta: meta, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", tag, err)
	}
	return data, nil
}

// Decode parses envelope bytes without interpreting the payload.
func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}
