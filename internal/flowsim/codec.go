package flowsim

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/polisai/flowlog/pkg/domain"
)

// Wire flags, the first byte of every wire message.
const (
	wireRaw  byte = 0
	wireZstd byte = 1
)

var errShortWire = errors.New("flowsim: wire message too short")

// Envelope is what travels between stages.
type Envelope struct {
	TraceID   string             `cbor:"1,keyasint"`
	MessageID string             `cbor:"2,keyasint"`
	Type      domain.MessageType `cbor:"3,keyasint"`

	FromApp        string `cbor:"4,keyasint"`
	FromAppVersion string `cbor:"5,keyasint"`
	From           string `cbor:"6,keyasint"`
	To             string `cbor:"7,keyasint"`

	InitiatingApp string `cbor:"8,keyasint"`
	InitiatorID   string `cbor:"9,keyasint"`
	Audit         bool   `cbor:"10,keyasint"`
	Persistent    bool   `cbor:"11,keyasint"`
	Interactive   bool   `cbor:"12,keyasint"`

	// Unix nanos; zero when unknown.
	SentAt            int64 `cbor:"13,keyasint"`
	FlowInitiatedAt   int64 `cbor:"14,keyasint"`
	EndpointEnteredAt int64 `cbor:"15,keyasint,omitempty"`
	PrecedingSentAt   int64 `cbor:"16,keyasint,omitempty"`

	Stack []Frame `cbor:"17,keyasint,omitempty"`
	Data  []byte  `cbor:"18,keyasint,omitempty"`
	State []byte  `cbor:"19,keyasint,omitempty"`
}

// Frame is a pending reply: where it goes and what the requester needs to
// resume.
type Frame struct {
	ReplyTo           string `cbor:"1,keyasint"`
	State             []byte `cbor:"2,keyasint,omitempty"`
	EndpointEnteredAt int64  `cbor:"3,keyasint,omitempty"`
	RequestSentAt     int64  `cbor:"4,keyasint,omitempty"`
}

// EncodeStats are the figures of putting one envelope on the wire.
type EncodeStats struct {
	SerializeNanos int64
	CompressNanos  int64
	SerializedSize int64
	WireSize       int64
}

// DecodeStats are the figures of taking one envelope off the wire.
type DecodeStats struct {
	DecompressNanos  int64
	DeserializeNanos int64
	SerializedSize   int64
	WireSize         int64
}

// Codec serializes envelopes with deterministic CBOR and optionally
// compresses them with zstd. It is safe for concurrent use.
type Codec struct {
	enc      cbor.EncMode
	dec      cbor.DecMode
	compress bool
	zenc     *zstd.Encoder
	zdec     *zstd.Decoder
}

// NewCodec creates a codec. Compressed and raw messages are both accepted
// when decoding regardless of compress.
func NewCodec(compress bool) (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		zenc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, compress: compress, zenc: zenc, zdec: zdec}, nil
}

// Marshal encodes a payload or state object.
func (c *Codec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Unmarshal decodes a payload or state object.
func (c *Codec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// Encode puts env on the wire.
func (c *Codec) Encode(env *Envelope) ([]byte, EncodeStats, error) {
	var stats EncodeStats

	start := time.Now()
	serial, err := c.enc.Marshal(env)
	if err != nil {
		return nil, stats, fmt.Errorf("serialize envelope: %w", err)
	}
	stats.SerializeNanos = time.Since(start).Nanoseconds()
	stats.SerializedSize = int64(len(serial))

	var wire []byte
	if c.compress {
		start = time.Now()
		wire = c.zenc.EncodeAll(serial, []byte{wireZstd})
		stats.CompressNanos = time.Since(start).Nanoseconds()
	} else {
		wire = append([]byte{wireRaw}, serial...)
	}
	stats.WireSize = int64(len(wire))
	return wire, stats, nil
}

// Decode takes an envelope off the wire.
func (c *Codec) Decode(wire []byte) (*Envelope, DecodeStats, error) {
	stats := DecodeStats{WireSize: int64(len(wire))}
	if len(wire) < 1 {
		return nil, stats, errShortWire
	}

	serial := wire[1:]
	switch wire[0] {
	case wireRaw:
	case wireZstd:
		start := time.Now()
		out, err := c.zdec.DecodeAll(serial, nil)
		if err != nil {
			return nil, stats, fmt.Errorf("decompress envelope: %w", err)
		}
		stats.DecompressNanos = time.Since(start).Nanoseconds()
		serial = out
	default:
		return nil, stats, fmt.Errorf("flowsim: unknown wire flag %d", wire[0])
	}
	stats.SerializedSize = int64(len(serial))

	start := time.Now()
	var env Envelope
	if err := c.dec.Unmarshal(serial, &env); err != nil {
		return nil, stats, fmt.Errorf("deserialize envelope: %w", err)
	}
	stats.DeserializeNanos = time.Since(start).Nanoseconds()
	return &env, stats, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	c.zenc.Close()
	c.zdec.Close()
}
