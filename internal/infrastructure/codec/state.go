// Package codec serializes stock states for storage. Large states are zstd
// compressed.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"stockvault/internal/core/types"
	"stockvault/internal/domain/stock"
)

// Algo is the compression applied to an encoded state.
type Algo string

const (
	AlgoNone Algo = "none"
	AlgoZstd Algo = "zstd"
)

// DefaultThreshold is the encoded size above which states are compressed.
const DefaultThreshold = 4 * 1024

// ErrUnknownAlgo is returned for payloads with an unsupported algorithm.
var ErrUnknownAlgo = errors.New("codec: unknown compression algorithm")

// StateCodec encodes states as JSON, compressing those above the threshold.
// It is safe for concurrent use.
type StateCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

// NewStateCodec creates a codec. A non-positive threshold uses
// DefaultThreshold.
func NewStateCodec(threshold int) (*StateCodec, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &StateCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

// Encode returns the stored form of st and the algorithm applied.
func (c *StateCodec) Encode(st stock.State) ([]byte, Algo, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, "", fmt.Errorf("marshal state of %s: %w", st.SKU, err)
	}
	if len(raw) <= c.threshold {
		return raw, AlgoNone, nil
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), AlgoZstd, nil
}

// Decode reverses Encode.
func (c *StateCodec) Decode(payload []byte, algo Algo) (stock.State, error) {
	raw := payload
	switch algo {
	case AlgoNone, "":
	case AlgoZstd:
		var err error
		raw, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return stock.State{}, fmt.Errorf("decompress state: %w", err)
		}
	default:
		return stock.State{}, fmt.Errorf("%w: %q", ErrUnknownAlgo, string(algo))
	}

	var st stock.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return stock.State{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Partitions == nil {
		st.Partitions = map[stock.Status]types.Quantity{}
	}
	return st, nil
}

const (
	tagNone byte = 'j'
	tagZstd byte = 'z'
)

// Pack encodes st into a single self-describing blob.
func (c *StateCodec) Pack(st stock.State) ([]byte, error) {
	payload, algo, err := c.Encode(st)
	if err != nil {
		return nil, err
	}
	tag := tagNone
	if algo == AlgoZstd {
		tag = tagZstd
	}
	return append([]byte{tag}, payload...), nil
}

// Unpack reverses Pack.
func (c *StateCodec) Unpack(blob []byte) (stock.State, error) {
	if len(blob) == 0 {
		return stock.State{}, errors.New("codec: empty blob")
	}
	switch blob[0] {
	case tagNone:
		return c.Decode(blob[1:], AlgoNone)
	case tagZstd:
		return c.Decode(blob[1:], AlgoZstd)
	default:
		return stock.State{}, fmt.Errorf("%w: tag %q", ErrUnknownAlgo, blob[0])
	}
}
