// Package compress wraps zstd encode/decode for blockchain event payloads.
// Producers are free to write either raw or zstd-compressed payload bytes
// into the store (older rows predate compression); DecodePayload sniffs the
// zstd magic number so both are read back transparently.
package compress

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// EncodePayload compresses payload with zstd.
func EncodePayload(payload []byte) []byte {
	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
}

// DecodePayload returns payload as-is if it is not zstd-framed, otherwise
// its decompressed contents.
func DecodePayload(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	return decoder.DecodeAll(payload, nil)
}
