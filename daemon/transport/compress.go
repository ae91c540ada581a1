package transport

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies how a chunk's payload is compressed on the wire.
// Payloads are always decompressed before verification.
type Encoding string

const (
	EncodingNone Encoding = "none"
	EncodingLZ4  Encoding = "lz4"
	EncodingZstd Encoding = "zstd"
)

// errIncompressible is returned internally when compression would not
// shrink the payload; the chunk is then sent as EncodingNone.
var errIncompressible = errors.New("data is incompressible")

// ErrBadEncoding reports a payload that cannot be decoded.
var ErrBadEncoding = errors.New("bad chunk encoding")

// ParseEncoding parses an encoding name.
func ParseEncoding(name string) (Encoding, error) {
	switch e := Encoding(name); e {
	case EncodingNone, EncodingLZ4, EncodingZstd:
		return e, nil
	case "":
		return EncodingNone, nil
	default:
		return "", fmt.Errorf("%w: unknown encoding %q", ErrBadEncoding, name)
	}
}

// Negotiate picks the first of the responder's preferences that the
// requester accepts, falling back to EncodingNone.
func Negotiate(offered []string, preferred []Encoding) Encoding {
	for _, p := range preferred {
		for _, o := range offered {
			if string(p) == o {
				return p
			}
		}
	}
	return EncodingNone
}

// Compress encodes data with enc. When compression does not help it
// returns data unchanged with EncodingNone.
func Compress(data []byte, enc Encoding) ([]byte, Encoding, error) {
	var (
		out []byte
		err error
	)
	switch enc {
	case EncodingNone, "":
		return data, EncodingNone, nil
	case EncodingLZ4:
		out, err = compressLZ4(data)
	case EncodingZstd:
		out, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("%w: unknown encoding %q", ErrBadEncoding, enc)
	}
	if errors.Is(err, errIncompressible) {
		return data, EncodingNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, enc, nil
}

// Decompress reverses Compress. The result must be exactly size bytes.
func Decompress(payload []byte, enc Encoding, size int) ([]byte, error) {
	switch enc {
	case EncodingNone, "":
		if len(payload) != size {
			return nil, fmt.Errorf("%w: payload is %d bytes, length says %d", ErrBadEncoding, len(payload), size)
		}
		return payload, nil
	case EncodingLZ4:
		return decompressLZ4(payload, size)
	case EncodingZstd:
		return decompressZstd(payload, size)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrBadEncoding, enc)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(payload []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrBadEncoding, err)
	}
	if read != size {
		return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrBadEncoding, read, size)
	}
	return dst, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(payload []byte, size int) ([]byte, error) {
	dst, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrBadEncoding, err)
	}
	if len(dst) != size {
		return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrBadEncoding, len(dst), size)
	}
	return dst, nil
}
