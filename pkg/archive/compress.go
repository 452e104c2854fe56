package archive

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// zstdMagic starts every zstd frame. A manifest payload without it was
// stored uncompressed.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type compressor interface {
	compress(src []byte) ([]byte, error)
	decompress(src []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) compress(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

func (noneCompressor) decompress(src []byte) ([]byte, error) {
	return bytes.Clone(src), nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func newZstdCompressor(level zstd.EncoderLevel) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledgerbox.ErrCompressionFailed, err)
	}
	return &zstdCompressor{enc: enc}, nil
}

func (z *zstdCompressor) compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2+64)), nil
}

func (z *zstdCompressor) decompress(src []byte) ([]byte, error) {
	return zstdDecompress(src)
}

var sharedDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

func zstdDecompress(src []byte) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledgerbox.ErrDecompressionFailed, err)
	}
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledgerbox.ErrDecompressionFailed, err)
	}
	return out, nil
}

func compressorFor(method ledgerbox.CompressionMethod) (compressor, error) {
	switch method {
	case ledgerbox.CompressionNone:
		return noneCompressor{}, nil
	case ledgerbox.CompressionLZGeneric:
		return newZstdCompressor(zstd.SpeedBetterCompression)
	default:
		return nil, fmt.Errorf("%w: unknown compression method %q", ledgerbox.ErrInvalidArchiveFormat, method)
	}
}
