package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec for persisted blobs.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps "none", "lz4" or "zstd" to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// Blob layout: [codec uint8][uncompressed length uint32][payload].
const blobHeaderSize = 5

// maxBlobSize bounds the uncompressed length a header may declare.
const maxBlobSize = 1 << 30

// lz4MaxRatio is the largest expansion an LZ4 block can encode.
const lz4MaxRatio = 255

var errCorruptBlob = errors.New("corrupt compressed blob")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
}

// Compress frames data with codec c. Incompressible LZ4 input is stored raw.
func Compress(data []byte, c Compression) ([]byte, error) {
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("blob of %d bytes exceeds %d", len(data), maxBlobSize)
	}
	payload := data
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			c = CompressionNone
		} else {
			payload = buf[:n]
		}
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		payload = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}

	out := make([]byte, blobHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[blobHeaderSize:], payload)
	return out, nil
}

// Decompress reverses Compress, reading the codec from the header.
func Decompress(blob []byte) ([]byte, error) {
	if len(blob) < blobHeaderSize {
		return nil, errCorruptBlob
	}
	size := binary.LittleEndian.Uint32(blob[1:])
	payload := blob[blobHeaderSize:]
	if size > maxBlobSize {
		return nil, fmt.Errorf("%w: declared size %d", errCorruptBlob, size)
	}
	switch Compression(blob[0]) {
	case CompressionNone:
		if uint32(len(payload)) != size {
			return nil, errCorruptBlob
		}
		return payload, nil
	case CompressionLZ4:
		if uint64(size) > lz4MaxRatio*uint64(len(payload)) {
			return nil, fmt.Errorf("%w: declared size %d for %d payload bytes", errCorruptBlob, size, len(payload))
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptBlob, err)
		}
		if uint32(n) != size {
			return nil, errCorruptBlob
		}
		return out, nil
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(payload, make([]byte, 0, min(int(size), 16*len(payload))))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptBlob, err)
		}
		if uint32(len(out)) != size {
			return nil, errCorruptBlob
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: codec %d", errCorruptBlob, blob[0])
}

// CompressedStore compresses blobs on Put and decompresses them on Get.
type CompressedStore struct {
	MetadataStore
	codec Compression
}

func NewCompressedStore(inner MetadataStore, codec Compression) *CompressedStore {
	return &CompressedStore{MetadataStore: inner, codec: codec}
}

func (s *CompressedStore) Put(ctx context.Context, key string, data []byte) error {
	blob, err := Compress(data, s.codec)
	if err != nil {
		return storageErr("compress", key, err)
	}
	return s.MetadataStore.Put(ctx, key, blob)
}

func (s *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.MetadataStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := Decompress(blob)
	if err != nil {
		return nil, storageErr("decompress", key, err)
	}
	return data, nil
}
