// Package compress dispatches the per-category compression policy: each
// RecordCategory gets a codec chosen for its access pattern
// (Account/Trading/Factor favor ratio since they are read rarely and
// sequentially during replay; MarketData and System favor raw throughput).
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/exchange-core/matching-core/pkg/types"
)

// Codec is the name of a compression algorithm, stored in the SSTable block
// header so a reader can dispatch without external config.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecSnappy
	CodecLZ4
)

// ForCategory returns the compression policy codec for a record category:
//   - Account: Zstd-6, favoring ratio — low write volume, read rarely.
//   - KLine, Trading, Factor: Zstd-3 — higher write volume, decode speed
//     matters more on the historical-scan read path.
//   - MarketData: LZ4, for decode throughput on the hot tick/book replay
//     path where ratio matters least.
//   - System: Snappy, favoring simplicity for low-volume administrative
//     records over maximum ratio.
func ForCategory(cat types.RecordCategory) Codec {
	switch cat {
	case types.CategoryAccount, types.CategoryKLine, types.CategoryTrading, types.CategoryFactor:
		return CodecZstd
	case types.CategoryMarketData:
		return CodecLZ4
	case types.CategorySystem:
		return CodecSnappy
	default:
		return CodecNone
	}
}

// zstdLevel returns the encoder level to use for a category compressed
// with Zstd: level 6 for Account, level 3 for KLine/Trading/Factor.
func zstdLevel(cat types.RecordCategory) zstd.EncoderLevel {
	switch cat {
	case types.CategoryAccount:
		return zstd.EncoderLevelFromZstd(6)
	default:
		return zstd.EncoderLevelFromZstd(3)
	}
}

// Compress encodes src using the codec selected for cat.
func Compress(cat types.RecordCategory, src []byte) ([]byte, Codec, error) {
	codec := ForCategory(cat)
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(cat)))
		if err != nil {
			return nil, codec, fmt.Errorf("compress: new zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), codec, nil
	case CodecSnappy:
		return snappy.Encode(nil, src), codec, nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, codec, fmt.Errorf("compress: lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, codec, fmt.Errorf("compress: lz4 close: %w", err)
		}
		return buf.Bytes(), codec, nil
	default:
		return src, CodecNone, nil
	}
}

// Decompress decodes src, which was produced by Compress with the given
// codec.
func Decompress(codec Codec, src []byte) ([]byte, error) {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: new zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: zstd decode: %w", err)
		}
		return out, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("decompress: snappy decode: %w", err)
		}
		return out, nil
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress: lz4 decode: %w", err)
		}
		return out, nil
	case CodecNone:
		return src, nil
	default:
		return nil, fmt.Errorf("decompress: unknown codec %d", codec)
	}
}
