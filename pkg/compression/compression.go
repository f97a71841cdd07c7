package compression

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnknownCodec = errors.New("compression: unknown codec")
)

// Codec identifies how a journal record body is stored. The value is written
// to disk, so existing values must not change.
type Codec uint8

const (
	None Codec = iota
	Zstd
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts the names used in config files.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%q: %w", name, ErrUnknownCodec)
	}
}

// Compressor compresses and decompresses whole buffers. It is safe for
// concurrent use.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Compressor{enc: enc, dec: dec}, nil
}

func (c *Compressor) Compress(codec Codec, src []byte) ([]byte, error) {
	switch codec {
	case None:
		return src, nil
	case Zstd:
		return c.enc.EncodeAll(src, make([]byte, 0, len(src))), nil
	default:
		return nil, fmt.Errorf("%s: %w", codec, ErrUnknownCodec)
	}
}

func (c *Compressor) Decompress(codec Codec, src []byte) ([]byte, error) {
	switch codec {
	case None:
		return src, nil
	case Zstd:
		out, err := c.dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: %w", codec, ErrUnknownCodec)
	}
}

func (c *Compressor) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
