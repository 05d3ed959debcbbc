package bridge

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// chunkCodec compresses output held back while the system is suspended.
// EncodeAll and DecodeAll are safe for concurrent use.
type chunkCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newChunkCodec() (*chunkCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &chunkCodec{enc: enc, dec: dec}, nil
}

func (c *chunkCodec) encode(chunk []byte) []byte {
	return c.enc.EncodeAll(chunk, nil)
}

// join decodes every chunk and concatenates them in order.
func (c *chunkCodec) join(chunks [][]byte) ([]byte, error) {
	var out []byte
	for _, ch := range chunks {
		var err error
		out, err = c.dec.DecodeAll(ch, out)
		if err != nil {
			return out, fmt.Errorf("decode suspended chunk: %w", err)
		}
	}
	return out, nil
}

func (c *chunkCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
