package transform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

var ErrCompression = errors.New("cqlrep: compression failed")

const (
	methodRaw = 0x00
	methodLZ4 = 0x01
)

// Compress produces a length-prefixed LZ4 frame: a 4-byte big-endian
// uncompressed length, a method byte, then the block. Inputs the block
// coder cannot shrink are carried raw under methodRaw.
func Compress(src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	dst := make([]byte, 5+bound)
	binary.BigEndian.PutUint32(dst[:4], uint32(len(src)))

	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[5:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if n == 0 || n >= len(src) {
		dst[4] = methodRaw
		return append(dst[:5], src...), nil
	}
	dst[4] = methodLZ4
	return dst[:5+n], nil
}

// Decompress reverses Compress.
func Decompress(frame []byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: short frame", ErrCompression)
	}
	size := binary.BigEndian.Uint32(frame[:4])
	body := frame[5:]
	switch frame[4] {
	case methodRaw:
		if uint32(len(body)) != size {
			return nil, fmt.Errorf("%w: raw frame size mismatch", ErrCompression)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case methodLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		return out[:n], nil
	}
	return nil, fmt.Errorf("%w: unknown method %#x", ErrCompression, frame[4])
}
