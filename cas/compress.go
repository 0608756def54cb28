package cas

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// Compression identifies the on-disk payload encoding.
type Compression uint8

const (
	// CompressionNone stores raw payload bytes, one file per hash.
	CompressionNone Compression = iota

	// CompressionZstd stores payloads zstd-compressed. Each file
	// carries a one-byte tag so incompressible payloads can fall back
	// to raw storage per file.
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// codec handles the tagged compressed file layout.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		return nil, fmt.Errorf("cas: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("cas: creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

// encode produces the on-disk bytes for content. With compression off
// the payload is stored verbatim; otherwise a one-byte tag precedes the
// (possibly compressed) data. Compression falls back to raw per payload
// when it does not shrink the content.
func (s *Store) encode(content []byte) ([]byte, error) {
	if s.codec == nil {
		return content, nil
	}
	compressed := s.codec.enc.EncodeAll(content, make([]byte, 1, len(content)+1))
	if len(compressed)-1 >= len(content) {
		out := make([]byte, 1, len(content)+1)
		out[0] = byte(CompressionNone)
		return append(out, content...), nil
	}
	compressed[0] = byte(CompressionZstd)
	return compressed, nil
}

// decode reverses encode for the tagged layout.
func (c *codec) decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, errors.New("cas: empty payload file")
	}
	tag, data := Compression(encoded[0]), encoded[1:]
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		content, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("cas: decompressing payload: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("cas: unknown compression tag %d", tag)
	}
}

// verifyReader reads through a payload file, hashing as it goes, and
// reports ErrHashMismatch at EOF when the content does not match its
// key. Close drains any unread remainder so short reads still verify.
type verifyReader struct {
	file     io.ReadCloser
	expected string
	hasher   hash.Hash
	verified bool
	err      error
}

func newVerifyReader(f io.ReadCloser, expected string) *verifyReader {
	return &verifyReader{
		file:     f,
		expected: expected,
		hasher:   sha256.New(),
	}
}

func (r *verifyReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.file.Read(p)
	if n > 0 {
		_, _ = r.hasher.Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	if err == io.EOF {
		if verifyErr := r.verify(); verifyErr != nil {
			return n, verifyErr
		}
		return n, io.EOF
	}
	return n, err
}

func (r *verifyReader) Close() error {
	if !r.verified && r.err == nil {
		buf := make([]byte, 32*1024)
		for {
			_, err := r.Read(buf)
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = r.file.Close()
				return err
			}
		}
	}
	closeErr := r.file.Close()
	if r.err != nil {
		return r.err
	}
	return closeErr
}

func (r *verifyReader) verify() error {
	if r.verified {
		return r.err
	}
	r.verified = true
	sum := digest.NewDigestFromBytes(digest.SHA256, r.hasher.Sum(nil)).Encoded()
	if sum != r.expected {
		r.err = ErrHashMismatch
	}
	return r.err
}
