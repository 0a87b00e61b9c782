// Package hashing implements exclusion-aware streaming digests over BMFF
// assets and the concatenation primitive used by both integrity schemes.
package hashing

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
)

// ErrUnsupportedAlgorithm is returned for any algorithm name other than
// sha256, sha384, or sha512.
var ErrUnsupportedAlgorithm = errors.New("hashing: unsupported algorithm")

// DigestSize returns the digest length in bytes for the named algorithm.
func DigestSize(alg string) (int, error) {
	switch alg {
	case "sha256":
		return sha256.Size, nil
	case "sha384":
		return sha512.Size384, nil
	case "sha512":
		return sha512.Size, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// HashStream streams r, skipping any byte that falls within exclusions,
// and returns the resulting digest under alg. exclusions must already be
// sorted and non-overlapping (internal/bmffbox.ExclusionsToRanges
// guarantees this). If rewind is true, r is seeked back to the start
// before reading.
func HashStream(alg string, r io.ReadSeeker, exclusions []bmffbox.ExclusionRange, rewind bool) ([]byte, error) {
	h, err := newHasher(alg)
	if err != nil {
		return nil, err
	}

	if rewind {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	size, err := streamLen(r)
	if err != nil {
		return nil, err
	}

	var offset uint64
	excl := exclusions
	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)

	for offset < size {
		// drop any exclusion ranges that end at or before the current offset
		for len(excl) > 0 && excl[0].End() <= offset {
			excl = excl[1:]
		}

		next := size
		if len(excl) > 0 {
			if excl[0].Offset <= offset {
				// inside an exclusion: jump to its end
				offset = excl[0].End()
				if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
					return nil, err
				}
				excl = excl[1:]
				continue
			}
			next = excl[0].Offset
		}

		toRead := next - offset
		for toRead > 0 {
			n := toRead
			if n > chunkSize {
				n = chunkSize
			}
			read, err := io.ReadFull(r, buf[:n])
			if err != nil {
				return nil, err
			}
			h.Write(buf[:read])
			toRead -= uint64(read)
			offset += uint64(read)
		}
	}

	return h.Sum(nil), nil
}

// VerifyStream recomputes the digest of r (applying the same exclusions
// and rewind semantics as HashStream) and compares it to expected in
// constant time.
func VerifyStream(alg string, expected []byte, r io.ReadSeeker, exclusions []bmffbox.ExclusionRange, rewind bool) (bool, error) {
	got, err := HashStream(alg, r, exclusions, rewind)
	if err != nil {
		return false, err
	}
	if len(got) != len(expected) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(got, expected) == 1, nil
}

// ConcatAndHash returns H(left || right) if right is present. If right is
// nil, left is returned unchanged: the rolling-hash chain's first fragment
// has no predecessor to combine with (spec §4.6.2 step 5, §8 invariant 4:
// roll_0 == H(frag_0), not H(H(frag_0))), and a Merkle right-edge node
// promoted to the next layer carries its hash forward the same way.
func ConcatAndHash(alg string, left []byte, right []byte) ([]byte, error) {
	h, err := newHasher(alg)
	if err != nil {
		return nil, err
	}
	if right == nil {
		return cloneBytes(left), nil
	}
	h.Write(left)
	h.Write(right)
	return h.Sum(nil), nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func streamLen(r io.Seeker) (uint64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return uint64(end), nil
}
