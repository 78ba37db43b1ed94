// Package digest implements deterministic content-addressed hashing of
// files and byte blobs using Blake3, the content hasher at the base
// of the execution core's cache keys.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"runtime"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// Size is the fixed width of a Digest in bytes.
const Size = 32

// Digest is a fixed-width content hash. Two digests compare equal iff
// their bytes match.
type Digest [Size]byte

// Zero is the digest with no bytes set, used as a sentinel for "no
// value yet".
var Zero Digest

// String hex-encodes the digest for on-disk keys and wire transmission.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// ParseHex decodes a hex-encoded digest string.
func ParseHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, forgeerr.Wrap("digest: parse hex %q: %w", s, err)
	}
	if len(b) != Size {
		return d, forgeerr.Wrap("digest: parse hex %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashBytes computes the digest of an in-memory byte blob.
func HashBytes(buf []byte) Digest {
	sum := blake3.Sum256(buf)
	return Digest(sum)
}

const streamBufSize = 64 * 1024

// HashFile computes the digest of the file at path, streaming its
// contents so that memory use is bounded independent of file size.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Zero, forgeerr.Wrap("digest: open %q: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	buf := make([]byte, streamBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return Zero, forgeerr.Wrap("digest: hash %q: %w", path, err)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashMany combines an ordered sequence of byte blobs into a single
// digest, incorporating each element's length prefix so that
// concatenations of different splits of the same bytes never
// collide (e.g. hash_many(["ab","c"]) != hash_many(["a","bc"])).
func HashMany(elems [][]byte) Digest {
	h := blake3.New()
	var lenBuf [8]byte
	for _, e := range elems {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(e)))
		h.Write(lenBuf[:])
		h.Write(e)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// HashManyStrings is a convenience wrapper over HashMany for string
// sequences (e.g. source paths, dependency ids).
func HashManyStrings(elems []string) Digest {
	b := make([][]byte, len(elems))
	for i, e := range elems {
		b[i] = []byte(e)
	}
	return HashMany(b)
}

// HashFilesParallel hashes many files concurrently, preserving the
// order of the input path list in the result. It is a simple fan-out;
// GOMAXPROCS bounds the number of concurrent hashers.
func HashFilesParallel(paths []string) ([]Digest, error) {
	out := make([]Digest, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			d, err := HashFile(p)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
