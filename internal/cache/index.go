package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

const indexFilename = "index.bin"

// writeIndexLocked rewrites index.bin atomically: write a temp file,
// fsync, rename over the original. Callers hold s.mu.
func (s *Store) writeIndexLocked() error {
	t, err := renameio.TempFile("", filepath.Join(s.root, indexFilename))
	if err != nil {
		return forgeerr.Wrap("cache: open index temp file: %w", err)
	}
	defer t.Cleanup()

	w := bufio.NewWriter(t)
	for key, e := range s.entries {
		if err := writeRecord(w, s.tag, key, e); err != nil {
			return forgeerr.Wrap("cache: write index record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return forgeerr.Wrap("cache: flush index buffer: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return forgeerr.Wrap("cache: replace index: %w", err)
	}
	return nil
}

func writeRecord(w io.Writer, tag Tag, key string, e Entry) error {
	if _, err := w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	if err := writeLenBytes(w, []byte(key)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(e.Timestamp.UnixNano())); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(e.SizeBytes)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.OutputPaths))); err != nil {
		return err
	}
	for _, p := range e.OutputPaths {
		if err := writeLenBytes(w, []byte(p)); err != nil {
			return err
		}
	}
	var successByte byte
	if e.Success {
		successByte = 1
	}
	if _, err := w.Write([]byte{successByte}); err != nil {
		return err
	}
	if _, err := w.Write(e.OutputDigest[:]); err != nil {
		return err
	}
	return nil
}

func writeLenBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// loadIndex reads index.bin (if present) into memory. A missing file
// is not an error: it means an empty, freshly created store.
func (s *Store) loadIndex() error {
	path := filepath.Join(s.root, indexFilename)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return forgeerr.Wrap("cache: read index: %w", err)
	}
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		tagByte, err := r.ReadByte()
		if err != nil {
			return forgeerr.Wrap("cache: corrupted index: %w", err)
		}
		key, err := readLenBytes(r)
		if err != nil {
			return forgeerr.Wrap("cache: corrupted index key: %w", err)
		}
		var nanos, size uint64
		if err := binary.Read(r, binary.LittleEndian, &nanos); err != nil {
			return forgeerr.Wrap("cache: corrupted index timestamp: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return forgeerr.Wrap("cache: corrupted index size: %w", err)
		}
		var outCount uint32
		if err := binary.Read(r, binary.LittleEndian, &outCount); err != nil {
			return forgeerr.Wrap("cache: corrupted index output count: %w", err)
		}
		outputs := make([]string, 0, outCount)
		for i := uint32(0); i < outCount; i++ {
			p, err := readLenBytes(r)
			if err != nil {
				return forgeerr.Wrap("cache: corrupted index output path: %w", err)
			}
			outputs = append(outputs, string(p))
		}
		successByte, err := r.ReadByte()
		if err != nil {
			return forgeerr.Wrap("cache: corrupted index success flag: %w", err)
		}
		var d digest.Digest
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return forgeerr.Wrap("cache: corrupted index digest: %w", err)
		}
		if Tag(tagByte) != s.tag {
			continue // belongs to the other granularity sharing this file's predecessor format
		}
		e := Entry{
			OutputDigest: d,
			Timestamp:    time.Unix(0, int64(nanos)),
			SizeBytes:    int64(size),
			Success:      successByte == 1,
			OutputPaths:  outputs,
		}
		s.entries[string(key)] = e
		s.lruElem[string(key)] = s.lru.PushFront(string(key))
		s.currentBytes += e.SizeBytes
	}
	return nil
}

func readLenBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if uint32(r.Len()) < n {
		return nil, forgeerr.Wrap("cache: truncated record: need %d bytes, have %d", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeObject stores blob, zstd-compressed, at
// objects/<first-2-hex>/<remainder-hex>.
func (s *Store) writeObject(d digest.Digest, blob []byte) error {
	path := objectPath(s.root, d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return forgeerr.Wrap("cache: mkdir object dir: %w", err)
	}
	t, err := renameio.TempFile("", path)
	if err != nil {
		return forgeerr.Wrap("cache: open object temp file: %w", err)
	}
	defer t.Cleanup()
	compressed := s.encoder.EncodeAll(blob, make([]byte, 0, len(blob)))
	if _, err := t.Write(compressed); err != nil {
		return forgeerr.Wrap("cache: write object: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return forgeerr.Wrap("cache: replace object: %w", err)
	}
	return nil
}

func (s *Store) readObject(d digest.Digest) ([]byte, error) {
	b, err := os.ReadFile(objectPath(s.root, d))
	if err != nil {
		return nil, forgeerr.Wrap("cache: read object %s: %w", d, err)
	}
	blob, err := s.decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, forgeerr.Wrap("cache: decompress object %s: %w", d, err)
	}
	return blob, nil
}

func objectPath(root string, d digest.Digest) string {
	hex := d.String()
	return filepath.Join(root, "objects", hex[:2], hex[2:])
}
