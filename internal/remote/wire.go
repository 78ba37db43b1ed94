package remote

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// The remote tier speaks gRPC as a pure transport: requests and
// responses are plain structs with their own binary encoding (the
// same length-prefixed idiom as internal/sandbox's codec), carried by
// a custom grpc codec rather than protobuf — the DSL-parsing protobuf
// dependency stays out of scope, but the teacher's gRPC transport
// choice (a dialed unix-socket control connection in internal/build)
// is kept.

type putRequest struct {
	Tag   byte
	Key   string
	Entry entryWire
	Blob  []byte
}

type putResponse struct{}

type getRequest struct {
	Tag byte
	Key string
}

type getResponse struct {
	Found bool
	Entry entryWire
	Blob  []byte
}

type hasRequest struct {
	Tag byte
	Key string
}

type hasResponse struct {
	Has bool
}

type entryWire struct {
	OutputDigest digest.Digest
	TimestampNS  int64
	SizeBytes    int64
	Success      bool
	OutputPaths  []string
}

func toEntryWire(e cache.Entry) entryWire {
	return entryWire{
		OutputDigest: e.OutputDigest,
		TimestampNS:  e.Timestamp.UnixNano(),
		SizeBytes:    e.SizeBytes,
		Success:      e.Success,
		OutputPaths:  e.OutputPaths,
	}
}

func (w entryWire) toEntry() cache.Entry {
	return cache.Entry{
		OutputDigest: w.OutputDigest,
		Timestamp:    time.Unix(0, w.TimestampNS),
		SizeBytes:    w.SizeBytes,
		Success:      w.Success,
		OutputPaths:  w.OutputPaths,
	}
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func writeBlob(w io.Writer, blob []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(blob))); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e entryWire) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(e.OutputDigest[:])
	if err := binary.Write(&buf, binary.LittleEndian, e.TimestampNS); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, e.SizeBytes); err != nil {
		return nil, err
	}
	var successByte byte
	if e.Success {
		successByte = 1
	}
	buf.WriteByte(successByte)
	if err := writeStrings(&buf, e.OutputPaths); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *entryWire) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := io.ReadFull(r, e.OutputDigest[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.TimestampNS); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.SizeBytes); err != nil {
		return err
	}
	successByte, err := r.ReadByte()
	if err != nil {
		return err
	}
	e.Success = successByte == 1
	paths, err := readStrings(r)
	if err != nil {
		return err
	}
	e.OutputPaths = paths
	return nil
}

func (m *putRequest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.Tag)
	if err := writeString(&buf, m.Key); err != nil {
		return nil, err
	}
	entryBytes, err := m.Entry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, entryBytes); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, m.Blob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *putRequest) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Tag = tag
	if m.Key, err = readString(r); err != nil {
		return err
	}
	entryBytes, err := readBlob(r)
	if err != nil {
		return err
	}
	if err := m.Entry.UnmarshalBinary(entryBytes); err != nil {
		return err
	}
	if m.Blob, err = readBlob(r); err != nil {
		return err
	}
	return nil
}

func (m *putResponse) MarshalBinary() ([]byte, error) { return nil, nil }
func (m *putResponse) UnmarshalBinary([]byte) error   { return nil }

func (m *getRequest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.Tag)
	if err := writeString(&buf, m.Key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *getRequest) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Tag = tag
	m.Key, err = readString(r)
	return err
}

func (m *getResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	var foundByte byte
	if m.Found {
		foundByte = 1
	}
	buf.WriteByte(foundByte)
	entryBytes, err := m.Entry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, entryBytes); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, m.Blob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *getResponse) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	foundByte, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Found = foundByte == 1
	entryBytes, err := readBlob(r)
	if err != nil {
		return err
	}
	if err := m.Entry.UnmarshalBinary(entryBytes); err != nil {
		return err
	}
	if m.Blob, err = readBlob(r); err != nil {
		return err
	}
	return nil
}

func (m *hasRequest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.Tag)
	if err := writeString(&buf, m.Key); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *hasRequest) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Tag = tag
	m.Key, err = readString(r)
	return err
}

func (m *hasResponse) MarshalBinary() ([]byte, error) {
	if m.Has {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (m *hasResponse) UnmarshalBinary(b []byte) error {
	if len(b) != 1 {
		return forgeerr.Wrap("remote: malformed hasResponse: want 1 byte, got %d", len(b))
	}
	m.Has = b[0] == 1
	return nil
}
