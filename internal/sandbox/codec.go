package sandbox

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/forgebuild/forge/internal/forgeerr"
)

// flag bits within the wire format's u8 flags byte.
const (
	flagNetworkAllowed = 1 << 0
)

// maxWireCount bounds count fields so a corrupted or adversarial
// stream cannot make the decoder allocate an unbounded slice.
const maxWireCount = 1 << 20

// Encode serializes s to the little-endian wire format described in
// the hermetic spec codec: repeated (count, length-prefixed-bytes)
// sections for inputs/outputs/temps, a flags byte, the allowed-host
// list, a length-prefixed env map, then the three resource-limit
// fields (max memory, max CPU time, timeout). Limits.MaxProcesses is
// not part of the wire format; Decode always leaves it zero.
func Encode(s Spec) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeStrings(&buf, s.Inputs); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, s.Outputs); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, s.Temps); err != nil {
		return nil, err
	}

	var flags uint8
	if !s.Network.Hermetic {
		flags |= flagNetworkAllowed
	}
	buf.WriteByte(flags)

	// The allowed-host set isn't part of spec.md's minimal wire list
	// (only the single "network allowed" bit is), but it must survive
	// a round trip per the codec's identity property, so it rides
	// along as its own length-prefixed string list immediately after
	// the flags byte, using the same (count, length-prefixed) shape
	// as inputs/outputs/temps.
	if err := writeStrings(&buf, s.Network.AllowHosts); err != nil {
		return nil, err
	}

	if err := writeEnv(&buf, s.Env); err != nil {
		return nil, err
	}

	var nums [3]uint64
	nums[0] = s.Limits.MaxMemoryBytes
	nums[1] = s.Limits.MaxCPUTimeMS
	nums[2] = s.Limits.TimeoutMS
	for _, n := range nums {
		if err := binary.Write(&buf, binary.LittleEndian, n); err != nil {
			return nil, forgeerr.Wrap("sandbox: encode limits: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ss))); err != nil {
		return forgeerr.Wrap("sandbox: encode count: %w", err)
	}
	for _, s := range ss {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
			return forgeerr.Wrap("sandbox: encode length: %w", err)
		}
		if _, err := io.WriteString(w, s); err != nil {
			return forgeerr.Wrap("sandbox: encode bytes: %w", err)
		}
	}
	return nil
}

func writeEnv(w io.Writer, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic wire output
	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return forgeerr.Wrap("sandbox: encode env count: %w", err)
	}
	for _, k := range keys {
		v := env[k]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(k))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, k); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(v))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, v); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses the wire format produced by Encode. It fails cleanly
// on truncated input, unknown flag bits, or a length/count field that
// would overflow a reasonable allocation.
func Decode(b []byte) (Spec, error) {
	r := bytes.NewReader(b)

	inputs, err := readStrings(r)
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode inputs: %w", err)
	}
	outputs, err := readStrings(r)
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode outputs: %w", err)
	}
	temps, err := readStrings(r)
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode temps: %w", err)
	}

	flagByte, err := r.ReadByte()
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode flags: %w", err)
	}
	if flagByte&^flagNetworkAllowed != 0 {
		return Spec{}, forgeerr.Wrap("sandbox: decode flags: unknown bits set: %#x", flagByte)
	}

	allowHosts, err := readStrings(r)
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode allow-hosts: %w", err)
	}

	env, err := readEnv(r)
	if err != nil {
		return Spec{}, forgeerr.Wrap("sandbox: decode env: %w", err)
	}

	var nums [3]uint64
	for i := range nums {
		if err := binary.Read(r, binary.LittleEndian, &nums[i]); err != nil {
			return Spec{}, forgeerr.Wrap("sandbox: decode limits: %w", err)
		}
	}

	if r.Len() != 0 {
		return Spec{}, forgeerr.Wrap("sandbox: decode: %d trailing bytes", r.Len())
	}

	s := Spec{
		Inputs:  inputs,
		Outputs: outputs,
		Temps:   temps,
		Env:     env,
		Limits: Limits{
			MaxMemoryBytes: nums[0],
			MaxCPUTimeMS:   nums[1],
			TimeoutMS:      nums[2],
		},
	}
	s.Network.Hermetic = flagByte&flagNetworkAllowed == 0
	s.Network.AllowHosts = allowHosts
	if len(s.Env) == 0 {
		s.Env = map[string]string{}
	}
	return s, nil
}

func readCount(r *bytes.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	if n > maxWireCount {
		return 0, forgeerr.Wrap("sandbox: count %d exceeds maximum %d", n, maxWireCount)
	}
	return n, nil
}

func readLengthPrefixed(r *bytes.Reader) (string, error) {
	n, err := readCount(r)
	if err != nil {
		return "", err
	}
	if uint32(r.Len()) < n {
		return "", forgeerr.Wrap("sandbox: truncated: need %d bytes, have %d", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func readEnv(r *bytes.Reader) (map[string]string, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		v, err := readLengthPrefixed(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
