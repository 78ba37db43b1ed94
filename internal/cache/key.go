package cache

import (
	"github.com/forgebuild/forge/internal/digest"
)

// TargetKey digests (target id, ordered source content digests, ordered
// dependency output digests). Coarser than ActionKey; keys the
// TargetCache for whole-target skip decisions.
func TargetKey(targetID string, sourceDigests, depOutputDigests []digest.Digest) string {
	return composeKey(targetID, sourceDigests, depOutputDigests, nil, digest.Zero)
}

// ActionKey digests (target id, ordered input digests, ordered
// dependency output digests, language-driver metadata digest, flags
// digest). Keys the ActionCache.
func ActionKey(targetID string, inputDigests, depOutputDigests []digest.Digest, driverMetaDigest, flagsDigest digest.Digest) string {
	return composeKey(targetID, inputDigests, depOutputDigests, []digest.Digest{driverMetaDigest}, flagsDigest)
}

func composeKey(targetID string, a, b []digest.Digest, extra []digest.Digest, tail digest.Digest) string {
	elems := make([][]byte, 0, 1+len(a)+len(b)+len(extra)+1)
	elems = append(elems, []byte(targetID))
	for _, d := range a {
		d := d
		elems = append(elems, d[:])
	}
	for _, d := range b {
		d := d
		elems = append(elems, d[:])
	}
	for _, d := range extra {
		d := d
		elems = append(elems, d[:])
	}
	if !tail.IsZero() {
		elems = append(elems, tail[:])
	}
	return digest.HashMany(elems).String()
}

// DriverMetadata is the digest input contributed by a language
// driver's version() into ActionKey.
type DriverMetadata struct {
	Language string
	Version  string
}

// Digest hashes the driver metadata for inclusion in an ActionKey.
func (m DriverMetadata) Digest() digest.Digest {
	return digest.HashManyStrings([]string{m.Language, m.Version})
}
