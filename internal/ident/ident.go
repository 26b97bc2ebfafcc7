// Package ident defines the opaque content-addressed identifiers shared
// across the mixing engine: jams, riffs and stems.
package ident

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// idLen is the fixed byte length of a content-addressed identifier, per
// spec §3: "Treated as 24-byte strings."
const idLen = 24

// JamId identifies a collection of riffs authored over time by one or more
// users.
type JamId [idLen]byte

// RiffId identifies one riff within a jam.
type RiffId [idLen]byte

// StemId identifies one stem (audio layer) within a riff.
type StemId [idLen]byte

// StemFingerprint is a 64-bit hash of a StemId, used as the Stem Cache's
// in-memory map key so the cache doesn't have to hash the full 24-byte id
// on every lookup.
type StemFingerprint uint64

func (j JamId) String() string  { return hex.EncodeToString(j[:]) }
func (r RiffId) String() string { return hex.EncodeToString(r[:]) }
func (s StemId) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether the identifier has never been assigned.
func (r RiffId) IsZero() bool { return r == RiffId{} }
func (s StemId) IsZero() bool { return s == StemId{} }

// ParseStemId decodes a hex-encoded stem id, e.g. as found on disk under
// the content-addressed cache path (spec §6.2).
func ParseStemId(s string) (StemId, error) {
	var out StemId
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ident: decode stem id %q: %w", s, err)
	}
	if len(b) != idLen {
		return out, fmt.Errorf("ident: stem id %q has %d bytes, want %d", s, len(b), idLen)
	}
	copy(out[:], b)
	return out, nil
}

// ParseRiffId decodes a hex-encoded riff id, e.g. as stored in the local
// metadata cache's riff_id column.
func ParseRiffId(s string) (RiffId, error) {
	var out RiffId
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ident: decode riff id %q: %w", s, err)
	}
	if len(b) != idLen {
		return out, fmt.Errorf("ident: riff id %q has %d bytes, want %d", s, len(b), idLen)
	}
	copy(out[:], b)
	return out, nil
}

// Fingerprint derives the 64-bit Stem Cache key from a StemId.
func Fingerprint(id StemId) StemFingerprint {
	return StemFingerprint(xxhash.Sum64(id[:]))
}

// CachePathPrefix returns the first 2 hex characters of the stem id, used
// to shard the on-disk content-addressed cache directory (spec §6.2):
// <storageRoot>/cache/common/stems/<first 2 hex of hash>/<stem_id>.
func CachePathPrefix(id StemId) string {
	return hex.EncodeToString(id[:1])
}
