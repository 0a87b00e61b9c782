// Package assertions defines the CBOR-encoded C2PA BMFF hashing
// assertions (the grouped Merkle scheme and the rolling-hash scheme)
// and their strict codec.
package assertions

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/forestrie/live-bmff-signer/internal/hashing"
)

// ErrBadDigestLength is returned when a decoded hash entry's length does
// not match the digest size implied by its algorithm.
var ErrBadDigestLength = errors.New("assertions: digest length does not match algorithm")

// SubsetMap names a byte range contributing to a "data hash" style
// assertion; carried for parity with the upstream assertion shape even
// though this signer only emits BMFF hash assertions.
type SubsetMap struct {
	Offset uint64 `cbor:"offset"`
	Length uint64 `cbor:"length"`
}

// DataMap describes the byte ranges actually hashed, as the complement
// of ExclusionsMap; present on assertions for human/debug inspection.
type DataMap struct {
	Offset uint64 `cbor:"offset"`
	Value  []byte `cbor:"value"`
}

// ExclusionsMap is the wire form of an internal/bmffbox.ExclusionRule:
// a declarative, box-path-addressed exclusion.
type ExclusionsMap struct {
	XPath  string     `cbor:"xpath"`
	Length *uint32    `cbor:"length,omitempty"`
	Subset *SubsetMap `cbor:"subset,omitempty"`
	Exact  bool       `cbor:"exact,omitempty"`
}

// MerkleMap is the init-file assertion for the grouped Merkle scheme.
type MerkleMap struct {
	UniqueID int64    `cbor:"unique_id"`
	LocalID  int64    `cbor:"local_id"`
	Count    uint32   `cbor:"count"`
	Alg      string   `cbor:"alg,omitempty"`
	InitHash []byte   `cbor:"init_hash,omitempty"`
	Hashes   [][]byte `cbor:"hashes"`
}

// Validate checks structural invariants: every hash in Hashes must match
// the digest size implied by Alg (if set).
func (m *MerkleMap) Validate() error {
	if m.Alg == "" {
		return nil
	}
	size, err := hashing.DigestSize(m.Alg)
	if err != nil {
		return err
	}
	for i, h := range m.Hashes {
		if len(h) != size {
			return fmt.Errorf("%w: hashes[%d] has %d bytes, want %d", ErrBadDigestLength, i, len(h), size)
		}
	}
	if m.InitHash != nil && len(m.InitHash) != size {
		return fmt.Errorf("%w: init_hash has %d bytes, want %d", ErrBadDigestLength, len(m.InitHash), size)
	}
	return nil
}

// BmffMerkleMap is embedded in each fragment's C2PA uuid box: the
// fragment's position in the group and its Merkle proof up to the
// init file's stored layer.
type BmffMerkleMap struct {
	UniqueID int64    `cbor:"unique_id"`
	LocalID  int64    `cbor:"local_id"`
	Location uint32   `cbor:"location"`
	Hashes   [][]byte `cbor:"hashes,omitempty"`
}

// BmffHash is the top-level assertion envelope carried in an init file.
// One init file commonly backs several representations sharing the same
// ftyp/moov, so Merkle and Rolling are slices keyed by (UniqueID,
// LocalID); the asset as a whole must still use only one of the two
// schemes (spec §4.7).
type BmffHash struct {
	Alg        string          `cbor:"alg,omitempty"`
	Exclusions []ExclusionsMap `cbor:"exclusions,omitempty"`
	Hash       []byte          `cbor:"hash,omitempty"`
	Merkle     []MerkleMap     `cbor:"merkle,omitempty"`
	Rolling    []RollingHash   `cbor:"rolling_hash,omitempty"`
	Data       []DataMap       `cbor:"data,omitempty"`
}

// HasBothSchemes reports whether Merkle and Rolling are both populated,
// the condition internal/signing and internal/verify must reject.
func (b *BmffHash) HasBothSchemes() bool {
	return len(b.Merkle) > 0 && len(b.Rolling) > 0
}

// FindMerkle returns the MerkleMap for (uniqueID, localID), if present.
func (b *BmffHash) FindMerkle(uniqueID, localID int64) (*MerkleMap, bool) {
	for i := range b.Merkle {
		if b.Merkle[i].UniqueID == uniqueID && b.Merkle[i].LocalID == localID {
			return &b.Merkle[i], true
		}
	}
	return nil, false
}

// PutMerkle appends m, or replaces the existing entry sharing its
// (UniqueID, LocalID), per spec §4.6.1 step 8.
func (b *BmffHash) PutMerkle(m MerkleMap) {
	for i := range b.Merkle {
		if b.Merkle[i].UniqueID == m.UniqueID && b.Merkle[i].LocalID == m.LocalID {
			b.Merkle[i] = m
			return
		}
	}
	b.Merkle = append(b.Merkle, m)
}

// FindRolling returns the RollingHash for (uniqueID, localID), if present.
func (b *BmffHash) FindRolling(uniqueID, localID int64) (*RollingHash, bool) {
	for i := range b.Rolling {
		if b.Rolling[i].UniqueID == uniqueID && b.Rolling[i].LocalID == localID {
			return &b.Rolling[i], true
		}
	}
	return nil, false
}

// FindRollingByAlg returns the sole RollingHash entry matching alg. It
// exists for callers (internal/verify's whole-chain check) that walk a
// fragment sequence independently of any particular (UniqueID, LocalID)
// and only need to locate the one representation using alg; if more than
// one entry shares alg the first match is returned.
func (b *BmffHash) FindRollingByAlg(alg string) (*RollingHash, bool) {
	for i := range b.Rolling {
		if b.Rolling[i].Alg == alg || (b.Rolling[i].Alg == "" && alg == b.Alg) {
			return &b.Rolling[i], true
		}
	}
	return nil, false
}

// PutRolling appends r, or replaces the existing entry sharing its
// (UniqueID, LocalID).
func (b *BmffHash) PutRolling(r RollingHash) {
	for i := range b.Rolling {
		if b.Rolling[i].UniqueID == r.UniqueID && b.Rolling[i].LocalID == r.LocalID {
			b.Rolling[i] = r
			return
		}
	}
	b.Rolling = append(b.Rolling, r)
}

// RollingHash is the init-file assertion for the rolling-hash scheme.
type RollingHash struct {
	// UniqueID and LocalID select the representation this rolling chain
	// belongs to, the way MerkleMap does, so one init file can carry the
	// independent rolling state of several representations.
	UniqueID     int64  `cbor:"unique_id,omitempty"`
	LocalID      int64  `cbor:"local_id,omitempty"`
	Alg          string `cbor:"alg,omitempty"`
	InitHash     []byte `cbor:"init_hash,omitempty"`
	RollingHash  []byte `cbor:"rolling_hash,omitempty"`
	PreviousHash []byte `cbor:"previous_hash,omitempty"`
}

// Shift implements shift_rolling_hash (spec §4.6.2 step 6): the current
// rolling hash becomes the previous hash, and rolling hash is cleared,
// ready for the next fragment's update.
func (r *RollingHash) Shift() {
	r.PreviousHash = r.RollingHash
	r.RollingHash = nil
}

// FragmentRollingHash is embedded in each fragment's C2PA uuid box.
type FragmentRollingHash struct {
	AnchorPoint []byte          `cbor:"anchor_point,omitempty"`
	Exclusions  []ExclusionsMap `cbor:"exclusions,omitempty"`
}

// Codec marshals and unmarshals assertions deterministically, mirroring
// the teacher's CBOR codec construction (fixed encode options rather
// than ad hoc cbor.Marshal calls scattered through the codebase).
type Codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCodec builds a Codec with canonical (deterministic) CBOR encoding
// and strict decoding.
func NewCodec() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, err
	}

	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, err
	}

	return &Codec{encMode: encMode, decMode: decMode}, nil
}

// Marshal encodes v (a *BmffHash, *MerkleMap, *BmffMerkleMap,
// *RollingHash, or *FragmentRollingHash) to canonical CBOR.
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	return c.encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into v, rejecting duplicate map keys and
// malformed structure.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	return c.decMode.Unmarshal(data, v)
}

// MarshalBmffHash validates the digest-length invariant on the Merkle
// leg (if present) before encoding.
func (c *Codec) MarshalBmffHash(h *BmffHash) ([]byte, error) {
	if h.HasBothSchemes() {
		return nil, ErrBothSchemesPresent
	}
	for i := range h.Merkle {
		if err := h.Merkle[i].Validate(); err != nil {
			return nil, err
		}
	}
	return c.Marshal(h)
}

// UnmarshalBmffHash decodes and validates a BmffHash assertion.
func (c *Codec) UnmarshalBmffHash(data []byte) (*BmffHash, error) {
	var h BmffHash
	if err := c.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.HasBothSchemes() {
		return nil, ErrBothSchemesPresent
	}
	for i := range h.Merkle {
		if err := h.Merkle[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &h, nil
}

// ErrBothSchemesPresent is returned when a BmffHash assertion carries
// both Merkle and Rolling, which spec §4.7 forbids on a single asset.
var ErrBothSchemesPresent = errors.New("assertions: hash mismatch: both merkle and rolling_hash present")
