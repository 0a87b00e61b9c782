// Package verify checks the BmffHash assertion embedded in a signed init
// segment against its fragments, for both the grouped Merkle scheme and
// the rolling-hash scheme.
package verify

import (
	"context"
	"errors"
	"os"

	"github.com/forestrie/live-bmff-signer/internal/assertions"
	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
	"github.com/forestrie/live-bmff-signer/internal/bmfferr"
	"github.com/forestrie/live-bmff-signer/internal/cosesign"
	"github.com/forestrie/live-bmff-signer/internal/fragment"
	"github.com/forestrie/live-bmff-signer/internal/hashing"
	"github.com/forestrie/live-bmff-signer/internal/merkle"
)

var (
	// ErrNoMerkleMap is returned when a fragment carries a BmffMerkleMap
	// but the init assertion has no matching MerkleMap entry.
	ErrNoMerkleMap = errors.New("verify: no MerkleMap for this fragment's (unique_id, local_id)")
	// ErrNoRollingHash is returned when the init assertion carries no
	// RollingHash for the representation being verified.
	ErrNoRollingHash = errors.New("verify: no RollingHash for this representation")
	// ErrMissingAnchorPoint is returned when a fragment's embedded
	// FragmentRollingHash carries no anchor_point but the init assertion's
	// previous_hash requires one.
	ErrMissingAnchorPoint = errors.New("verify: fragment is missing its anchor_point")
	// ErrAnchorMismatch is returned when a fragment's anchor_point does
	// not equal the init assertion's previous_hash.
	ErrAnchorMismatch = errors.New("verify: anchor_point does not match previous_hash")
	// ErrRollingHashMismatch is returned when the recomputed rolling hash
	// does not equal the one recorded in the init assertion.
	ErrRollingHashMismatch = errors.New("verify: recomputed rolling hash does not match assertion")
	// ErrMerkleProofInvalid is returned when a fragment's Merkle proof
	// does not reconstruct the stored tree row.
	ErrMerkleProofInvalid = errors.New("verify: merkle proof does not reconstruct the stored hash")
	// ErrAnchorBroken is returned by VerifyStreamFragments when a
	// fragment's anchor_point does not equal the running accumulator.
	ErrAnchorBroken = errors.New("verify: fragment anchor_point breaks the chain")
	// ErrNoFragments is returned when Inspect is called with zero
	// fragment paths to rebuild a tree from.
	ErrNoFragments = errors.New("verify: at least one fragment is required")
)

// Verifier checks signed init segments and fragments. Signer is optional;
// when set, the init file's embedded assertion is expected to be a
// COSE_Sign1 message (the mirror image of internal/signing.Engine).
type Verifier struct {
	Codec  *assertions.Codec
	Signer cosesign.Signer
}

// NewVerifier builds a Verifier. signer may be nil for unsigned assets.
func NewVerifier(codec *assertions.Codec, signer cosesign.Signer) *Verifier {
	return &Verifier{Codec: codec, Signer: signer}
}

func (v *Verifier) loadInitAssertion(ctx context.Context, initPath string) (*assertions.BmffHash, error) {
	box, err := fragment.ExtractC2PABox(initPath)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.MissingBox, err)
	}
	payload := fragment.UUIDBoxPayload(box)
	if v.Signer != nil {
		msg, err := cosesign.Verify1(ctx, v.Signer, payload, nil)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}
		payload = msg.Payload
	}
	bh, err := v.Codec.UnmarshalBmffHash(payload)
	if errors.Is(err, assertions.ErrBothSchemesPresent) {
		return nil, bmfferr.Wrap(bmfferr.HashMismatch, err)
	}
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	return bh, nil
}

// VerifyFileHash checks bh.Hash (the whole-file, non-fragmented binding)
// against initPath. Fragmented BMFF assets never carry this field (spec
// §4.7); it is provided for completeness over the assertion shape.
func VerifyFileHash(bh *assertions.BmffHash, initPath string) (bool, error) {
	if bh.Hash == nil {
		return false, bmfferr.New(bmfferr.InvalidAsset, "verify: assertion carries no file-level hash")
	}
	f, err := os.Open(initPath)
	if err != nil {
		return false, bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
	if err != nil {
		return false, bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	ok, err := hashing.VerifyStream(bh.Alg, bh.Hash, f, exclusions, true)
	if err != nil {
		return false, bmfferr.Wrap(bmfferr.Io, err)
	}
	return ok, nil
}

func verifyInitHashOnce(alg string, initHash []byte, initPath string, cache map[string]bool) error {
	if initHash == nil {
		return nil
	}
	key := alg + ":" + string(initHash)
	if ok, seen := cache[key]; seen {
		if !ok {
			return bmfferr.New(bmfferr.HashMismatch, "verify: init hash mismatch")
		}
		return nil
	}

	f, err := os.Open(initPath)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	ok, err := hashing.VerifyStream(alg, initHash, f, exclusions, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	cache[key] = ok
	if !ok {
		return bmfferr.New(bmfferr.HashMismatch, "verify: init hash mismatch")
	}
	return nil
}

// VerifyMerkleFragment implements spec §4.7's Merkle mode: it decodes the
// fragment's embedded BmffMerkleMap, checks the init assertion's
// init_hash (via cache, so repeated calls for the same representation
// only rehash the init stream once), and runs Merkle proof verification.
func (v *Verifier) VerifyMerkleFragment(ctx context.Context, initPath, fragmentPath string, cache map[string]bool) error {
	bh, err := v.loadInitAssertion(ctx, initPath)
	if err != nil {
		return err
	}
	if bh.HasBothSchemes() {
		return bmfferr.Wrap(bmfferr.HashMismatch, assertions.ErrBothSchemesPresent)
	}

	box, err := fragment.ExtractC2PABox(fragmentPath)
	if err != nil {
		return bmfferr.Wrap(bmfferr.MissingBox, err)
	}
	var bmm assertions.BmffMerkleMap
	if err := v.Codec.Unmarshal(fragment.UUIDBoxPayload(box), &bmm); err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}

	mm, ok := bh.FindMerkle(bmm.UniqueID, bmm.LocalID)
	if !ok {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrNoMerkleMap)
	}

	alg := mm.Alg
	if alg == "" {
		alg = bh.Alg
	}

	if cache == nil {
		cache = make(map[string]bool)
	}
	if err := verifyInitHashOnce(alg, mm.InitHash, initPath, cache); err != nil {
		return err
	}

	f, err := os.Open(fragmentPath)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	leaf, err := hashing.HashStream(alg, f, exclusions, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}

	ok, err = merkle.Verify(alg, leaf, int(bmm.Location), int(mm.Count), bmm.Hashes, mm.Hashes)
	if err != nil {
		return bmfferr.Wrap(bmfferr.HashMismatch, err)
	}
	if !ok {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrMerkleProofInvalid)
	}
	return nil
}

// VerifyRollingFragment implements spec §4.7's rolling mode for a single
// fragment against the current init assertion state: init_hash, the
// fragment's anchor_point against previous_hash, and the recomputed
// rolling hash against the stored one.
func (v *Verifier) VerifyRollingFragment(ctx context.Context, initPath, fragmentPath string, uniqueID, localID int64) error {
	bh, err := v.loadInitAssertion(ctx, initPath)
	if err != nil {
		return err
	}
	if bh.HasBothSchemes() {
		return bmfferr.Wrap(bmfferr.HashMismatch, assertions.ErrBothSchemesPresent)
	}

	rh, ok := bh.FindRolling(uniqueID, localID)
	if !ok {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrNoRollingHash)
	}

	alg := rh.Alg
	if alg == "" {
		alg = bh.Alg
	}

	cache := make(map[string]bool)
	if err := verifyInitHashOnce(alg, rh.InitHash, initPath, cache); err != nil {
		return err
	}

	box, err := fragment.ExtractC2PABox(fragmentPath)
	if err != nil {
		return bmfferr.Wrap(bmfferr.MissingBox, err)
	}
	var frh assertions.FragmentRollingHash
	if err := v.Codec.Unmarshal(fragment.UUIDBoxPayload(box), &frh); err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}

	if rh.PreviousHash != nil {
		if frh.AnchorPoint == nil {
			return bmfferr.Wrap(bmfferr.HashMismatch, ErrMissingAnchorPoint)
		}
		if !bytesEqual(frh.AnchorPoint, rh.PreviousHash) {
			return bmfferr.Wrap(bmfferr.HashMismatch, ErrAnchorMismatch)
		}
	}

	if rh.RollingHash == nil {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrNoRollingHash)
	}

	f, err := os.Open(fragmentPath)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	fragHash, err := hashing.HashStream(alg, f, exclusions, true)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}

	var left, right []byte
	if rh.PreviousHash != nil {
		left, right = rh.PreviousHash, fragHash
	} else {
		left, right = fragHash, nil
	}
	ref, err := hashing.ConcatAndHash(alg, left, right)
	if err != nil {
		return bmfferr.Wrap(bmfferr.UnsupportedType, err)
	}
	if !bytesEqual(ref, rh.RollingHash) {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrRollingHashMismatch)
	}
	return nil
}

// VerifyStreamFragments implements spec §4.7's "whole-chain" check: walk
// fragmentPaths in order, require each one's anchor_point to equal the
// running accumulator, and require the final accumulator to equal the
// init assertion's current rolling_hash.
func (v *Verifier) VerifyStreamFragments(ctx context.Context, alg, initPath string, fragmentPaths []string) error {
	var accumulator []byte
	for i, path := range fragmentPaths {
		box, err := fragment.ExtractC2PABox(path)
		if err != nil {
			return bmfferr.Wrap(bmfferr.MissingBox, err)
		}
		var frh assertions.FragmentRollingHash
		if err := v.Codec.Unmarshal(fragment.UUIDBoxPayload(box), &frh); err != nil {
			return bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}

		if i == 0 {
			if frh.AnchorPoint != nil {
				return bmfferr.Wrap(bmfferr.HashMismatch, ErrAnchorBroken)
			}
		} else if !bytesEqual(frh.AnchorPoint, accumulator) {
			return bmfferr.Wrap(bmfferr.HashMismatch, ErrAnchorBroken)
		}

		f, err := os.Open(path)
		if err != nil {
			return bmfferr.Wrap(bmfferr.Io, err)
		}
		exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
		if err != nil {
			f.Close()
			return bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}
		fragHash, err := hashing.HashStream(alg, f, exclusions, true)
		f.Close()
		if err != nil {
			return bmfferr.Wrap(bmfferr.Io, err)
		}

		var left, right []byte
		if accumulator != nil {
			left, right = accumulator, fragHash
		} else {
			left, right = fragHash, nil
		}
		accumulator, err = hashing.ConcatAndHash(alg, left, right)
		if err != nil {
			return bmfferr.Wrap(bmfferr.UnsupportedType, err)
		}
	}

	bh, err := v.loadInitAssertion(ctx, initPath)
	if err != nil {
		return err
	}
	rh, ok := bh.FindRollingByAlg(alg)
	if !ok {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrNoRollingHash)
	}
	if !bytesEqual(accumulator, rh.RollingHash) {
		return bmfferr.Wrap(bmfferr.HashMismatch, ErrRollingHashMismatch)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
