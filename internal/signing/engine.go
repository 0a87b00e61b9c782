// Package signing implements the Merkle-group and rolling-hash signing
// operations (spec'd as the Signing Engine): it mutates a staged copy of
// an init segment and its fragments, maintaining the BmffHash assertion
// that summarizes their integrity.
package signing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"

	"github.com/forestrie/live-bmff-signer/internal/assertions"
	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
	"github.com/forestrie/live-bmff-signer/internal/bmfferr"
	"github.com/forestrie/live-bmff-signer/internal/cosesign"
	"github.com/forestrie/live-bmff-signer/internal/fragment"
	"github.com/forestrie/live-bmff-signer/internal/hashing"
	"github.com/forestrie/live-bmff-signer/internal/merkle"
)

var (
	// ErrWrongBoxCount is returned when a fragment does not contain
	// exactly one moof and one mdat box.
	ErrWrongBoxCount = errors.New("signing: fragment must contain exactly one moof and one mdat box")
	// ErrTooManyC2PABoxes is returned when a fragment already carries more
	// than one C2PA uuid box.
	ErrTooManyC2PABoxes = errors.New("signing: fragment carries more than one C2PA uuid box")
	// ErrNoFragments is returned when a Merkle group is requested with no
	// fragments.
	ErrNoFragments = errors.New("signing: at least one fragment is required")
)

// Engine maintains the BmffHash assertion for an init segment as its
// fragments are signed, one representation ((UniqueID, LocalID)) at a
// time. The init file's own C2PA uuid box stands in for the "full JUMBF
// structure handled by the collaborator signer" spec §6.1 leaves opaque:
// this engine owns that box directly, CBOR-encoding the BmffHash into it
// (COSE_Sign1-wrapped when Signer is set) rather than modeling a separate
// manifest store.
type Engine struct {
	Codec  *assertions.Codec
	Signer cosesign.Signer // nil means assertions are embedded unsigned
	Log    logger.Logger
}

// NewEngine builds an Engine. signer may be nil.
func NewEngine(codec *assertions.Codec, signer cosesign.Signer, log logger.Logger) *Engine {
	return &Engine{Codec: codec, Signer: signer, Log: log}
}

// MerkleOptions configures AddMerkleForFragmented.
type MerkleOptions struct {
	Alg           string
	InitPath      string
	FragmentPaths []string
	OutputDir     string
	LocalID       int64
	// UniqueID defaults to a value derived from a fresh UUID when zero.
	UniqueID int64
}

// MerkleResult reports the outcome of a Merkle-group signing run.
type MerkleResult struct {
	OutputInit      string
	OutputFragments []string
	MerkleMap       assertions.MerkleMap
}

// AddMerkleForFragmented implements spec §4.6.1: stage the init file and
// its fragments into opts.OutputDir, embed a dummy-then-real Merkle proof
// in each fragment, and record the resulting tree row in the init file's
// BmffHash assertion.
func (e *Engine) AddMerkleForFragmented(ctx context.Context, opts MerkleOptions) (*MerkleResult, error) {
	if len(opts.FragmentPaths) == 0 {
		return nil, bmfferr.Wrap(bmfferr.BadParam, ErrNoFragments)
	}
	uniqueID := opts.UniqueID
	if uniqueID == 0 {
		uniqueID = uniqueIDFromUUID()
	}

	if err := ensureOutputDir(opts.OutputDir); err != nil {
		return nil, err
	}

	sources := make([]string, len(opts.FragmentPaths))
	copy(sources, opts.FragmentPaths)
	sort.Strings(sources)

	outFragments := make([]string, len(sources))
	for i, src := range sources {
		dst := filepath.Join(opts.OutputDir, filepath.Base(src))
		if err := fragment.EnsureCopied(src, dst); err != nil {
			return nil, bmfferr.Wrap(bmfferr.Io, err)
		}
		outFragments[i] = dst
	}

	outInit := filepath.Join(opts.OutputDir, filepath.Base(opts.InitPath))
	if err := fragment.EnsureCopied(opts.InitPath, outInit); err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}

	n := len(outFragments)
	maxProofs := merkle.MaxProofs(n)
	dummy, err := merkle.Dummy(opts.Alg, n)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.BadParam, err)
	}

	for i, path := range outFragments {
		if err := e.validateFragmentBoxCounts(path); err != nil {
			return nil, err
		}
		if err := e.embedMerkleBox(path, uniqueID, opts.LocalID, uint32(i), dummy, maxProofs); err != nil {
			return nil, err
		}
	}

	leaves := make([][]byte, n)
	for i, path := range outFragments {
		leaf, err := e.hashFragment(opts.Alg, path)
		if err != nil {
			return nil, err
		}
		leaves[i] = leaf
	}

	tree, err := merkle.New(opts.Alg, leaves)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}

	for i, path := range outFragments {
		if err := e.embedMerkleBox(path, uniqueID, opts.LocalID, uint32(i), tree, maxProofs); err != nil {
			return nil, err
		}
	}

	row, err := tree.LayerAt(maxProofs)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	digestSize, err := hashing.DigestSize(opts.Alg)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.UnsupportedType, err)
	}

	mm := assertions.MerkleMap{
		UniqueID: uniqueID,
		LocalID:  opts.LocalID,
		Count:    uint32(n),
		Alg:      opts.Alg,
		InitHash: make([]byte, digestSize),
		Hashes:   row,
	}

	bh, err := e.loadInitAssertion(ctx, outInit)
	if err != nil {
		return nil, err
	}
	if len(bh.Rolling) > 0 {
		return nil, bmfferr.Wrap(bmfferr.HashMismatch, assertions.ErrBothSchemesPresent)
	}
	bh.Alg = opts.Alg
	bh.PutMerkle(mm)

	if err := e.storeInitAssertion(outInit, bh); err != nil {
		return nil, err
	}

	e.logf("merkle group signed init=%s fragments=%d local_id=%d unique_id=%d", outInit, n, opts.LocalID, uniqueID)

	return &MerkleResult{
		OutputInit:      outInit,
		OutputFragments: outFragments,
		MerkleMap:       mm,
	}, nil
}

// merkleProofSource is satisfied by both the dummy and real *merkle.Tree,
// letting embedMerkleBox share the placeholder and final insertion logic.
type merkleProofSource interface {
	ProofByIndex(index, maxProofs int) ([][]byte, error)
}

func (e *Engine) embedMerkleBox(path string, uniqueID, localID int64, location uint32, src merkleProofSource, maxProofs int) error {
	proof, err := src.ProofByIndex(int(location), maxProofs)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	mm := assertions.BmffMerkleMap{
		UniqueID: uniqueID,
		LocalID:  localID,
		Location: location,
		Hashes:   proof,
	}
	payload, err := e.Codec.Marshal(&mm)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	box, err := fragment.BuildUUIDBox(payload)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	return e.insertOrReplaceUUIDBox(path, box)
}

// RollingOptions configures AddRollingHashFragment.
type RollingOptions struct {
	Alg       string
	InitPath  string
	Fragment  string
	OutputDir string
	LocalID   int64
	UniqueID  int64
}

// RollingResult reports the outcome of a rolling-hash signing run.
type RollingResult struct {
	OutputInit     string
	OutputFragment string
	RollingHash    assertions.RollingHash
}

// AddRollingHashFragment implements spec §4.6.2: stage fragment and init,
// embed a FragmentRollingHash box carrying the current anchor point, and
// advance the init file's RollingHash state by one step.
func (e *Engine) AddRollingHashFragment(ctx context.Context, opts RollingOptions) (*RollingResult, error) {
	uniqueID := opts.UniqueID
	if uniqueID == 0 {
		uniqueID = opts.LocalID
	}

	if err := ensureOutputDir(opts.OutputDir); err != nil {
		return nil, err
	}

	outFrag := filepath.Join(opts.OutputDir, filepath.Base(opts.Fragment))
	if err := fragment.EnsureCopied(opts.Fragment, outFrag); err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	outInit := filepath.Join(opts.OutputDir, filepath.Base(opts.InitPath))
	if err := fragment.EnsureCopied(opts.InitPath, outInit); err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}

	if err := e.validateFragmentBoxCounts(outFrag); err != nil {
		return nil, err
	}

	bh, err := e.loadInitAssertion(ctx, outInit)
	if err != nil {
		return nil, err
	}
	if len(bh.Merkle) > 0 {
		return nil, bmfferr.Wrap(bmfferr.HashMismatch, assertions.ErrBothSchemesPresent)
	}

	state := assertions.RollingHash{UniqueID: uniqueID, LocalID: opts.LocalID, Alg: opts.Alg}
	if existing, ok := bh.FindRolling(uniqueID, opts.LocalID); ok {
		state = *existing
	}
	// shift_rolling_hash: a rolling_hash left over from the previous
	// fragment becomes this fragment's anchor point.
	if state.RollingHash != nil {
		state.Shift()
	}

	frh := assertions.FragmentRollingHash{AnchorPoint: state.PreviousHash}
	payload, err := e.Codec.Marshal(&frh)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	box, err := fragment.BuildUUIDBox(payload)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	if err := e.insertOrReplaceUUIDBox(outFrag, box); err != nil {
		return nil, err
	}

	hfrag, err := e.hashFragment(opts.Alg, outFrag)
	if err != nil {
		return nil, err
	}

	var left, right []byte
	if state.PreviousHash != nil {
		left, right = state.PreviousHash, hfrag
	} else {
		left, right = hfrag, nil
	}
	rolling, err := hashing.ConcatAndHash(opts.Alg, left, right)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.UnsupportedType, err)
	}

	state.Alg = opts.Alg
	state.RollingHash = rolling
	if state.InitHash == nil {
		digestSize, err := hashing.DigestSize(opts.Alg)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.UnsupportedType, err)
		}
		state.InitHash = make([]byte, digestSize)
	}

	bh.Alg = opts.Alg
	bh.PutRolling(state)
	if err := e.storeInitAssertion(outInit, bh); err != nil {
		return nil, err
	}

	e.logf("rolling fragment signed init=%s fragment=%s local_id=%d unique_id=%d", outInit, outFrag, opts.LocalID, uniqueID)

	return &RollingResult{
		OutputInit:     outInit,
		OutputFragment: outFrag,
		RollingHash:    state,
	}, nil
}

// UpdateFragmentedInitHash implements spec §4.6.1 step 9 / §4.6.2 step 7:
// once the signed manifest has been embedded in the init file, hash the
// init stream (excluding the C2PA uuid box it now carries) and fill every
// assertion's init_hash with the result.
func (e *Engine) UpdateFragmentedInitHash(ctx context.Context, initPath string) error {
	bh, err := e.loadInitAssertion(ctx, initPath)
	if err != nil {
		return err
	}
	if len(bh.Merkle) == 0 && len(bh.Rolling) == 0 {
		return bmfferr.New(bmfferr.InvalidAsset, "signing: init file carries no hash assertion to update")
	}

	digest, err := e.hashFragment(bh.Alg, initPath)
	if err != nil {
		return err
	}

	for i := range bh.Merkle {
		bh.Merkle[i].InitHash = digest
	}
	for i := range bh.Rolling {
		bh.Rolling[i].InitHash = digest
	}

	return e.storeInitAssertion(initPath, bh)
}

func (e *Engine) validateFragmentBoxCounts(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	boxes, err := bmffbox.Walk(f)
	if err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	if bmffbox.CountOf(boxes, "moof") != 1 || bmffbox.CountOf(boxes, "mdat") != 1 {
		return bmfferr.Wrap(bmfferr.InvalidAsset, ErrWrongBoxCount)
	}
	c2pa := 0
	for _, b := range boxes {
		if b.IsC2PA {
			c2pa++
		}
	}
	if c2pa > 1 {
		return bmfferr.Wrap(bmfferr.InvalidAsset, ErrTooManyC2PABoxes)
	}
	return nil
}

func (e *Engine) hashFragment(alg, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	digest, err := hashing.HashStream(alg, f, exclusions, true)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}
	return digest, nil
}

// insertOrReplaceUUIDBox replaces the existing C2PA uuid box in path with
// newBox, or, if none exists, splices it in immediately before the first
// moof (fragments) or appends it at EOF (init files, which carry no moof).
func (e *Engine) insertOrReplaceUUIDBox(path string, newBox []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	defer f.Close()

	boxes, err := bmffbox.Walk(f)
	if err != nil {
		return bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}

	if existing, ferr := bmffbox.FindC2PABox(boxes); ferr == nil {
		if err := fragment.ReplaceC2PABox(f, newBox, int64(existing.Offset)); err != nil {
			return bmfferr.Wrap(bmfferr.UnsupportedType, err)
		}
		return nil
	}

	info, err := f.Stat()
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	offset := info.Size()
	if moof, ok := bmffbox.FirstOf(boxes, "moof"); ok {
		offset = int64(moof.Offset)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	var spliced bytes.Buffer
	if err := fragment.InsertDataAt(f, &spliced, offset, newBox); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	if err := f.Truncate(0); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	if _, err := f.Write(spliced.Bytes()); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	return nil
}

// loadInitAssertion decodes the BmffHash currently embedded in the init
// file's C2PA uuid box, or returns an empty BmffHash if none is present
// yet (the first signing call for a fresh init file).
func (e *Engine) loadInitAssertion(ctx context.Context, path string) (*assertions.BmffHash, error) {
	box, err := fragment.ExtractC2PABox(path)
	if errors.Is(err, fragment.ErrMissingBox) {
		return &assertions.BmffHash{}, nil
	}
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.Io, err)
	}

	payload := fragment.UUIDBoxPayload(box)
	if e.Signer != nil {
		msg, err := cosesign.Verify1(ctx, e.Signer, payload, nil)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}
		payload = msg.Payload
	}

	bh, err := e.Codec.UnmarshalBmffHash(payload)
	if err != nil {
		return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
	}
	return bh, nil
}

// storeInitAssertion encodes bh (COSE_Sign1-wrapped when Signer is set)
// and embeds it as the init file's C2PA uuid box.
func (e *Engine) storeInitAssertion(path string, bh *assertions.BmffHash) error {
	payload, err := e.Codec.MarshalBmffHash(bh)
	if err != nil {
		return err
	}
	if e.Signer != nil {
		signed, err := cosesign.Sign1(e.Signer, payload, nil)
		if err != nil {
			return bmfferr.Wrap(bmfferr.Io, err)
		}
		payload = signed
	}
	box, err := fragment.BuildUUIDBox(payload)
	if err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	return e.insertOrReplaceUUIDBox(path, box)
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.Log == nil {
		return
	}
	e.Log.Debugf(format, args...)
}

func ensureOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return bmfferr.New(bmfferr.BadParam, "signing: output path exists and is not a directory")
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bmfferr.Wrap(bmfferr.Io, err)
	}
	return nil
}

func uniqueIDFromUUID() int64 {
	id := uuid.New()
	var v int64
	for _, b := range id[:8] {
		v = (v << 8) | int64(b)
	}
	if v < 0 {
		v = -v
	}
	return v
}
