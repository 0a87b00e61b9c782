package verify

import (
	"context"
	"fmt"
	"os"

	"github.com/forestrie/live-bmff-signer/internal/assertions"
	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
	"github.com/forestrie/live-bmff-signer/internal/bmfferr"
	"github.com/forestrie/live-bmff-signer/internal/fragment"
	"github.com/forestrie/live-bmff-signer/internal/hashing"
)

// TreeInit is the JSON-able view of the MerkleMap row Inspect reports
// against, mirroring original_source/cli/src/live/merkle_tree.rs's
// MerkleTreeInit.
type TreeInit struct {
	Count    uint32   `json:"count"`
	UniqueID int64    `json:"unique_id"`
	LocalID  int64    `json:"local_id"`
	InitHash []byte   `json:"init_hash"`
	Hashes   [][]byte `json:"merkle"`
}

// TreeNode is one reconstructed node of a Merkle group, leaf or interior.
type TreeNode struct {
	Name      string   `json:"name"`
	Hash      []byte   `json:"hash"`
	Proof     [][]byte `json:"proofs,omitempty"`
	IsCurrent bool     `json:"is_current,omitempty"`
}

// Inspection is the operational debug view Inspect returns: the stored
// MerkleMap row plus every layer of the tree rebuilt from the leaves up,
// the Go counterpart of the original CLI's `c2pa-live inspect` output.
type Inspection struct {
	Init   TreeInit      `json:"init"`
	Layers [][]*TreeNode `json:"tree"`
}

// Inspect rebuilds a signed group's Merkle tree for operational tooling:
// given the signed init file and the ordered fragment paths making up
// one group, it recomputes every leaf hash, walks each fragment's
// embedded proof, and folds the layers up to the root, marking
// currentIndex's leaf so a caller can highlight "you are here" the way
// the original CLI's inspect subcommand did.
func (v *Verifier) Inspect(ctx context.Context, initPath string, fragmentPaths []string, currentIndex int) (*Inspection, error) {
	bh, err := v.loadInitAssertion(ctx, initPath)
	if err != nil {
		return nil, err
	}
	if len(bh.Merkle) == 0 {
		return nil, bmfferr.New(bmfferr.InvalidAsset, "verify: init assertion carries no MerkleMap to inspect")
	}

	var leaves []*TreeNode
	var mm *assertions.MerkleMap
	for i, path := range fragmentPaths {
		box, err := fragment.ExtractC2PABox(path)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.MissingBox, err)
		}
		var bmm assertions.BmffMerkleMap
		if err := v.Codec.Unmarshal(fragment.UUIDBoxPayload(box), &bmm); err != nil {
			return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}
		if mm == nil {
			found, ok := bh.FindMerkle(bmm.UniqueID, bmm.LocalID)
			if !ok {
				return nil, bmfferr.Wrap(bmfferr.HashMismatch, ErrNoMerkleMap)
			}
			mm = found
		}

		alg := mm.Alg
		if alg == "" {
			alg = bh.Alg
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.Io, err)
		}
		exclusions, err := bmffbox.WalkAndExclude(f, nil, true)
		if err != nil {
			f.Close()
			return nil, bmfferr.Wrap(bmfferr.InvalidAsset, err)
		}
		hash, err := hashing.HashStream(alg, f, exclusions, true)
		f.Close()
		if err != nil {
			return nil, bmfferr.Wrap(bmfferr.Io, err)
		}

		leaves = append(leaves, &TreeNode{
			Name:      fmt.Sprintf("Fragment %d", i),
			Hash:      hash,
			Proof:     bmm.Hashes,
			IsCurrent: i == currentIndex,
		})
	}
	if mm == nil {
		return nil, bmfferr.Wrap(bmfferr.BadParam, ErrNoFragments)
	}

	layers := [][]*TreeNode{leaves}
	num := len(leaves)
	for len(layers[len(layers)-1]) > 1 {
		prev := layers[len(layers)-1]
		var layer []*TreeNode
		for i := 0; i < len(prev); i += 2 {
			left := prev[i]
			if i+1 >= len(prev) {
				// Right-edge promotion: an unpaired node passes through
				// to the next layer unchanged.
				layer = append(layer, &TreeNode{Name: left.Name, Hash: left.Hash})
				continue
			}
			right := prev[i+1]
			hash, err := hashing.ConcatAndHash(mm.Alg, left.Hash, right.Hash)
			if err != nil {
				return nil, bmfferr.Wrap(bmfferr.UnsupportedType, err)
			}
			layer = append(layer, &TreeNode{Name: fmt.Sprintf("Hash %d", num), Hash: hash})
			num++
		}
		layers = append(layers, layer)
	}

	return &Inspection{
		Init: TreeInit{
			Count:    mm.Count,
			UniqueID: mm.UniqueID,
			LocalID:  mm.LocalID,
			InitHash: mm.InitHash,
			Hashes:   mm.Hashes,
		},
		Layers: layers,
	}, nil
}
