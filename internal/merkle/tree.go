// Package merkle implements the fixed-width binary Merkle tree used by
// the grouped fragment integrity scheme: arbitrary (not necessarily
// power-of-two) leaf counts, right-edge nodes promoted unchanged rather
// than duplicated-and-hashed.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/forestrie/live-bmff-signer/internal/hashing"
)

var (
	// ErrEmptyTree is returned when a tree is built from zero leaves.
	ErrEmptyTree = errors.New("merkle: tree must have at least one leaf")
	// ErrIndexOutOfRange is returned for a leaf index outside [0, count).
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Layout returns the width of every layer from the leaves up to the
// root: [n, ceil(n/2), ceil(n/4), ..., 1].
func Layout(n int) []int {
	if n <= 0 {
		return nil
	}
	layout := []int{n}
	for layout[len(layout)-1] > 1 {
		w := layout[len(layout)-1]
		layout = append(layout, (w+1)/2)
	}
	return layout
}

// MaxProofs returns ceil(log2(n)), the height of the tree and hence the
// number of layers a leaf's proof may traverse before reaching the root.
func MaxProofs(n int) int {
	if n <= 1 {
		return 0
	}
	return len(Layout(n)) - 1
}

// Tree is a built Merkle tree: Layers[0] holds the leaves, Layers[len-1]
// holds the single root.
type Tree struct {
	Alg    string
	Layers [][][]byte
}

// New builds a Tree from leaf hashes in the given order using alg to
// combine sibling pairs.
func New(alg string, leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	layers := [][][]byte{leaves}
	for len(layers[len(layers)-1]) > 1 {
		cur := layers[len(layers)-1]
		next := make([][]byte, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				h, err := hashing.ConcatAndHash(alg, cur[i], cur[i+1])
				if err != nil {
					return nil, err
				}
				next = append(next, h)
			} else {
				// odd right-edge node: promote unchanged
				next = append(next, cur[i])
			}
		}
		layers = append(layers, next)
	}

	return &Tree{Alg: alg, Layers: layers}, nil
}

// Dummy builds a tree of n leaves, each a zero-filled digest of the
// right length for alg, purely to fix the proof byte-length budget
// before the real leaf hashes are known.
func Dummy(alg string, n int) (*Tree, error) {
	size, err := hashing.DigestSize(alg)
	if err != nil {
		return nil, err
	}
	leaves := make([][]byte, n)
	for i := range leaves {
		leaves[i] = make([]byte, size)
	}
	return New(alg, leaves)
}

// Root returns the tree's single root hash.
func (t *Tree) Root() []byte {
	top := t.Layers[len(t.Layers)-1]
	return top[0]
}

// LayerAt returns the layer at the given height (0 = leaves), as stored
// by New.
func (t *Tree) LayerAt(height int) ([][]byte, error) {
	if height < 0 || height >= len(t.Layers) {
		return nil, fmt.Errorf("merkle: height %d out of range (have %d layers)", height, len(t.Layers))
	}
	return t.Layers[height], nil
}

// Count returns the number of leaves in the tree.
func (t *Tree) Count() int {
	return len(t.Layers[0])
}

// ProofByIndex walks from leaf index up to the root, collecting the
// sibling hash at each of the first maxProofs layers whenever a sibling
// exists. Right-edge promoted nodes contribute no element at that layer
// (the correctness point of spec §9: absent siblings consume no proof
// slot, but the layer is still traversed).
func (t *Tree) ProofByIndex(index int, maxProofs int) ([][]byte, error) {
	n := t.Count()
	if index < 0 || index >= n {
		return nil, ErrIndexOutOfRange
	}

	layout := Layout(n)
	var proof [][]byte
	idx := index

	for level := 0; level < maxProofs && level < len(layout); level++ {
		width := layout[level]
		layer, err := t.LayerAt(level)
		if err != nil {
			return nil, err
		}

		if idx%2 == 1 {
			// right child: left sibling always exists
			proof = append(proof, cloneBytes(layer[idx-1]))
		} else if idx+1 < width {
			// left child with an existing right sibling
			proof = append(proof, cloneBytes(layer[idx+1]))
		}
		// else: right-edge promoted node, no sibling, no proof element

		idx /= 2
	}

	return proof, nil
}

// Verify checks that leafHash, claimed to be at leafIndex among count
// leaves, combines via proof to reproduce a hash present in storedLayer
// (the layer actually published, e.g. the root). It implements the
// traversal described in spec §4.3 / §9: at each layer, consume one
// proof element only when the current node has a sibling in that layer;
// stop once the traversed layer's width equals len(storedLayer).
func Verify(alg string, leafHash []byte, leafIndex int, count int, proof [][]byte, storedLayer [][]byte) (bool, error) {
	if leafIndex < 0 || leafIndex >= count {
		return false, ErrIndexOutOfRange
	}

	layout := Layout(count)
	idx := leafIndex
	hash := leafHash
	proofIdx := 0

	for _, width := range layout {
		if width == len(storedLayer) {
			break
		}

		isRight := idx%2 == 1
		if isRight {
			if proofIdx >= len(proof) {
				return false, nil
			}
			h, err := hashing.ConcatAndHash(alg, proof[proofIdx], hash)
			if err != nil {
				return false, err
			}
			hash = h
			proofIdx++
		} else if idx+1 < width {
			if proofIdx >= len(proof) {
				return false, nil
			}
			h, err := hashing.ConcatAndHash(alg, hash, proof[proofIdx])
			if err != nil {
				return false, err
			}
			hash = h
			proofIdx++
		}
		// else: promoted right-edge node, hash passes through unchanged

		idx /= 2
	}

	if idx >= len(storedLayer) {
		return false, nil
	}
	return bytes.Equal(storedLayer[idx], hash), nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
