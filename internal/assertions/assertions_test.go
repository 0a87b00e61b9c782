package assertions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	return c
}

func TestMerkleMapRoundTrip(t *testing.T) {
	c := mustCodec(t)

	m := &MerkleMap{
		UniqueID: 1,
		LocalID:  2,
		Count:    5,
		Alg:      "sha256",
		InitHash: make([]byte, 32),
		Hashes:   [][]byte{make([]byte, 32)},
	}

	data, err := c.Marshal(m)
	require.NoError(t, err)

	var got MerkleMap
	require.NoError(t, c.Unmarshal(data, &got))
	require.Equal(t, m.UniqueID, got.UniqueID)
	require.Equal(t, m.Count, got.Count)
	require.Equal(t, m.Hashes, got.Hashes)

	// encode→decode→encode produces identical bytes
	data2, err := c.Marshal(&got)
	require.NoError(t, err)
	require.Equal(t, data, data2)
}

func TestMerkleMapRejectsBadDigestLength(t *testing.T) {
	m := &MerkleMap{
		Alg:    "sha256",
		Hashes: [][]byte{make([]byte, 20)},
	}
	require.ErrorIs(t, m.Validate(), ErrBadDigestLength)
}

func TestBmffHashRejectsBothSchemes(t *testing.T) {
	c := mustCodec(t)
	h := &BmffHash{
		Merkle:  []MerkleMap{{Alg: "sha256"}},
		Rolling: []RollingHash{{Alg: "sha256"}},
	}
	require.True(t, h.HasBothSchemes())

	_, err := c.MarshalBmffHash(h)
	require.ErrorIs(t, err, ErrBothSchemesPresent)
}

func TestBmffHashRoundTripMerkleOnly(t *testing.T) {
	c := mustCodec(t)
	h := &BmffHash{
		Alg: "sha256",
		Exclusions: []ExclusionsMap{
			{XPath: "/uuid"},
		},
		Merkle: []MerkleMap{{
			UniqueID: 7,
			LocalID:  1,
			Count:    4,
			Alg:      "sha256",
			Hashes:   [][]byte{make([]byte, 32)},
		}},
	}

	data, err := c.MarshalBmffHash(h)
	require.NoError(t, err)

	got, err := c.UnmarshalBmffHash(data)
	require.NoError(t, err)
	require.Empty(t, got.Rolling)
	require.Len(t, got.Merkle, 1)
	require.Equal(t, h.Merkle[0].UniqueID, got.Merkle[0].UniqueID)
}

func TestBmffHashPutMerkleReplacesByKey(t *testing.T) {
	h := &BmffHash{}
	h.PutMerkle(MerkleMap{UniqueID: 1, LocalID: 1, Count: 4})
	h.PutMerkle(MerkleMap{UniqueID: 1, LocalID: 2, Count: 8})
	require.Len(t, h.Merkle, 2)

	h.PutMerkle(MerkleMap{UniqueID: 1, LocalID: 1, Count: 5})
	require.Len(t, h.Merkle, 2)

	m, ok := h.FindMerkle(1, 1)
	require.True(t, ok)
	require.Equal(t, uint32(5), m.Count)
}

func TestBmffHashPutRollingReplacesByKey(t *testing.T) {
	h := &BmffHash{}
	h.PutRolling(RollingHash{UniqueID: 1, LocalID: 1, RollingHash: []byte("r1")})
	h.PutRolling(RollingHash{UniqueID: 1, LocalID: 1, RollingHash: []byte("r2")})
	require.Len(t, h.Rolling, 1)

	r, ok := h.FindRolling(1, 1)
	require.True(t, ok)
	require.Equal(t, []byte("r2"), r.RollingHash)
}

func TestRollingHashShift(t *testing.T) {
	r := &RollingHash{
		RollingHash:  []byte("R1"),
		PreviousHash: []byte("R0"),
	}
	r.Shift()
	require.Equal(t, []byte("R1"), r.PreviousHash)
	require.Nil(t, r.RollingHash)
}

func TestBmffMerkleMapRoundTrip(t *testing.T) {
	c := mustCodec(t)
	b := &BmffMerkleMap{
		UniqueID: 3,
		LocalID:  1,
		Location: 2,
		Hashes:   [][]byte{[]byte("sibling-a"), []byte("sibling-b")},
	}

	data, err := c.Marshal(b)
	require.NoError(t, err)

	var got BmffMerkleMap
	require.NoError(t, c.Unmarshal(data, &got))
	require.Equal(t, b.Location, got.Location)
	require.Equal(t, b.Hashes, got.Hashes)
}

func TestFragmentRollingHashRoundTrip(t *testing.T) {
	c := mustCodec(t)
	f := &FragmentRollingHash{
		AnchorPoint: []byte("anchor"),
		Exclusions: []ExclusionsMap{
			{XPath: "/uuid"},
		},
	}

	data, err := c.Marshal(f)
	require.NoError(t, err)

	var got FragmentRollingHash
	require.NoError(t, c.Unmarshal(data, &got))
	require.Equal(t, f.AnchorPoint, got.AnchorPoint)
	require.Len(t, got.Exclusions, 1)
	require.Equal(t, "/uuid", got.Exclusions[0].XPath)
}

func TestFragmentRollingHashFirstFragmentHasNoAnchor(t *testing.T) {
	c := mustCodec(t)
	f := &FragmentRollingHash{}

	data, err := c.Marshal(f)
	require.NoError(t, err)

	var got FragmentRollingHash
	require.NoError(t, c.Unmarshal(data, &got))
	require.Nil(t, got.AnchorPoint)
}

func TestUnmarshalRejectsDuplicateMapKeys(t *testing.T) {
	c := mustCodec(t)
	// manually crafted CBOR map with a duplicate "location" key (0xa2 = map
	// of 2 pairs), each key "location" (0x68 'location') mapping to a uint
	dup := []byte{
		0xa2,
		0x68, 'l', 'o', 'c', 'a', 't', 'i', 'o', 'n', 0x01,
		0x68, 'l', 'o', 'c', 'a', 't', 'i', 'o', 'n', 0x02,
	}
	var m BmffMerkleMap
	require.Error(t, c.Unmarshal(dup, &m))
}
