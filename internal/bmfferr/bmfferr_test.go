package bmfferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(HashMismatch, cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, HashMismatch, KindOf(err))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(InvalidAsset, nil))
}

func TestKindOfUnclassifiedErrorIsEmpty(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestNewAndNewf(t *testing.T) {
	err := New(BadParam, "missing path")
	require.Equal(t, BadParam, KindOf(err))

	err = Newf(UnsupportedType, "algorithm %q not supported", "md5")
	require.Equal(t, UnsupportedType, KindOf(err))
	require.Contains(t, err.Error(), "md5")
}
