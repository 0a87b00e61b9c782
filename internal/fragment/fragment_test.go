package fragment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
	"github.com/stretchr/testify/require"
)

func writeBox(t *testing.T, buf *bytes.Buffer, boxType string, body []byte) {
	t.Helper()
	size := uint32(8 + len(body))
	var sizeField [4]byte
	sizeField[0] = byte(size >> 24)
	sizeField[1] = byte(size >> 16)
	sizeField[2] = byte(size >> 8)
	sizeField[3] = byte(size)
	buf.Write(sizeField[:])
	buf.WriteString(boxType)
	buf.Write(body)
}

func TestBuildUUIDBoxFraming(t *testing.T) {
	payload := []byte("cbor-bytes-here")
	box, err := BuildUUIDBox(payload)
	require.NoError(t, err)
	require.Equal(t, 8+16+4+len(payload), len(box))
	require.Equal(t, "uuid", string(box[4:8]))
	require.Equal(t, bmffbox.C2PAUUID[:], box[8:24])
	require.Equal(t, []byte{0, 0, 0, 0}, box[24:28])
	require.Equal(t, payload, box[28:])
	require.Equal(t, payload, UUIDBoxPayload(box))
}

func TestExtractC2PABox(t *testing.T) {
	var buf bytes.Buffer
	writeBox(t, &buf, "ftyp", []byte("isom"))
	uuidPayload := append(append([]byte{}, bmffbox.C2PAUUID[:]...), []byte("payload")...)
	writeBox(t, &buf, "uuid", uuidPayload)
	writeBox(t, &buf, "moof", []byte("x"))

	dir := t.TempDir()
	path := filepath.Join(dir, "frag.m4s")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := ExtractC2PABox(path)
	require.NoError(t, err)
	require.Equal(t, "uuid", string(got[4:8]))
	require.Equal(t, bmffbox.C2PAUUID[:], got[8:24])
	require.Equal(t, []byte("payload"), got[24:])
}

func TestExtractC2PABoxMissing(t *testing.T) {
	var buf bytes.Buffer
	writeBox(t, &buf, "ftyp", []byte("isom"))

	dir := t.TempDir()
	path := filepath.Join(dir, "frag.m4s")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	_, err := ExtractC2PABox(path)
	require.ErrorIs(t, err, ErrMissingBox)
}

func TestInsertDataAt(t *testing.T) {
	source := bytes.NewReader([]byte("HEADERmoofrest"))
	var dest bytes.Buffer
	inserted := []byte("[UUID-BOX]")

	err := InsertDataAt(source, &dest, 6, inserted)
	require.NoError(t, err)
	require.Equal(t, "HEADER[UUID-BOX]moofrest", dest.String())
}

func TestReplaceC2PABox(t *testing.T) {
	var buf bytes.Buffer
	writeBox(t, &buf, "ftyp", []byte("some kind of ftyp data"))
	oldUUIDOffset := int64(buf.Len())
	writeBox(t, &buf, "uuid", []byte("more kind of data"))
	writeBox(t, &buf, "moov", []byte("some data"))
	writeBox(t, &buf, "mdat", []byte("this data"))

	dir := t.TempDir()
	path := filepath.Join(dir, "c2pa_box_rest.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	var newUUID bytes.Buffer
	writeBox(t, &newUUID, "uuid", []byte("this is the new uuid data with a different length"))

	require.NoError(t, ReplaceC2PABox(f, newUUID.Bytes(), oldUUIDOffset))

	var expected bytes.Buffer
	writeBox(t, &expected, "ftyp", []byte("some kind of ftyp data"))
	expected.Write(newUUID.Bytes())
	writeBox(t, &expected, "moov", []byte("some data"))
	writeBox(t, &expected, "mdat", []byte("this data"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, expected.Bytes(), got)
}

func TestReplaceC2PABoxRejectsLargeBox(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frag.bin")

	var buf bytes.Buffer
	// size field == 1 signals an extended 64-bit size header
	buf.Write([]byte{0, 0, 0, 1})
	buf.WriteString("uuid")
	buf.Write(make([]byte, 8)) // extended size
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	err = ReplaceC2PABox(f, []byte("whatever"), 0)
	require.ErrorIs(t, err, ErrLargeBoxUnsupported)
}

func TestEnsureCopiedSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	require.NoError(t, os.WriteFile(src, []byte("source-data"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("already-here"), 0o644))

	require.NoError(t, EnsureCopied(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "already-here", string(got))
}

func TestEnsureCopiedCopiesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")

	require.NoError(t, os.WriteFile(src, []byte("source-data"), 0o644))

	require.NoError(t, EnsureCopied(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "source-data", string(got))
}
