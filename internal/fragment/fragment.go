// Package fragment performs byte-surgery on already-serialized BMFF
// files: extracting the C2PA uuid box, inserting a new one before the
// first moof, and replacing an existing one in place.
package fragment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forestrie/live-bmff-signer/internal/bmffbox"
)

var (
	// ErrMissingBox is returned when no C2PA uuid box is present where one
	// was expected.
	ErrMissingBox = errors.New("fragment: no C2PA uuid box found")
	// ErrLargeBoxUnsupported is returned when a write operation would need
	// to produce or replace a 64-bit extended-size box header; only reads
	// support the large-size form (spec §6.1).
	ErrLargeBoxUnsupported = errors.New("fragment: writing a 64-bit extended-size box is not supported")
)

// ExtractC2PABox returns the full framed bytes (header + payload) of the
// single C2PA uuid box in the file at path.
func ExtractC2PABox(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	boxes, err := bmffbox.Walk(f)
	if err != nil {
		return nil, err
	}
	b, err := bmffbox.FindC2PABox(boxes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingBox, err)
	}

	buf := make([]byte, b.Size)
	if _, err := f.Seek(int64(b.Offset), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// InsertDataAt copies source[0:offset], then buf, then source[offset:]
// into dest. Used to splice a freshly built C2PA uuid box immediately
// before a fragment's first moof.
func InsertDataAt(source io.Reader, dest io.Writer, offset int64, buf []byte) error {
	limited := io.LimitReader(source, offset)
	if _, err := io.Copy(dest, limited); err != nil {
		return err
	}
	if _, err := dest.Write(buf); err != nil {
		return err
	}
	_, err := io.Copy(dest, source)
	return err
}

// ReplaceC2PABox reads the size field of the box at offset, buffers
// everything after it, writes newBuf in its place, then re-appends the
// buffered remainder. The file length may grow or shrink.
func ReplaceC2PABox(file *os.File, newBuf []byte, offset int64) error {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	var rawSize [4]byte
	if _, err := io.ReadFull(file, rawSize[:]); err != nil {
		return err
	}
	size := uint64(binary.BigEndian.Uint32(rawSize[:]))
	if size == 1 {
		return ErrLargeBoxUnsupported
	}
	if len(newBuf) >= 8 {
		newSize := binary.BigEndian.Uint32(newBuf[:4])
		if newSize == 1 {
			return ErrLargeBoxUnsupported
		}
	}

	if _, err := file.Seek(offset+int64(size), io.SeekStart); err != nil {
		return err
	}
	var remainder bytes.Buffer
	if _, err := io.Copy(&remainder, file); err != nil {
		return err
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := file.Write(newBuf); err != nil {
		return err
	}
	if _, err := file.Write(remainder.Bytes()); err != nil {
		return err
	}

	return file.Truncate(offset + int64(len(newBuf)) + int64(remainder.Len()))
}

// EnsureCopied copies src to dst unless dst already exists, mirroring
// signed_output's "don't re-copy a file already present in the output
// tree" behavior from the signing engine's staging step.
func EnsureCopied(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// BuildUUIDBox frames payload as a C2PA uuid box per spec §6.1: a 4-byte
// big-endian size, the "uuid" type, the fixed C2PA UUID, a one-byte
// version (0), three bytes of flags (0), then the CBOR payload.
func BuildUUIDBox(payload []byte) ([]byte, error) {
	size := 8 + 16 + 4 + len(payload)
	if size > 0xFFFFFFFF {
		return nil, ErrLargeBoxUnsupported
	}

	buf := make([]byte, 0, size)
	var sizeField [4]byte
	binary.BigEndian.PutUint32(sizeField[:], uint32(size))
	buf = append(buf, sizeField[:]...)
	buf = append(buf, []byte("uuid")...)
	buf = append(buf, bmffbox.C2PAUUID[:]...)
	buf = append(buf, 0, 0, 0, 0) // version(1) + flags(3)
	buf = append(buf, payload...)
	return buf, nil
}

// UUIDBoxPayload returns the CBOR payload of a framed C2PA uuid box
// built by BuildUUIDBox, skipping the header, UUID, version, and flags.
func UUIDBoxPayload(box []byte) []byte {
	const prefix = 8 + 16 + 4
	if len(box) < prefix {
		return nil
	}
	return box[prefix:]
}
