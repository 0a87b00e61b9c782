// Package bmffbox walks the top-level box framing of a fragmented
// ISO-BMFF (MP4) stream and locates the boxes the signer cares about.
package bmffbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrTruncatedHeader is returned when fewer than a full box header's
	// worth of bytes remain in the stream.
	ErrTruncatedHeader = errors.New("bmffbox: truncated box header")
	// ErrBadExtendedSize is returned when a 64-bit extended size could not
	// be read in full.
	ErrBadExtendedSize = errors.New("bmffbox: truncated extended size")
	// ErrNoC2PABox is returned when no C2PA uuid box is present where one
	// was required.
	ErrNoC2PABox = errors.New("bmffbox: no C2PA uuid box found")
	// ErrMultipleC2PABoxes is returned when more than one C2PA uuid box
	// is present in a single fragment.
	ErrMultipleC2PABoxes = errors.New("bmffbox: more than one C2PA uuid box found")
)

// C2PAUUID is the fixed 16-byte UUID the C2PA BMFF binding uses to mark
// its extension box: D8FEC3D6-1B0E-483C-9297-5828877EC481.
var C2PAUUID = [16]byte{
	0xd8, 0xfe, 0xc3, 0xd6, 0x1b, 0x0e, 0x48, 0x3c,
	0x92, 0x97, 0x58, 0x28, 0x87, 0x7e, 0xc4, 0x81,
}

// headerSize32 is size(4) + type(4).
const headerSize32 = 8

// headerSize64 is size(4) + type(4) + largesize(8).
const headerSize64 = 16

// uuidHeaderSize32 is the 8-byte header plus the 16 byte extension uuid.
const uuidHeaderSize32 = headerSize32 + 16

// Box describes one top-level BMFF box as located by Walk.
type Box struct {
	Path       string // box type, e.g. "ftyp", "moov", "moof", "mdat", "uuid"
	Offset     uint64 // offset of the box header's first byte
	Size       uint64 // total box size including the header
	HeaderSize uint64 // 8 for a normal box, 16 for one with an extended size
	IsC2PA     bool   // true when Path == "uuid" and the extension UUID matches C2PAUUID
}

// End returns the offset immediately after the box.
func (b Box) End() uint64 {
	return b.Offset + b.Size
}

// Walk scans the top-level boxes of r, which must support seeking, and
// returns them in stream order. It does not recurse into box bodies.
func Walk(r io.ReadSeeker) ([]Box, error) {
	size, err := streamLen(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var boxes []Box
	var offset uint64
	hdr := make([]byte, headerSize32)

	for offset < size {
		if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, hdr); err != nil {
			return nil, fmt.Errorf("%w: at offset %d: %v", ErrTruncatedHeader, offset, err)
		}

		boxSize := uint64(binary.BigEndian.Uint32(hdr[0:4]))
		boxType := string(hdr[4:8])
		headerSize := uint64(headerSize32)

		switch boxSize {
		case 0:
			boxSize = size - offset
		case 1:
			ext := make([]byte, 8)
			if _, err := io.ReadFull(r, ext); err != nil {
				return nil, fmt.Errorf("%w: at offset %d: %v", ErrBadExtendedSize, offset, err)
			}
			boxSize = binary.BigEndian.Uint64(ext)
			headerSize = headerSize64
		}

		if boxSize < headerSize || offset+boxSize > size {
			return nil, fmt.Errorf("%w: box %q at offset %d has invalid size %d", ErrTruncatedHeader, boxType, offset, boxSize)
		}

		box := Box{
			Path:       boxType,
			Offset:     offset,
			Size:       boxSize,
			HeaderSize: headerSize,
		}

		if boxType == "uuid" && boxSize >= headerSize+16 {
			uuidBuf := make([]byte, 16)
			if _, err := r.Seek(int64(offset+headerSize), io.SeekStart); err != nil {
				return nil, err
			}
			if _, err := io.ReadFull(r, uuidBuf); err != nil {
				return nil, fmt.Errorf("%w: at offset %d: %v", ErrTruncatedHeader, offset, err)
			}
			box.IsC2PA = [16]byte(uuidBuf) == C2PAUUID
		}

		boxes = append(boxes, box)
		offset += boxSize
	}

	return boxes, nil
}

// FindC2PABox returns the single C2PA uuid box among boxes, or an error
// if zero or more than one is present.
func FindC2PABox(boxes []Box) (Box, error) {
	var found *Box
	for i := range boxes {
		if boxes[i].IsC2PA {
			if found != nil {
				return Box{}, ErrMultipleC2PABoxes
			}
			b := boxes[i]
			found = &b
		}
	}
	if found == nil {
		return Box{}, ErrNoC2PABox
	}
	return *found, nil
}

// FirstOf returns the first box in boxes whose Path equals path.
func FirstOf(boxes []Box, path string) (Box, bool) {
	for _, b := range boxes {
		if b.Path == path {
			return b, true
		}
	}
	return Box{}, false
}

// CountOf returns the number of boxes in boxes whose Path equals path.
func CountOf(boxes []Box, path string) int {
	n := 0
	for _, b := range boxes {
		if b.Path == path {
			n++
		}
	}
	return n
}

func streamLen(r io.Seeker) (uint64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return uint64(end), nil
}
