package catpt

import (
	"bytes"
	"fmt"
	"strings"
)

// FwSignature opens every firmware file and module header.
const FwSignature = "$SST"

// RAMType selects the SRAM window a firmware block is loaded into.
type RAMType uint32

const (
	CATPT_RAM_TYPE_IRAM     RAMType = 1
	CATPT_RAM_TYPE_DRAM     RAMType = 2
	CATPT_RAM_TYPE_INSTANCE RAMType = 3 // DRAM holding the module's initial state
)

// RAMTypeNames provides human-readable names for block RAM types.
var RAMTypeNames = map[RAMType]string{
	CATPT_RAM_TYPE_IRAM:     "IRAM",
	CATPT_RAM_TYPE_DRAM:     "DRAM",
	CATPT_RAM_TYPE_INSTANCE: "INSTANCE",
}

func (t RAMType) String() string {
	if name, ok := RAMTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("RAM_%d", uint32(t))
}

type fwHeader struct {
	Signature  [4]byte
	FileSize   uint32
	Modules    uint32
	FileFormat uint32
	Reserved   [4]uint32
}

type fwModHeader struct {
	Signature      [4]byte
	ModSize        uint32
	Blocks         uint32
	Slot           uint16
	ModuleID       uint16
	EntryPoint     uint32
	PersistentSize uint32
	ScratchSize    uint32
}

type fwBlockHeader struct {
	RAMType   RAMType
	Size      uint32
	RAMOffset uint32
	Reserved  uint32
}

var (
	fwHeaderSize      = wireSize(fwHeader{})
	fwModHeaderSize   = wireSize(fwModHeader{})
	fwBlockHeaderSize = wireSize(fwBlockHeader{})
)

// Image is a parsed firmware file.
type Image struct {
	Signature  string
	FileSize   uint32
	FileFormat uint32
	Modules    []ImageModule
}

// ImageModule is one module of a firmware file.
type ImageModule struct {
	Offset         int // of the module header within the file
	Size           uint32
	Slot           uint16
	ModuleID       ModuleID
	EntryPoint     uint32
	PersistentSize uint32
	ScratchSize    uint32
	Blocks         []ImageBlock
}

// ImageBlock is one block of a module.
type ImageBlock struct {
	Offset    int // of the block header within the file
	RAMType   RAMType
	Size      uint32
	RAMOffset uint32
	Data      []byte
}

// PayloadOffset returns the file offset of the block's payload.
func (b *ImageBlock) PayloadOffset() int {
	return b.Offset + fwBlockHeaderSize
}

// ParseImage walks the headers of a firmware file.
func ParseImage(data []byte) (*Image, error) {
	img, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	err = walkModules(data, func(m *ImageModule) error {
		img.Modules = append(img.Modules, *m)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return img, nil
}

func parseHeader(data []byte) (*Image, error) {
	if len(data) < fwHeaderSize {
		return nil, fmt.Errorf("firmware: %d bytes, header needs %d: %w", len(data), fwHeaderSize, ErrInvalidParameter)
	}

	var hdr fwHeader
	if err := unmarshal(data, &hdr); err != nil {
		return nil, err
	}

	if !bytes.Equal(hdr.Signature[:], []byte(FwSignature)) {
		return nil, fmt.Errorf("firmware: bad signature %q: %w", hdr.Signature[:], ErrInvalidParameter)
	}

	return &Image{
		Signature:  string(hdr.Signature[:]),
		FileSize:   hdr.FileSize,
		FileFormat: hdr.FileFormat,
	}, nil
}

// walkModules calls fn for each module in file order and stops at the first malformed module or error.
// Modules before the failing one have already been passed to fn.
func walkModules(data []byte, fn func(m *ImageModule) error) error {
	var hdr fwHeader
	if err := unmarshal(data, &hdr); err != nil {
		return err
	}

	off := fwHeaderSize
	for i := range hdr.Modules {
		m, next, err := parseModule(data, off, hdr.Signature)
		if err != nil {
			return fmt.Errorf("firmware: module %d: %w", i, err)
		}

		if err := fn(m); err != nil {
			return err
		}

		off = next
	}

	return nil
}

func parseModule(data []byte, off int, sig [4]byte) (*ImageModule, int, error) {
	if off+fwModHeaderSize > len(data) {
		return nil, 0, fmt.Errorf("header at %#x past end of file: %w", off, ErrInvalidParameter)
	}

	var hdr fwModHeader
	if err := unmarshal(data[off:], &hdr); err != nil {
		return nil, 0, err
	}

	if hdr.Signature != sig {
		return nil, 0, fmt.Errorf("signature mismatch %q: %w", hdr.Signature[:], ErrInvalidParameter)
	}

	if int(hdr.ModuleID) >= CATPT_MODULE_COUNT {
		return nil, 0, fmt.Errorf("module id %d: %w", hdr.ModuleID, ErrInvalidParameter)
	}

	end := off + fwModHeaderSize + int(hdr.ModSize)
	if end > len(data) || end < off {
		return nil, 0, fmt.Errorf("size %d at %#x past end of file: %w", hdr.ModSize, off, ErrInvalidParameter)
	}

	m := &ImageModule{
		Offset:         off,
		Size:           hdr.ModSize,
		Slot:           hdr.Slot,
		ModuleID:       ModuleID(hdr.ModuleID),
		EntryPoint:     hdr.EntryPoint,
		PersistentSize: hdr.PersistentSize,
		ScratchSize:    hdr.ScratchSize,
	}

	pos := off + fwModHeaderSize
	for i := range hdr.Blocks {
		if pos+fwBlockHeaderSize > end {
			return nil, 0, fmt.Errorf("block %d header at %#x past end of module: %w", i, pos, ErrInvalidParameter)
		}

		var blk fwBlockHeader
		if err := unmarshal(data[pos:], &blk); err != nil {
			return nil, 0, err
		}

		payload := pos + fwBlockHeaderSize
		if payload+int(blk.Size) > end || payload+int(blk.Size) < payload {
			return nil, 0, fmt.Errorf("block %d size %d past end of module: %w", i, blk.Size, ErrInvalidParameter)
		}

		m.Blocks = append(m.Blocks, ImageBlock{
			Offset:    pos,
			RAMType:   blk.RAMType,
			Size:      blk.Size,
			RAMOffset: blk.RAMOffset,
			Data:      data[payload : payload+int(blk.Size)],
		})

		pos = payload + int(blk.Size)
	}

	return m, end, nil
}

// String returns a multi-line summary of the image.
func (img *Image) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Signature:   %s\n", img.Signature)
	fmt.Fprintf(&sb, "File size:   %d\n", img.FileSize)
	fmt.Fprintf(&sb, "File format: %d\n", img.FileFormat)
	fmt.Fprintf(&sb, "Modules:     %d\n", len(img.Modules))

	for _, m := range img.Modules {
		fmt.Fprintf(&sb, "  %-17s slot %d entry %#08x persistent %d scratch %d blocks %d\n",
			m.ModuleID, m.Slot, m.EntryPoint, m.PersistentSize, m.ScratchSize, len(m.Blocks))
		for _, b := range m.Blocks {
			fmt.Fprintf(&sb, "    %-8s offset %#06x size %d\n", b.RAMType, b.RAMOffset, b.Size)
		}
	}

	return sb.String()
}
