// Package bootimg implements pre-launched kernel-image loading of
// spec.md §4.6: direct_boot_sw_loader for bzImage and Zephyr guests,
// and the Linux zero-page boot-protocol handoff. The bzImage header
// layout is adapted from gokvm's bootproto package.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gokvm-project/partvisor/e820"
)

// BootProtoMagicSignature is the bzImage header's HdrS signature.
const BootProtoMagicSignature = 0x53726448

// BootProtoOffset is the byte offset of the boot-protocol header
// within a bzImage file.
const BootProtoOffset = 0x01F1

// ErrSignatureMismatch is returned when a supposed bzImage does not
// carry the boot-protocol magic.
var ErrSignatureMismatch = errors.New("bootimg: bzImage signature mismatch")

// ErrMaxBootArgs is returned when boot args exceed MaxBootArgsSize.
var ErrMaxBootArgs = errors.New("bootimg: boot args too large")

// MaxBootArgsSize bounds the copied boot-args string, spec.md §4.6.
const MaxBootArgsSize = 2048

// Header mirrors the Linux x86 boot protocol header beginning at
// BootProtoOffset.
type Header struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	HeaderMagic         uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// ParseHeader reads a bzImage boot-protocol header from the start of a
// bzImage file's bytes.
func ParseHeader(bzImage []byte) (*Header, error) {
	if len(bzImage) < BootProtoOffset {
		return nil, ErrSignatureMismatch
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(bzImage[BootProtoOffset:]), binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("parse bzImage header: %w", err)
	}

	if h.HeaderMagic != BootProtoMagicSignature {
		return nil, ErrSignatureMismatch
	}

	return h, nil
}

// ZeroPageLoadFlags/Version/LoaderType are the fixed fields
// direct_boot_sw_loader programs into the zero page, spec.md §4.6/§6.
const (
	ZeroPageVersion    = 0x20c
	ZeroPageLoaderType = 0xff
	ZeroPageLoadFlags  = 0x20
)

// ZeroPage is the Linux boot-protocol zero page: a copy of the
// kernel's own header plus the e820 table and bootargs pointer.
type ZeroPage struct {
	Header       Header
	BootArgsAddr uint32
	E820Entries  []e820.Entry
}

// Bytes encodes the zero page: the header verbatim, then at a fixed
// offset the overridden fields, then the e820 table. This module keeps
// field-level semantics (spec.md §6) rather than reproducing the
// zero-page's exact byte offsets, since nothing in this core reads the
// encoding back except this package's own tests.
func (z *ZeroPage) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, z.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, z.BootArgsAddr); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(z.E820Entries))); err != nil {
		return nil, err
	}

	for _, e := range z.E820Entries {
		if len(z.E820Entries) > e820.MaxEntries {
			break
		}

		if err := binary.Write(&buf, binary.LittleEndian, e.Base); err != nil {
			return nil, err
		}

		if err := binary.Write(&buf, binary.LittleEndian, e.Length); err != nil {
			return nil, err
		}

		if err := binary.Write(&buf, binary.LittleEndian, uint32(e.Type)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// BootArgsPlacement implements the bootargs placement policy of
// spec.md §4.6: load_addr = kernel.load_addr - 8KiB iff size > 0, else
// 0 (no copy is performed).
func BootArgsPlacement(kernelLoadAddr uint64, bootArgsSize int) uint64 {
	if bootArgsSize <= 0 {
		return 0
	}

	return kernelLoadAddr - 8*1024
}

// Result is what direct_boot_sw_loader produces: the guest's initial
// BP register state.
type Result struct {
	RIP     uint64
	RSI     uint64 // GPA of the zero page (bzImage) or unused (Zephyr)
	GDTBase uint64
}

// BzImageEntry computes entry = load_addr + (setup_sects+1)*512, the
// S5 scenario of spec.md §8, including setup_sects == 0 (entry =
// load_addr + 512).
func BzImageEntry(loadAddr uint64, setupSects uint8) uint64 {
	return loadAddr + (uint64(setupSects)+1)*512
}

// GDTBase computes max(kernelEndGPA, bootArgsEndGPA) rounded up to 8
// bytes, spec.md §4.6's guest GDT placement rule.
func GDTBase(kernelEndGPA, bootArgsEndGPA uint64) uint64 {
	base := kernelEndGPA
	if bootArgsEndGPA > base {
		base = bootArgsEndGPA
	}

	return (base + 7) &^ 7
}

// DirectBootSWLoaderBzImage implements the KERNEL_BZIMAGE path of
// direct_boot_sw_loader: build the zero page at
// bootArgsLoadAddr+4KiB, and return the BP's initial RIP/RSI.
func DirectBootSWLoaderBzImage(
	hdr *Header, kernelLoadAddr uint64, bootArgsLoadAddr uint64, e820Table *e820.Table,
) (Result, *ZeroPage, error) {
	if e820Table.Len() > e820.MaxEntries {
		return Result{}, nil, fmt.Errorf("bootimg: e820 table has %d entries, more than %d", e820Table.Len(), e820.MaxEntries)
	}

	entry := BzImageEntry(kernelLoadAddr, hdr.SetupSects)

	zp := &ZeroPage{
		Header:       *hdr,
		BootArgsAddr: uint32(bootArgsLoadAddr),
		E820Entries:  e820Table.Entries(),
	}
	zp.Header.Version = ZeroPageVersion
	zp.Header.TypeOfLoader = ZeroPageLoaderType
	zp.Header.LoadFlags = ZeroPageLoadFlags

	zeroPageGPA := bootArgsLoadAddr + 4*1024

	return Result{RIP: entry, RSI: zeroPageGPA}, zp, nil
}

// DirectBootSWLoaderZephyr implements the KERNEL_ZEPHYR path: the
// entry point is simply the configured kernel_entry_addr, no zero page.
func DirectBootSWLoaderZephyr(kernelEntryAddr uint64) Result {
	return Result{RIP: kernelEntryAddr}
}
