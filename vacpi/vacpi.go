// Package vacpi builds the per-VM virtual ACPI template of spec.md
// §4.6/§6: RSDP, XSDT, and MADT at fixed guest-physical addresses,
// specialized per VM by its created vCPU count. The encode-to-bytes-
// then-sum-checksum idiom is adapted from gokvm's acpi package
// (Header/XSDT/MADT), corrected to use the two's-complement-of-sum
// checksum formula ACPI actually requires; see DESIGN.md.
package vacpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Fixed guest-physical addresses, spec.md §6.
const (
	RSDPAddr = 0x000F2400
	XSDTAddr = 0x000F2480
	MADTAddr = 0x000F2500
)

// RSDP mirrors the ACPI 2.0+ Root System Description Pointer.
type RSDP struct {
	Signature         [8]byte
	Checksum          uint8
	OEMID             [6]byte
	Revision          uint8
	RSDTAddress       uint32
	Length            uint32
	XSDTAddress       uint64
	ExtendedChecksum  uint8
	Reserved          [3]uint8
}

// Header is the common ACPI system-description-table header.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Revision   uint8
	Checksum   uint8
	OEMID      [6]byte
	OEMTableID [8]byte
	OEMRevision uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

// XSDT is the Extended System Description Table: a header followed by
// 64-bit pointers to other tables. This template carries exactly one
// entry, pointing at the MADT.
type XSDT struct {
	Header
	Entry uint64
}

// LocalAPIC is a MADT type-0 subtable, one per vCPU.
type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

const localAPICEnabled uint32 = 1

// MADTHeader is the MADT's fixed-size prefix (the header plus the two
// fields that precede the variable-length subtable list).
type MADTHeader struct {
	Header
	LocalAPICAddress uint32
	Flags            uint32
}

// Template is a VM's specialized ACPI tables, ready to be copied to
// guest memory at RSDPAddr/XSDTAddr/MADTAddr.
type Template struct {
	RSDP  RSDP
	XSDT  XSDT
	MADTH MADTHeader
	LAPIC []LocalAPIC
}

func convert(dst []byte, s string) {
	copy(dst, s)
}

// Build implements build_vacpi(vm): specialize a per-VM copy of the
// static template for createdVcpus vCPUs, compute the three table
// checksums, and return the template ready for copy_to_gpa. Build is
// idempotent: calling it twice with the same createdVcpus produces
// byte-identical output.
func Build(createdVcpus int) (*Template, error) {
	if createdVcpus <= 0 {
		return nil, fmt.Errorf("vacpi: createdVcpus must be positive, got %d", createdVcpus)
	}

	t := &Template{}

	convert(t.RSDP.Signature[:], "RSD PTR ")
	convert(t.RSDP.OEMID[:], "ACRN  ")
	t.RSDP.Revision = 2
	t.RSDP.Length = 36
	t.RSDP.XSDTAddress = XSDTAddr

	convert(t.MADTH.Signature[:], "APIC")
	convert(t.MADTH.OEMID[:], "ACRN  ")
	convert(t.MADTH.OEMTableID[:], "VACPITBL")
	convert(t.MADTH.CreatorID[:], "PVIS")
	t.MADTH.Revision = 4
	t.MADTH.CreatorRev = 1
	t.MADTH.LocalAPICAddress = 0xFEE00000
	t.MADTH.Flags = 0

	t.LAPIC = make([]LocalAPIC, createdVcpus)
	for i := 0; i < createdVcpus; i++ {
		t.LAPIC[i] = LocalAPIC{
			Type:        0,
			Length:      8,
			ProcessorID: uint8(i),
			APICID:      uint8(i),
			Flags:       localAPICEnabled,
		}
	}

	headerLen := uint32(binary.Size(MADTHeader{}))
	t.MADTH.Length = headerLen + uint32(createdVcpus)*uint32(binary.Size(LocalAPIC{}))

	convert(t.XSDT.Signature[:], "XSDT")
	convert(t.XSDT.OEMID[:], "ACRN  ")
	convert(t.XSDT.OEMTableID[:], "VACPITBL")
	convert(t.XSDT.CreatorID[:], "PVIS")
	t.XSDT.Revision = 1
	t.XSDT.CreatorRev = 1
	t.XSDT.Entry = MADTAddr
	t.XSDT.Length = uint32(binary.Size(XSDT{}))

	if err := computeChecksums(t); err != nil {
		return nil, err
	}

	return t, nil
}

// madtBytes encodes the MADT header followed by every LAPIC subtable.
func madtBytes(t *Template) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, t.MADTH); err != nil {
		return nil, err
	}

	for _, l := range t.LAPIC {
		if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func sum(b []byte) uint8 {
	var s uint8

	for _, v := range b {
		s += v
	}

	return s
}

// computeChecksums implements spec.md §8 property 2: RSDP's first-20-
// byte checksum and first-36-byte extended checksum, and the XSDT/
// MADT whole-table checksums, each chosen so the byte sum over the
// declared range is 0 mod 256.
func computeChecksums(t *Template) error {
	t.RSDP.Checksum = 0
	t.RSDP.ExtendedChecksum = 0

	rsdpBuf := &bytes.Buffer{}
	if err := binary.Write(rsdpBuf, binary.LittleEndian, t.RSDP); err != nil {
		return err
	}

	rsdpBytes := rsdpBuf.Bytes()
	t.RSDP.Checksum = uint8(256 - int(sum(rsdpBytes[:20])))

	rsdpBuf.Reset()
	if err := binary.Write(rsdpBuf, binary.LittleEndian, t.RSDP); err != nil {
		return err
	}

	rsdpBytes = rsdpBuf.Bytes()
	t.RSDP.ExtendedChecksum = uint8(256 - int(sum(rsdpBytes[:36])))

	t.XSDT.Checksum = 0

	xsdtBuf := &bytes.Buffer{}
	if err := binary.Write(xsdtBuf, binary.LittleEndian, t.XSDT); err != nil {
		return err
	}

	t.XSDT.Checksum = uint8(256 - int(sum(xsdtBuf.Bytes())))

	t.MADTH.Checksum = 0

	madtRaw, err := madtBytes(t)
	if err != nil {
		return err
	}

	t.MADTH.Checksum = uint8(256 - int(sum(madtRaw)))

	return nil
}

// RSDPBytes, XSDTBytes, and MADTBytes return the wire encodings ready
// for copy_to_gpa, reflecting the checksums Build computed.
func (t *Template) RSDPBytes() ([]byte, error) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, t.RSDP)

	return buf.Bytes(), err
}

func (t *Template) XSDTBytes() ([]byte, error) {
	var buf bytes.Buffer
	err := binary.Write(&buf, binary.LittleEndian, t.XSDT)

	return buf.Bytes(), err
}

func (t *Template) MADTBytes() ([]byte, error) {
	return madtBytes(t)
}

// VerifyChecksums reports whether all four checksums currently sum to
// zero mod 256 over their declared ranges — the property spec.md §8
// #2 requires after Build.
func (t *Template) VerifyChecksums() (bool, error) {
	rsdp, err := t.RSDPBytes()
	if err != nil {
		return false, err
	}

	if sum(rsdp[:20]) != 0 || sum(rsdp[:36]) != 0 {
		return false, nil
	}

	xsdt, err := t.XSDTBytes()
	if err != nil {
		return false, err
	}

	if sum(xsdt) != 0 {
		return false, nil
	}

	madt, err := t.MADTBytes()
	if err != nil {
		return false, err
	}

	return sum(madt) == 0, nil
}
